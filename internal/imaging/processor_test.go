package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDimensions(t *testing.T) {
	p := NewProcessor()

	w, h, err := p.Dimensions(testImage(t, 123, 45), "png")
	require.NoError(t, err)
	assert.Equal(t, 123, w)
	assert.Equal(t, 45, h)
}

func TestDimensionsRejectsGarbage(t *testing.T) {
	p := NewProcessor()
	_, _, err := p.Dimensions([]byte("definitely not an image"), "png")
	assert.Error(t, err)
}

func TestResizePreservesAspectRatio(t *testing.T) {
	p := NewProcessor()

	img, err := p.Decode(testImage(t, 400, 200), "png")
	require.NoError(t, err)

	resized := p.Resize(img, 100, 100)
	bounds := resized.Bounds()
	assert.Equal(t, 100, bounds.Dx())
	assert.Equal(t, 50, bounds.Dy())
}

func TestResizeNeverUpscales(t *testing.T) {
	p := NewProcessor()

	img, err := p.Decode(testImage(t, 40, 30), "png")
	require.NoError(t, err)

	resized := p.Resize(img, 1000, 1000)
	bounds := resized.Bounds()
	assert.Equal(t, 40, bounds.Dx())
	assert.Equal(t, 30, bounds.Dy())
}

func TestEncodeFormats(t *testing.T) {
	p := NewProcessor()
	img, err := p.Decode(testImage(t, 20, 20), "png")
	require.NoError(t, err)

	for _, format := range []string{"webp", "jpeg", "png"} {
		data, used, err := p.Encode(img, format, 80)
		require.NoError(t, err, format)
		assert.NotEmpty(t, data, format)
		assert.Equal(t, format, used)
	}

	_, _, err = p.Encode(img, "bmp", 80)
	assert.Error(t, err, "unsupported output format")
}

func TestRenderRoundTrip(t *testing.T) {
	p := NewProcessor()

	data, format, err := p.Render(testImage(t, 640, 480), "png", 100, 100, 85, "jpeg")
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)

	w, h, err := p.Dimensions(data, format)
	require.NoError(t, err)
	assert.Equal(t, 100, w)
	assert.Equal(t, 75, h)
}
