// Package imaging wraps the decode/resize/encode capability consumed by the
// generation consumers.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
)

// Processor handles image decoding, resizing, and re-encoding.
type Processor struct{}

// NewProcessor creates a new image processor instance
func NewProcessor() *Processor {
	return &Processor{}
}

// Decode decodes image bytes, using the detected format as a hint.
func (p *Processor) Decode(data []byte, format string) (image.Image, error) {
	reader := bytes.NewReader(data)

	switch strings.ToLower(format) {
	case "jpeg", "jpg":
		return jpeg.Decode(reader)
	case "png":
		return png.Decode(reader)
	case "webp":
		return webp.Decode(reader)
	default:
		return imaging.Decode(reader)
	}
}

// Dimensions extracts width and height from image data.
func (p *Processor) Dimensions(data []byte, format string) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err == nil {
		return cfg.Width, cfg.Height, nil
	}

	// Some encoders write headers DecodeConfig rejects; fall back to a
	// full decode before giving up.
	img, err := p.Decode(data, format)
	if err != nil {
		return 0, 0, err
	}
	bounds := img.Bounds()
	return bounds.Dx(), bounds.Dy(), nil
}

// Resize scales an image to fit within the given bounds, preserving aspect
// ratio. Images already smaller than the bounds are returned unchanged.
func (p *Processor) Resize(img image.Image, maxWidth, maxHeight int) image.Image {
	bounds := img.Bounds()
	if bounds.Dx() <= maxWidth && bounds.Dy() <= maxHeight {
		return img
	}
	return imaging.Fit(img, maxWidth, maxHeight, imaging.Lanczos)
}

// Encode re-encodes an image in the requested format at the given quality.
// Returns the encoded bytes and the format actually used.
func (p *Processor) Encode(img image.Image, format string, quality int) ([]byte, string, error) {
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}

	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "webp", "":
		opts := &webp.Options{Lossless: quality >= 100, Quality: float32(quality)}
		if err := webp.Encode(&buf, img, opts); err != nil {
			// webp encoder rejects some color models; fall back to JPEG
			buf.Reset()
			if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
				return nil, "", fmt.Errorf("failed to encode image: %w", err)
			}
			return buf.Bytes(), "jpeg", nil
		}
		return buf.Bytes(), "webp", nil
	case "jpeg", "jpg":
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, "", fmt.Errorf("failed to encode image: %w", err)
		}
		return buf.Bytes(), "jpeg", nil
	case "png":
		if err := png.Encode(&buf, img); err != nil {
			return nil, "", fmt.Errorf("failed to encode image: %w", err)
		}
		return buf.Bytes(), "png", nil
	default:
		return nil, "", fmt.Errorf("unsupported output format: %s", format)
	}
}

// Render decodes, resizes, and re-encodes in one pass.
func (p *Processor) Render(data []byte, srcFormat string, maxWidth, maxHeight, quality int, outFormat string) ([]byte, string, error) {
	img, err := p.Decode(data, srcFormat)
	if err != nil {
		return nil, "", err
	}
	resized := p.Resize(img, maxWidth, maxHeight)
	return p.Encode(resized, outFormat, quality)
}
