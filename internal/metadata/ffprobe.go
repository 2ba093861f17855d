// Package metadata provides the external ffprobe capability used to read
// video stream dimensions during scanning.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"time"
)

// ffprobe availability cache, checked at most once per interval
var (
	ffprobeAvailable     *bool
	ffprobeCheckTime     time.Time
	ffprobeCheckMutex    sync.RWMutex
	ffprobeCheckInterval = 5 * time.Minute
)

// FFProbeOutput represents the JSON output from ffprobe
type FFProbeOutput struct {
	Streams []FFProbeStream `json:"streams"`
}

// FFProbeStream is one stream entry in ffprobe output
type FFProbeStream struct {
	Index     int    `json:"index"`
	CodecType string `json:"codec_type"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// IsFFProbeAvailable checks whether the ffprobe binary can be found,
// caching the result briefly.
func IsFFProbeAvailable() bool {
	ffprobeCheckMutex.RLock()
	if ffprobeAvailable != nil && time.Since(ffprobeCheckTime) < ffprobeCheckInterval {
		available := *ffprobeAvailable
		ffprobeCheckMutex.RUnlock()
		return available
	}
	ffprobeCheckMutex.RUnlock()

	ffprobeCheckMutex.Lock()
	defer ffprobeCheckMutex.Unlock()

	_, err := exec.LookPath("ffprobe")
	available := err == nil
	ffprobeAvailable = &available
	ffprobeCheckTime = time.Now()
	return available
}

// ProbeVideoDimensions returns the width and height of the first video
// stream in a file. A probe failure affects only the file being probed;
// callers log and continue with unknown dimensions.
func ProbeVideoDimensions(ctx context.Context, path string, timeout time.Duration) (int, int, error) {
	if !IsFFProbeAvailable() {
		return 0, 0, fmt.Errorf("ffprobe not available")
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		"-select_streams", "v:0",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, 0, fmt.Errorf("ffprobe failed for %s: %w", path, err)
	}

	var probe FFProbeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return 0, 0, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	for _, stream := range probe.Streams {
		if stream.CodecType == "video" && stream.Width > 0 && stream.Height > 0 {
			return stream.Width, stream.Height, nil
		}
	}
	return 0, 0, fmt.Errorf("no video stream with dimensions in %s", path)
}
