package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

type Info struct {
	Width    int
	Height   int
	FPS      float64
	Duration time.Duration
}

type probeOutput struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe reads the first video stream's geometry and rate with ffprobe.
func Probe(ctx context.Context, ffprobe, path, inputFormat string) (Info, error) {
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	args := []string{"-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=width,height,avg_frame_rate,r_frame_rate:format=duration",
		"-of", "json"}
	if inputFormat != "" {
		args = append(args, "-f", inputFormat)
	}
	args = append(args, path)

	cmd := command(ctx, ffprobe, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Info{}, &ExitError{Name: "ffprobe " + path, Err: err, Stderr: strings.TrimSpace(stderr.String())}
		}
		return Info{}, fmt.Errorf("ffmpeg: probe %s: %w", path, err)
	}

	var po probeOutput
	if err := json.Unmarshal(out, &po); err != nil {
		return Info{}, fmt.Errorf("ffmpeg: probe %s: parse: %w", path, err)
	}
	if len(po.Streams) == 0 || po.Streams[0].Width <= 0 || po.Streams[0].Height <= 0 {
		return Info{}, fmt.Errorf("ffmpeg: probe %s: no video stream", path)
	}
	s := po.Streams[0]
	info := Info{Width: s.Width, Height: s.Height}
	info.FPS = parseRate(s.AvgFrameRate)
	if info.FPS == 0 {
		info.FPS = parseRate(s.RFrameRate)
	}
	if secs, err := strconv.ParseFloat(po.Format.Duration, 64); err == nil {
		info.Duration = time.Duration(secs * float64(time.Second))
	}
	return info, nil
}

// parseRate parses "30000/1001" or "25" style rates. Unparseable or zero
// denominators give 0.
func parseRate(s string) float64 {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}
