package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"strconv"
	"sync"
	"time"
)

const DefaultWriteTimeout = 5 * time.Second

type WriterConfig struct {
	FFmpeg string
	Path   string
	FPS    float64
	Width  int
	Height int
	// Audio is muxed in as the first audio stream when set. The video is
	// never cut to the audio length.
	Audio string
	Codec string

	WriteTimeout time.Duration
	CloseTimeout time.Duration
}

// Writer encodes RGBA frames to a file.
type Writer struct {
	cfg    WriterConfig
	proc   *process
	frames int

	closeOnce sync.Once
	closeErr  error
	failed    error
}

func CreateWriter(ctx context.Context, cfg WriterConfig) (*Writer, error) {
	if cfg.FFmpeg == "" {
		cfg.FFmpeg = "ffmpeg"
	}
	if cfg.Codec == "" {
		cfg.Codec = "libx264"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("ffmpeg: create %s: fps %v must be positive", cfg.Path, cfg.FPS)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width%2 != 0 || cfg.Height%2 != 0 {
		return nil, fmt.Errorf("ffmpeg: create %s: size %dx%d must be positive and even", cfg.Path, cfg.Width, cfg.Height)
	}

	proc, err := start(ctx, "encode "+cfg.Path, cfg.FFmpeg, writerArgs(cfg), true, false)
	if err != nil {
		return nil, err
	}
	return &Writer{cfg: cfg, proc: proc}, nil
}

func writerArgs(cfg WriterConfig) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-y",
		"-f", "rawvideo", "-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"-r", strconv.FormatFloat(cfg.FPS, 'f', -1, 64),
		"-i", "-"}
	if cfg.Audio != "" {
		args = append(args, "-i", cfg.Audio, "-map", "0:v:0", "-map", "1:a:0", "-c:a", "aac")
	}
	return append(args, "-c:v", cfg.Codec, "-pix_fmt", "yuv420p", cfg.Path)
}

func (w *Writer) Frames() int {
	return w.frames
}

// Write sends one frame. A dead encoder is reported here, on the first write
// after it exits, and the writer is torn down.
func (w *Writer) Write(img *image.RGBA) error {
	if w.failed != nil {
		return w.failed
	}
	if w.proc.exited() {
		return w.fail(w.proc.exitError())
	}
	b := img.Bounds()
	if b.Dx() != w.cfg.Width || b.Dy() != w.cfg.Height {
		return fmt.Errorf("ffmpeg: write %s: frame is %dx%d, want %dx%d", w.cfg.Path, b.Dx(), b.Dy(), w.cfg.Width, w.cfg.Height)
	}

	w.proc.stdin.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
	rowLen := b.Dx() * 4
	var err error
	if img.Stride == rowLen {
		start := img.PixOffset(b.Min.X, b.Min.Y)
		_, err = w.proc.stdin.Write(img.Pix[start : start+rowLen*b.Dy()])
	} else {
		for y := b.Min.Y; y < b.Max.Y && err == nil; y++ {
			start := img.PixOffset(b.Min.X, y)
			_, err = w.proc.stdin.Write(img.Pix[start : start+rowLen])
		}
	}
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return w.fail(fmt.Errorf("ffmpeg: write %s: frame %d not accepted within %v: %w", w.cfg.Path, w.frames, w.cfg.WriteTimeout, err))
		}
		if w.proc.waitFor(time.Second) {
			return w.fail(w.proc.exitError())
		}
		return w.fail(fmt.Errorf("ffmpeg: write %s: frame %d: %w", w.cfg.Path, w.frames, err))
	}
	w.frames++
	return nil
}

func (w *Writer) fail(err error) error {
	w.failed = err
	w.Close()
	return err
}

// Close finishes the file. The encoder gets CloseTimeout to flush after its
// input ends, then is interrupted, then killed.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		w.proc.stdin.Close()
		if w.proc.stop(w.cfg.CloseTimeout) {
			w.closeErr = fmt.Errorf("ffmpeg: close %s: encoder killed after %v", w.cfg.Path, 2*w.cfg.CloseTimeout)
			return
		}
		if w.proc.err != nil && w.failed == nil {
			w.closeErr = w.proc.exitError()
		}
	})
	if w.closeErr == nil && w.failed != nil {
		return w.failed
	}
	return w.closeErr
}
