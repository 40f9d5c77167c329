package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"iter"
	"os"
	"strconv"
	"sync"
	"time"
)

const (
	DefaultReadTimeout  = 2 * time.Second
	DefaultCloseTimeout = 10 * time.Second
)

type ReaderConfig struct {
	FFmpeg      string
	FFprobe     string
	Path        string
	InputFormat string
	// FPS resamples the stream to a fixed rate. Zero keeps the native rate.
	FPS float64
	// Width and Height skip probing when both are set.
	Width  int
	Height int

	ReadTimeout  time.Duration
	CloseTimeout time.Duration
}

// Reader decodes one input into RGBA frames. It must be closed on every
// path; Frames closes it when the loop ends, including on break.
type Reader struct {
	cfg  ReaderConfig
	proc *process
	img  *image.NRGBA

	closeOnce sync.Once
	closed    bool
}

func OpenReader(ctx context.Context, cfg ReaderConfig) (*Reader, error) {
	if cfg.FFmpeg == "" {
		cfg.FFmpeg = "ffmpeg"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		info, err := Probe(ctx, cfg.FFprobe, cfg.Path, cfg.InputFormat)
		if err != nil {
			return nil, err
		}
		cfg.Width, cfg.Height = info.Width, info.Height
	}

	proc, err := start(ctx, "decode "+cfg.Path, cfg.FFmpeg, readerArgs(cfg), false, true)
	if err != nil {
		return nil, err
	}
	return &Reader{
		cfg:  cfg,
		proc: proc,
		img:  image.NewNRGBA(image.Rect(0, 0, cfg.Width, cfg.Height)),
	}, nil
}

func readerArgs(cfg ReaderConfig) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if cfg.InputFormat != "" {
		args = append(args, "-f", cfg.InputFormat)
	}
	args = append(args, "-i", cfg.Path)
	if cfg.FPS > 0 {
		args = append(args, "-vf", "fps="+strconv.FormatFloat(cfg.FPS, 'f', -1, 64))
	}
	return append(args, "-an", "-f", "rawvideo", "-pix_fmt", "rgba", "-")
}

func (r *Reader) Size() (int, int) {
	return r.cfg.Width, r.cfg.Height
}

// Next returns the next frame, or io.EOF when the stream ends cleanly. The
// image is reused by the following call.
func (r *Reader) Next() (*image.NRGBA, error) {
	if r.closed {
		return nil, ErrClosed
	}
	r.proc.stdout.SetReadDeadline(time.Now().Add(r.cfg.ReadTimeout))
	n, err := io.ReadFull(r.proc.stdout, r.img.Pix)
	switch {
	case err == nil:
		return r.img, nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		err = fmt.Errorf("ffmpeg: read %s: no frame within %v: %w", r.cfg.Path, r.cfg.ReadTimeout, err)
		if n > 0 {
			// Part of a frame was consumed; the stream is out of step.
			r.Close()
		}
		return nil, err
	}

	// The process closed its output. A clean exit after whole frames is the
	// end of the stream; anything else is a failure.
	var result error
	switch {
	case !r.proc.waitFor(r.cfg.CloseTimeout):
		result = fmt.Errorf("ffmpeg: read %s: output closed but process still running", r.cfg.Path)
	case r.proc.err != nil:
		result = r.proc.exitError()
	case n > 0:
		result = fmt.Errorf("ffmpeg: read %s: truncated frame (%d of %d bytes): %w", r.cfg.Path, n, len(r.img.Pix), io.ErrUnexpectedEOF)
	default:
		result = io.EOF
	}
	r.Close()
	return nil, result
}

// Frames yields frames until the stream ends or fails. A failure is yielded
// once as the error. The reader is closed when iteration stops.
func (r *Reader) Frames() iter.Seq2[*image.NRGBA, error] {
	return func(yield func(*image.NRGBA, error) bool) {
		defer r.Close()
		for {
			img, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(img, err) || err != nil {
				return
			}
		}
	}
}

// Close stops the decoder. Closing our end of the pipe makes ffmpeg fail its
// next write and exit; a decoder that hangs anyway is killed.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		r.closed = true
		r.proc.stdout.Close()
		r.proc.stop(r.cfg.CloseTimeout)
	})
	return nil
}
