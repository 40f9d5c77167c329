// Package render rebuilds a recorded take headless and encodes it to a file.
//
// Events recorded at one frame rate are moved to another with
// show.ScaleFrame, which rounds half away from zero. The mapping is lossy
// when the target rate is not a multiple of the recording rate: two events
// may land on the same frame, but always in their recorded order.
package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"time"

	"vjrun/lib/compositor"
	"vjrun/lib/engine"
	"vjrun/lib/ffmpeg"
	"vjrun/lib/show"
)

// Sink receives composited frames in order.
type Sink interface {
	Write(img *image.RGBA) error
	Close() error
}

type SinkFunc func(ctx context.Context, cfg ffmpeg.WriterConfig) (Sink, error)

type Options struct {
	Log *show.AutomationLog
	// Layers replaces the log's layer_config when set.
	Layers []show.Layer
	// FPS, Width and Height default to the log's values.
	FPS    float64
	Width  int
	Height int
	Audio  string
	// Duration, when set, fixes the output length instead of the log's.
	Duration time.Duration
	Output   string

	// Open and Sink default to ffmpeg decode and encode processes.
	Open compositor.Opener
	Sink SinkFunc

	FFmpeg       string
	FFprobe      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CloseTimeout time.Duration
}

type Result struct {
	Frames int
	FPS    float64
	Width  int
	Height int
	// Missing lists layer ids the log referenced that were not configured.
	Missing []int
	// Audio is the probed length of the audio track, if any.
	Audio time.Duration
}

// Render plays opts.Log through the engine at the target rate and size and
// writes every frame to the sink. Any source or encoder failure aborts the
// render; partial output is not reported as success.
func Render(ctx context.Context, opts Options) (Result, error) {
	l := opts.Log
	if l == nil {
		return Result{}, errors.New("render: no automation log")
	}
	if err := l.Validate(); err != nil {
		return Result{}, fmt.Errorf("render: %w", err)
	}

	layers := opts.Layers
	if len(layers) == 0 {
		layers = l.LayerConfig
	}
	if len(layers) == 0 {
		return Result{}, fmt.Errorf("render: %w", show.ErrNoLayers)
	}

	res := Result{FPS: opts.FPS, Width: opts.Width, Height: opts.Height}
	if res.FPS <= 0 {
		res.FPS = l.FPS
	}
	if res.Width <= 0 || res.Height <= 0 {
		res.Width, res.Height = l.Width, l.Height
	}
	if res.Width <= 0 || res.Height <= 0 {
		return Result{}, errors.New("render: output size unknown, set width and height")
	}

	if ratio := res.FPS / l.FPS; ratio != 1 {
		layers = ScaleEnvelopes(layers, ratio)
		slog.Info("time-scaling take", "recorded_fps", l.FPS, "fps", res.FPS, "ratio", ratio)
	}

	total := show.ScaleFrame(l.TotalFrames, l.FPS, res.FPS)
	if opts.Duration > 0 {
		total = int(math.Round(opts.Duration.Seconds() * res.FPS))
	}
	if total <= 0 {
		return Result{}, errors.New("render: nothing to render")
	}

	if opts.Audio != "" {
		d, err := AudioDuration(opts.Audio)
		if err != nil {
			return Result{}, fmt.Errorf("render: %w", err)
		}
		res.Audio = d
		video := time.Duration(float64(total) / res.FPS * float64(time.Second))
		if d < video {
			slog.Warn("audio track is shorter than the video, the tail will be silent", "audio", d, "video", video)
		}
	}

	open := opts.Open
	if open == nil {
		open = SourceOpener(ctx, ffmpeg.ReaderConfig{
			FFmpeg:       opts.FFmpeg,
			FFprobe:      opts.FFprobe,
			FPS:          res.FPS,
			ReadTimeout:  opts.ReadTimeout,
			CloseTimeout: opts.CloseTimeout,
		})
	}
	newSink := opts.Sink
	if newSink == nil {
		newSink = func(ctx context.Context, cfg ffmpeg.WriterConfig) (Sink, error) {
			return ffmpeg.CreateWriter(ctx, cfg)
		}
	}

	eng, err := engine.New(engine.Config{Layers: layers, Open: open, Width: res.Width, Height: res.Height, FPS: res.FPS})
	if err != nil {
		return Result{}, fmt.Errorf("render: %w", err)
	}
	defer eng.Close()

	eng.StartReplay(engine.NewReplay(l, res.FPS, total, false))
	if err := eng.Open(); err != nil {
		return Result{}, fmt.Errorf("render: %w", err)
	}

	sink, err := newSink(ctx, ffmpeg.WriterConfig{
		FFmpeg:       opts.FFmpeg,
		Path:         opts.Output,
		FPS:          res.FPS,
		Width:        res.Width,
		Height:       res.Height,
		Audio:        opts.Audio,
		WriteTimeout: opts.WriteTimeout,
		CloseTimeout: opts.CloseTimeout,
	})
	if err != nil {
		return Result{}, fmt.Errorf("render: %w", err)
	}

	slog.Info("render started", "output", opts.Output, "frames", total, "fps", res.FPS, "size", fmt.Sprintf("%dx%d", res.Width, res.Height))
	start := time.Now()
	for frame := range total {
		if err := ctx.Err(); err != nil {
			sink.Close()
			return Result{}, fmt.Errorf("render: stopped at frame %d: %w", frame, err)
		}
		tick := eng.Tick()
		if err := failed(eng, frame); err != nil {
			sink.Close()
			return Result{}, fmt.Errorf("render: %w", err)
		}
		if err := sink.Write(tick.Image); err != nil {
			sink.Close()
			return Result{}, fmt.Errorf("render: frame %d: %w", frame, err)
		}
		res.Frames++
	}
	if err := sink.Close(); err != nil {
		return Result{}, fmt.Errorf("render: %w", err)
	}

	res.Missing = eng.Missing()
	if len(res.Missing) > 0 {
		slog.Warn("log referenced unknown layers, rendered them as transparent", "layers", res.Missing)
	}
	slog.Info("render finished", "output", opts.Output, "frames", res.Frames, "elapsed", time.Since(start).Round(time.Millisecond))
	return res, nil
}

func failed(eng *engine.Engine, frame int) error {
	for _, st := range eng.Snapshot() {
		if st.Err != nil {
			return &engine.LayerError{Layer: st.ID, Frame: frame, Err: st.Err}
		}
	}
	return nil
}

// ScaleEnvelopes returns a copy of layers with every envelope stretched by
// ratio, so a take keeps its timing at another frame rate.
func ScaleEnvelopes(layers []show.Layer, ratio float64) []show.Layer {
	out := make([]show.Layer, len(layers))
	for i, l := range layers {
		l.Envelope = l.Envelope.Scale(ratio)
		out[i] = l
	}
	return out
}

// SourceOpener opens each layer as an ffmpeg decode process configured from
// base. Path and InputFormat come from the layer.
func SourceOpener(ctx context.Context, base ffmpeg.ReaderConfig) compositor.Opener {
	return func(l show.Layer) (compositor.Source, error) {
		cfg := base
		cfg.Path = l.Source
		cfg.InputFormat = l.InputFormat
		return ffmpeg.OpenReader(ctx, cfg)
	}
}
