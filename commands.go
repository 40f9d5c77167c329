package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gitlab.com/gomidi/midi/v2/drivers"

	"vjrun/lib/config"
	"vjrun/lib/engine"
	"vjrun/lib/ffmpeg"
	"vjrun/lib/midictl"
	"vjrun/lib/osc"
	"vjrun/lib/preview"
	"vjrun/lib/render"
	"vjrun/lib/session"
	"vjrun/lib/show"
	"vjrun/lib/streamdeck"
	"vjrun/lib/trigger"
)

const defaultFPS = 30

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sig:
			slog.Info("signal received, stopping")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sig)
	}()
	return ctx, cancel
}

func listPorts() {
	midictl.ListPorts(os.Stdout)
}

func findInPort(substr string) (drivers.In, error) {
	port, err := midictl.FindInPort(substr)
	if err != nil {
		listPorts()
		fmt.Println()
		return nil, err
	}
	return port, nil
}

func learn(opts *options) error {
	port, err := findInPort(opts.midiPort)
	if err != nil {
		return err
	}
	stop, err := midictl.Learn(os.Stdout, port, midictl.NewDecoder(opts.midiChannel))
	if err != nil {
		return err
	}
	defer stop()

	ctx, cancel := signalContext()
	defer cancel()
	<-ctx.Done()
	fmt.Println()
	return nil
}

func renderShow(opts *options, settings config.Settings) error {
	l, err := show.LoadLog(opts.automation)
	if err != nil {
		return err
	}
	var layers []show.Layer
	if opts.layersFile != "" {
		layers, err = show.LoadLayers(opts.layersFile)
	} else {
		layers, err = l.ResolveLayers(opts.automation)
	}
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	res, err := render.Render(ctx, render.Options{
		Log:          l,
		Layers:       layers,
		FPS:          opts.fps,
		Width:        opts.width,
		Height:       opts.height,
		Audio:        opts.audio,
		Duration:     opts.renderDuration(),
		Output:       opts.output,
		FFmpeg:       settings.FFmpeg,
		FFprobe:      settings.FFprobe,
		ReadTimeout:  settings.ReadTimeout,
		WriteTimeout: settings.WriteTimeout,
		CloseTimeout: settings.CloseTimeout,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Rendered %d frames at %g fps (%dx%d) to %s\n", res.Frames, res.FPS, res.Width, res.Height, opts.output)
	if len(res.Missing) > 0 {
		fmt.Printf("Unknown layers rendered as transparent: %v\n", res.Missing)
	}
	return nil
}

// outputSize returns the flag size, else the fallback size, else the
// probed size of the base layer.
func outputSize(ctx context.Context, opts *options, settings config.Settings, layers []show.Layer, fw, fh int) (int, int, error) {
	if opts.width > 0 {
		return opts.width, opts.height, nil
	}
	if fw > 0 && fh > 0 {
		return fw, fh, nil
	}
	info, err := ffmpeg.Probe(ctx, settings.FFprobe, layers[0].Source, layers[0].InputFormat)
	if err != nil {
		return 0, 0, fmt.Errorf("output size: %w (set --width and --height)", err)
	}
	return info.Width, info.Height, nil
}

func perform(opts *options, settings config.Settings) error {
	layers, err := opts.liveLayers()
	if err != nil {
		return err
	}
	fps := opts.fps
	if fps == 0 {
		fps = defaultFPS
	}

	ctx, cancel := signalContext()
	defer cancel()

	width, height, err := outputSize(ctx, opts, settings, layers, 0, 0)
	if err != nil {
		return err
	}

	sess, err := session.New(session.Config{
		Capacity:     settings.EventCap,
		FPS:          fps,
		Width:        width,
		Height:       height,
		Layers:       layers,
		Dir:          settings.TakeDir,
		NameTemplate: settings.TakeName,
	})
	if err != nil {
		return err
	}
	return play(ctx, opts, settings, playConfig{
		layers:  layers,
		fps:     fps,
		width:   width,
		height:  height,
		session: sess,
		title:   "vjrun",
	})
}

func reviewShow(opts *options, settings config.Settings) error {
	l, err := show.LoadLog(opts.review)
	if err != nil {
		return err
	}
	var layers []show.Layer
	if opts.layersFile != "" {
		layers, err = show.LoadLayers(opts.layersFile)
	} else {
		layers, err = l.ResolveLayers(opts.review)
	}
	if err != nil {
		return err
	}
	if opts.fps != 0 && opts.fps != l.FPS {
		slog.Warn("review always runs at the recorded rate", "fps", l.FPS, "requested", opts.fps)
	}

	ctx, cancel := signalContext()
	defer cancel()

	width, height, err := outputSize(ctx, opts, settings, layers, l.Width, l.Height)
	if err != nil {
		return err
	}
	return play(ctx, opts, settings, playConfig{
		layers: layers,
		fps:    l.FPS,
		width:  width,
		height: height,
		replay: engine.NewReplay(l, l.FPS, l.TotalFrames, opts.reviewLoop),
		title:  "vjrun review: " + opts.review,
	})
}

type playConfig struct {
	layers  []show.Layer
	fps     float64
	width   int
	height  int
	session *session.Session
	replay  *engine.Replay
	title   string
}

// play runs the preview window with every configured input device until
// quit, a signal, or the end of a non-looping review.
func play(ctx context.Context, opts *options, settings config.Settings, pc playConfig) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := engine.NewQueue(settings.QueueSize)
	eng, err := engine.New(engine.Config{
		Layers: pc.layers,
		Open: render.SourceOpener(ctx, ffmpeg.ReaderConfig{
			FFmpeg:       settings.FFmpeg,
			FFprobe:      settings.FFprobe,
			FPS:          pc.fps,
			ReadTimeout:  settings.ReadTimeout,
			CloseTimeout: settings.CloseTimeout,
		}),
		Width:      pc.width,
		Height:     pc.height,
		FPS:        pc.fps,
		Queue:      queue,
		Session:    pc.session,
		QuitWindow: settings.QuitWindow,
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	if pc.replay != nil {
		eng.StartReplay(pc.replay)
	}
	if err := eng.Open(); err != nil {
		var le *engine.LayerError
		for _, e := range joined(err) {
			if errors.As(e, &le) {
				slog.Warn("layer unavailable, showing it as transparent", "layer", le.Layer, "error", le.Err)
			}
		}
	}

	devs, err := openDevices(ctx, opts, pc.layers, queue.Push)
	if err != nil {
		return err
	}
	defer func() {
		cancel()
		devs.close()
	}()

	game := preview.New(eng, queue, preview.Options{
		Title: pc.title,
		Scale: opts.scale,
		HUD:   opts.hud,
		OnTick: func(t engine.Tick) {
			devs.update(eng)
			if pc.replay != nil && t.Final && !pc.replay.Loop() {
				slog.Info("review finished", "frames", t.Frame+1)
				cancel()
			}
		},
	})
	go func() {
		<-ctx.Done()
		game.Stop()
	}()

	if err := preview.Run(game); err != nil {
		return fmt.Errorf("preview: %w", err)
	}
	if n := queue.Dropped(); n > 0 {
		slog.Warn("inputs dropped on a full queue", "count", n)
	}
	if pc.session != nil && pc.session.State() == session.Disarmed && pc.session.Len() > 0 {
		slog.Warn("quit with an unsaved take", "generation", pc.session.Generation(), "events", pc.session.Len())
	}
	return nil
}

func joined(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}

// devices holds the optional hardware and network inputs of a live run.
type devices struct {
	stops []func()
	pad   *streamdeck.Pad
	fb    *midictl.Feedback
}

func (d *devices) update(eng *engine.Engine) {
	if d.pad == nil && d.fb == nil {
		return
	}
	st := eng.Snapshot()
	if d.pad != nil {
		d.pad.Update(st)
	}
	if d.fb != nil {
		d.fb.Update(st)
	}
}

func (d *devices) close() {
	for i := len(d.stops) - 1; i >= 0; i-- {
		d.stops[i]()
	}
}

func openDevices(ctx context.Context, opts *options, layers []show.Layer, push func(trigger.Input) bool) (*devices, error) {
	d := &devices{}

	if opts.midiPort != "" {
		port, err := findInPort(opts.midiPort)
		if err != nil {
			d.close()
			return nil, err
		}
		stop, err := midictl.Listen(port, midictl.NewDecoder(opts.midiChannel), push)
		if err != nil {
			d.close()
			return nil, err
		}
		d.stops = append(d.stops, stop)
	}

	if opts.feedbackPort != "" {
		port, err := midictl.FindOutPort(opts.feedbackPort)
		if err != nil {
			d.close()
			return nil, err
		}
		out, err := midictl.NewOutput(port, midictl.DeviceIDXTouch)
		if err != nil {
			d.close()
			return nil, err
		}
		d.fb = midictl.NewFeedback(out, midictl.LayerNotes(layers))
		go d.fb.Run(ctx)
	}

	if opts.deck {
		dev, err := streamdeck.Open()
		if err != nil {
			d.close()
			return nil, err
		}
		d.stops = append(d.stops, func() { dev.Close() })
		if err := dev.SetBrightness(80); err != nil {
			slog.Warn("Stream Deck brightness", "error", err)
		}
		slog.Info("Stream Deck opened", "model", dev.Model().Name, "serial", dev.SerialNumber())
		d.pad = streamdeck.NewPad(dev, layers)
		go func() {
			if err := d.pad.Run(ctx, push); err != nil && ctx.Err() == nil {
				slog.Warn("Stream Deck stopped", "error", err)
			}
		}()
	}

	if opts.oscAddr != "" {
		srv, err := osc.Listen(opts.oscAddr, push)
		if err != nil {
			d.close()
			return nil, err
		}
		d.stops = append(d.stops, func() { srv.Close() })
	}
	return d, nil
}
