package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gitlab.com/gomidi/midi/v2"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"vjrun/lib/config"
	"vjrun/lib/show"
)

type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

type options struct {
	videos      stringList
	layersFile  string
	layersCount int
	fps         float64
	width       int
	height      int

	midiPort     string
	midiChannel  int
	midiList     bool
	midiLearn    bool
	feedbackPort string

	deck    bool
	oscAddr string
	scale   float64
	hud     bool

	review     string
	reviewLoop bool

	render     bool
	automation string
	output     string
	audio      string
	duration   float64
}

func parseFlags(fs *flag.FlagSet, args []string) (*options, error) {
	o := &options{}
	fs.Var(&o.videos, "video", "layer source video or device; repeat for more layers")
	fs.StringVar(&o.layersFile, "layers", "", "layer config file (yaml or json)")
	fs.IntVar(&o.layersCount, "layers-count", 0, "number of layers to build from --video, cycling the sources (0 = one per video)")
	fs.Float64Var(&o.fps, "fps", 0, "frame rate (default 30 live, the log's rate otherwise)")
	fs.IntVar(&o.width, "width", 0, "output width (default: probed from the base layer or taken from the log)")
	fs.IntVar(&o.height, "height", 0, "output height")

	fs.StringVar(&o.midiPort, "midi", "", "MIDI input port, matched by substring")
	fs.IntVar(&o.midiChannel, "midi-channel", -1, "MIDI channel to accept, 0-15 (-1 = all)")
	fs.BoolVar(&o.midiList, "midi-list", false, "list MIDI ports and exit")
	fs.BoolVar(&o.midiLearn, "midi-learn", false, "print decoded MIDI input for building a layer mapping")
	fs.StringVar(&o.feedbackPort, "midi-feedback", "", "X-Touch output port for layer feedback, matched by substring")

	fs.BoolVar(&o.deck, "deck", false, "use the first Stream Deck as a trigger pad")
	fs.StringVar(&o.oscAddr, "osc", "", "listen for OSC remote input on this TCP address")
	fs.Float64Var(&o.scale, "scale", 1, "preview window scale")
	fs.BoolVar(&o.hud, "hud", true, "show the HUD overlay (toggle with F12)")

	fs.StringVar(&o.review, "review", "", "replay an automation log in the preview window")
	fs.BoolVar(&o.reviewLoop, "review-loop", false, "restart review at frame 0 when it ends")

	fs.BoolVar(&o.render, "render", false, "render an automation log to a video file")
	fs.StringVar(&o.automation, "automation", "", "automation log to render")
	fs.StringVar(&o.output, "output", "", "rendered video file")
	fs.StringVar(&o.audio, "audio", "", "audio track to mux into the render (wav or mp3)")
	fs.Float64Var(&o.duration, "duration", 0, "render length in seconds (default: the log's length)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return o, o.validate()
}

func (o *options) validate() error {
	modes := 0
	for _, on := range []bool{o.render, o.review != "", o.midiLearn, o.midiList} {
		if on {
			modes++
		}
	}
	if modes > 1 {
		return errors.New("--render, --review, --midi-learn and --midi-list are mutually exclusive")
	}
	if o.render && (o.automation == "" || o.output == "") {
		return errors.New("--render needs --automation and --output")
	}
	if !o.render && (o.automation != "" || o.output != "" || o.audio != "" || o.duration != 0) {
		return errors.New("--automation, --output, --audio and --duration only apply to --render")
	}
	if o.reviewLoop && o.review == "" {
		return errors.New("--review-loop needs --review")
	}
	if o.fps < 0 || o.width < 0 || o.height < 0 || o.duration < 0 || o.layersCount < 0 {
		return errors.New("--fps, --width, --height, --duration and --layers-count must not be negative")
	}
	if (o.width == 0) != (o.height == 0) {
		return errors.New("--width and --height must be given together")
	}
	if o.midiChannel < -1 || o.midiChannel > 15 {
		return fmt.Errorf("--midi-channel %d out of range", o.midiChannel)
	}
	if o.scale <= 0 {
		return fmt.Errorf("--scale %v must be positive", o.scale)
	}
	return nil
}

// liveLayers loads --layers, or builds layers from --video.
func (o *options) liveLayers() ([]show.Layer, error) {
	if o.layersFile != "" {
		return show.LoadLayers(o.layersFile)
	}
	if len(o.videos) == 0 {
		return nil, errors.New("no layers: give --layers or at least one --video")
	}
	n := o.layersCount
	if n == 0 {
		n = len(o.videos)
	}
	sources := make([]string, n)
	for i := range sources {
		sources[i] = o.videos[i%len(o.videos)]
	}
	return show.DefaultLayers(sources), nil
}

func (o *options) renderDuration() time.Duration {
	return time.Duration(o.duration * float64(time.Second))
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	opts, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		return err
	}
	settings, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: settings.LogLevel})))

	defer midi.CloseDriver()

	switch {
	case opts.midiList:
		listPorts()
		return nil
	case opts.midiLearn:
		return learn(opts)
	case opts.render:
		return renderShow(opts, settings)
	case opts.review != "":
		return reviewShow(opts, settings)
	default:
		return perform(opts, settings)
	}
}
