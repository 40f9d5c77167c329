// Package engine runs the per-frame loop: drain input, route it, record it,
// step envelopes and composite. Live performance, review and offline render
// all go through Tick.
package engine

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"maps"
	"slices"
	"time"

	"vjrun/lib/compositor"
	"vjrun/lib/envelope"
	"vjrun/lib/session"
	"vjrun/lib/show"
	"vjrun/lib/trigger"
)

var ErrUnknownLayer = errors.New("layer not in config")

// LayerError names the layer and frame a failure belongs to.
type LayerError struct {
	Layer int
	Frame int
	Err   error
}

func (e *LayerError) Error() string {
	return fmt.Sprintf("layer %d at frame %d: %v", e.Layer, e.Frame, e.Err)
}

func (e *LayerError) Unwrap() error {
	return e.Err
}

type Config struct {
	Layers []show.Layer
	Open   compositor.Opener
	Width  int
	Height int
	FPS    float64

	// Queue and Session are only used live.
	Queue      *Queue
	Session    *session.Session
	QuitWindow time.Duration
}

// Tick is the result of one frame. Image, Events and Actions are reused by
// the next call to Engine.Tick.
type Tick struct {
	Frame   int
	Image   *image.RGBA
	Events  []show.TriggerEvent
	Actions []trigger.Action
	// Final is set on the last frame of a non-looping replay.
	Final bool
}

// Engine is owned by the render loop goroutine. Other goroutines talk to it
// only through its Queue.
type Engine struct {
	layers  []show.Layer
	router  *trigger.Router
	stack   *compositor.Stack
	queue   *Queue
	session *session.Session
	fps     float64

	env     []envelope.State
	opacity []float64
	params  []compositor.Params
	frame   int

	replay      *Replay
	lastTake    *show.AutomationLog
	missing     map[int]bool
	capWarned   bool
	notice      string
	noticeWarn  bool
	inputs      []trigger.Input
	tickEvents  []show.TriggerEvent
	tickActions []trigger.Action
}

func New(cfg Config) (*Engine, error) {
	if err := show.ValidateLayers(cfg.Layers); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("engine: fps %v must be positive", cfg.FPS)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("engine: bad output size %dx%d", cfg.Width, cfg.Height)
	}
	router, err := trigger.New(cfg.Layers, cfg.QuitWindow)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	n := len(cfg.Layers)
	e := &Engine{
		layers:  cfg.Layers,
		router:  router,
		stack:   compositor.New(cfg.Layers, cfg.Open, cfg.Width, cfg.Height),
		queue:   cfg.Queue,
		session: cfg.Session,
		fps:     cfg.FPS,
		env:     make([]envelope.State, n),
		opacity: make([]float64, n),
		params:  make([]compositor.Params, n),
		missing: map[int]bool{},
	}
	e.Reset()
	return e, nil
}

// Open opens every layer source. Failed layers stay in the show as
// transparent; the error lists each of them as a LayerError.
func (e *Engine) Open() error {
	if err := e.stack.Open(); err == nil {
		return nil
	}
	var errs []error
	for _, l := range e.layers {
		if err := e.stack.Err(l.ID); err != nil {
			errs = append(errs, &LayerError{Layer: l.ID, Frame: e.frame, Err: err})
		}
	}
	e.warn(fmt.Sprintf("%d layer(s) unavailable", len(errs)))
	return errors.Join(errs...)
}

func (e *Engine) Close() error {
	return e.stack.Close()
}

func (e *Engine) Router() *trigger.Router {
	return e.router
}

func (e *Engine) Layers() []show.Layer {
	return e.layers
}

func (e *Engine) Frame() int {
	return e.frame
}

func (e *Engine) FPS() float64 {
	return e.fps
}

// Bounds is the output frame size.
func (e *Engine) Bounds() image.Rectangle {
	return e.stack.Bounds()
}

// Reset returns the show to frame 0: envelopes idle, opacities at their
// configured values, trigger state cleared and sources rewound.
func (e *Engine) Reset() {
	for i, l := range e.layers {
		e.env[i].Reset()
		e.opacity[i] = l.InitialOpacity()
	}
	e.router.Reset()
	e.stack.Rewind()
	e.frame = 0
}

// Arm starts a new take from a reset show.
func (e *Engine) Arm() error {
	if e.session == nil {
		return fmt.Errorf("engine: no session")
	}
	if e.replay != nil {
		return fmt.Errorf("%w: cannot arm during review", session.ErrState)
	}
	e.Reset()
	e.session.Arm()
	e.capWarned = false
	e.note(fmt.Sprintf("REC take %d", e.session.Generation()))
	return nil
}

// StartReplay resets the show and drives it from r until it ends. Live
// input is rejected meanwhile.
func (e *Engine) StartReplay(r *Replay) {
	e.Reset()
	e.replay = r
	e.router.SetReview(true)
	clear(e.missing)
	slog.Info("review started", "frames", r.Total(), "loop", r.Loop())
}

func (e *Engine) StopReplay() {
	if e.replay == nil {
		return
	}
	e.replay = nil
	e.router.SetReview(false)
	e.Reset()
	slog.Info("review stopped")
}

func (e *Engine) Reviewing() bool {
	return e.replay != nil
}

// Tick advances the show by one frame.
func (e *Engine) Tick() Tick {
	e.tickEvents = e.tickEvents[:0]
	e.tickActions = e.tickActions[:0]

	if e.replay != nil && e.frame >= e.replay.Total() {
		if e.replay.Loop() && e.replay.Total() > 0 {
			e.Reset()
		} else {
			e.StopReplay()
		}
	}

	if e.queue != nil {
		e.inputs = e.queue.Drain(e.inputs[:0])
		for _, in := range e.inputs {
			evs, act := e.router.Route(e.frame, in)
			for _, ev := range evs {
				e.apply(ev)
				e.record(ev)
			}
			if act != trigger.None {
				e.tickActions = append(e.tickActions, act)
				e.handle(act)
			}
		}
	}

	if e.replay != nil {
		for _, ev := range e.replay.Events(e.frame) {
			e.router.Apply(ev)
			e.apply(ev)
		}
	}

	for i, l := range e.layers {
		level := e.env[i].Level
		if l.AlwaysOn {
			level = 1
		}
		e.params[i] = compositor.Params{Level: level, Opacity: e.opacity[i]}
	}
	img := e.stack.Composite(e.params)

	t := Tick{
		Frame:   e.frame,
		Image:   img,
		Events:  e.tickEvents,
		Actions: e.tickActions,
		Final:   e.replay != nil && !e.replay.Loop() && e.frame == e.replay.Total()-1,
	}

	if e.session != nil {
		e.session.Tick()
	}
	for i, l := range e.layers {
		e.env[i].Advance(l.Envelope)
	}
	e.frame++
	return t
}

// Inject applies an event directly, bypassing the router, as replay does.
func (e *Engine) Inject(ev show.TriggerEvent) {
	ev.FrameIndex = e.frame
	e.router.Apply(ev)
	e.apply(ev)
}

func (e *Engine) apply(ev show.TriggerEvent) {
	if ev.LayerID < 0 || ev.LayerID >= len(e.layers) {
		if !e.missing[ev.LayerID] {
			e.missing[ev.LayerID] = true
			err := &LayerError{Layer: ev.LayerID, Frame: e.frame, Err: ErrUnknownLayer}
			slog.Error("event for unknown layer, skipping it", "error", err)
			e.warn(err.Error())
		}
		return
	}
	e.tickEvents = append(e.tickEvents, ev)
	l := e.layers[ev.LayerID]
	switch ev.Kind {
	case show.On:
		if !l.AlwaysOn {
			e.env[ev.LayerID].On(l.Envelope)
		}
	case show.Off:
		if !l.AlwaysOn {
			e.env[ev.LayerID].Off(l.Envelope)
		}
	case show.ParamSet:
		e.opacity[ev.LayerID] = max(0, min(1, ev.Value))
	}
}

// Missing lists layer ids referenced by replayed events but absent from the
// layer config.
func (e *Engine) Missing() []int {
	return slices.Sorted(maps.Keys(e.missing))
}

func (e *Engine) record(ev show.TriggerEvent) {
	if e.session == nil || !e.session.Recording() {
		return
	}
	if err := e.session.Record(ev); err != nil && !e.capWarned {
		e.capWarned = true
		e.warn(fmt.Sprintf("recording stopped: %v", err))
	}
}

func (e *Engine) handle(act trigger.Action) {
	var err error
	switch act {
	case trigger.Arm:
		err = e.Arm()
	case trigger.Disarm:
		err = e.disarm()
	case trigger.Save:
		err = e.save()
	case trigger.Discard:
		err = e.discard()
	case trigger.Review:
		err = e.toggleReview()
	case trigger.QuitPending:
		e.note("press Esc again to quit")
	}
	if err != nil {
		slog.Warn("session control failed", "action", act.String(), "error", err)
		e.warn(err.Error())
	}
}

func (e *Engine) disarm() error {
	if e.session == nil {
		return fmt.Errorf("engine: no session")
	}
	// The current frame belongs to the take: inputs drained before the
	// disarm key were recorded on it.
	e.session.Tick()
	if err := e.session.Disarm(); err != nil {
		return err
	}
	l, err := e.session.Log()
	if err != nil {
		return err
	}
	e.lastTake = l
	e.note(fmt.Sprintf("take %d: %d events, F5 save, F8 discard, F9 review", l.Generation, len(l.Events)))
	return nil
}

func (e *Engine) save() error {
	if e.session == nil {
		return fmt.Errorf("engine: no session")
	}
	path, err := e.session.Save("")
	if err != nil {
		return err
	}
	e.note("saved " + path)
	return nil
}

func (e *Engine) discard() error {
	if e.session == nil {
		return fmt.Errorf("engine: no session")
	}
	if err := e.session.Discard(); err != nil {
		return err
	}
	e.lastTake = nil
	e.note("take discarded")
	return nil
}

func (e *Engine) toggleReview() error {
	if e.replay != nil {
		e.StopReplay()
		e.note("review stopped")
		return nil
	}
	if e.session != nil && e.session.Recording() {
		return fmt.Errorf("%w: cannot review while recording, disarm first", session.ErrState)
	}
	if e.lastTake == nil {
		return fmt.Errorf("%w: no disarmed take to review", session.ErrState)
	}
	e.StartReplay(NewReplay(e.lastTake, e.fps, 0, false))
	e.note(fmt.Sprintf("reviewing take %d", e.lastTake.Generation))
	return nil
}

func (e *Engine) note(msg string) {
	e.notice = msg
	e.noticeWarn = false
}

func (e *Engine) warn(msg string) {
	e.notice = msg
	e.noticeWarn = true
}
