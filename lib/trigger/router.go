// Package trigger turns raw key, MIDI and pad input into layer trigger
// events. It holds the per-layer trigger state and nothing else; envelopes
// belong to the engine.
package trigger

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"vjrun/lib/show"
)

type Action int

const (
	None Action = iota
	Quit
	QuitPending
	Arm
	Disarm
	Save
	Discard
	Review
)

var actionNames = [...]string{"none", "quit", "quit-pending", "arm", "disarm", "save", "discard", "review"}

func (a Action) String() string {
	if a < 0 || int(a) >= len(actionNames) {
		return fmt.Sprintf("action(%d)", int(a))
	}
	return actionNames[a]
}

// Reserved keys. They are never bound to layers.
const (
	KeyQuit    = "q"
	KeyPanic   = "backspace"
	KeyEscape  = "escape"
	KeyArm     = "f1"
	KeyDisarm  = "f2"
	KeySave    = "f5"
	KeyDiscard = "f8"
	KeyReview  = "f9"
)

const DefaultQuitWindow = time.Second

var sessionKeys = map[string]Action{
	KeyArm:     Arm,
	KeyDisarm:  Disarm,
	KeySave:    Save,
	KeyDiscard: Discard,
	KeyReview:  Review,
}

func reserved(key string) bool {
	_, ok := sessionKeys[key]
	return ok || key == KeyEscape
}

type Router struct {
	layers []show.Layer
	on     []bool

	keys  map[string]int
	notes map[uint8]int
	ccs   map[uint8]int

	quitWindow time.Duration
	lastEscape time.Time
	reviewing  bool

	// Now is the clock used for the two-step quit.
	Now func() time.Time
}

// New builds a router for a validated layer set. Layers without an explicit
// key get the digit of their position (layer 0 is "1") unless another layer
// claims it.
func New(layers []show.Layer, quitWindow time.Duration) (*Router, error) {
	if quitWindow <= 0 {
		quitWindow = DefaultQuitWindow
	}
	r := &Router{
		layers:     layers,
		on:         make([]bool, len(layers)),
		keys:       map[string]int{},
		notes:      map[uint8]int{},
		ccs:        map[uint8]int{},
		quitWindow: quitWindow,
		Now:        time.Now,
	}

	for _, l := range layers {
		if l.Key != "" {
			k := NormalizeKey(l.Key)
			if reserved(k) {
				return nil, fmt.Errorf("trigger: layer %d: key %q is reserved", l.ID, l.Key)
			}
			if prev, ok := r.keys[k]; ok {
				return nil, fmt.Errorf("trigger: layers %d and %d are both bound to key %q", prev, l.ID, k)
			}
			r.keys[k] = l.ID
		}
		if l.Note != nil {
			r.notes[*l.Note] = l.ID
		}
		if l.CC != nil {
			r.ccs[*l.CC] = l.ID
		}
	}
	for _, l := range layers {
		if l.Key != "" || l.ID > 8 {
			continue
		}
		k := strconv.Itoa(l.ID + 1)
		if _, taken := r.keys[k]; !taken {
			r.keys[k] = l.ID
		}
	}
	return r, nil
}

// KeyFor returns the key that triggers layer id, or "".
func (r *Router) KeyFor(id int) string {
	for k, v := range r.keys {
		if v == id {
			return k
		}
	}
	return ""
}

func (r *Router) Triggered(id int) bool {
	return id >= 0 && id < len(r.on) && r.on[id]
}

func (r *Router) Reset() {
	clear(r.on)
	r.lastEscape = time.Time{}
}

// SetReview makes the router reject live layer input. Quit and the review
// key keep working.
func (r *Router) SetReview(on bool) {
	r.reviewing = on
}

func (r *Router) Reviewing() bool {
	return r.reviewing
}

// Apply records the effect of an event that did not come through Route, as
// during replay. Unknown layers are ignored.
func (r *Router) Apply(ev show.TriggerEvent) {
	if ev.LayerID < 0 || ev.LayerID >= len(r.on) {
		return
	}
	switch ev.Kind {
	case show.On:
		r.on[ev.LayerID] = true
	case show.Off:
		r.on[ev.LayerID] = false
	}
}

// Route resolves one input against frame. The returned events are in apply
// order: choke offs come before the on that caused them.
func (r *Router) Route(frame int, in Input) ([]show.TriggerEvent, Action) {
	if k, ok := in.(KeyInput); ok {
		k.Key = NormalizeKey(k.Key)
		if act, handled := r.control(k); handled {
			return r.controlEvents(frame, act)
		}
		if k.Mods&Ctrl != 0 || k.Mods&Alt != 0 {
			return nil, None
		}
		in = k
	}

	if r.reviewing {
		slog.Debug("input rejected during review", "input", in.String())
		return nil, None
	}

	switch e := in.(type) {
	case KeyInput:
		id, ok := r.keys[e.Key]
		if !ok {
			return nil, None
		}
		return r.press(frame, id, e.Pressed), None
	case NoteInput:
		id, ok := r.notes[e.Note]
		if !ok {
			return nil, None
		}
		return r.press(frame, id, e.Velocity > 0), None
	case CCInput:
		id, ok := r.ccs[e.CC]
		if !ok {
			return nil, None
		}
		return []show.TriggerEvent{r.param(frame, id, float64(e.Value)/127)}, None
	case PressInput:
		if e.Layer < 0 || e.Layer >= len(r.layers) {
			return nil, None
		}
		return r.press(frame, e.Layer, e.Pressed), None
	case ParamInput:
		if e.Layer < 0 || e.Layer >= len(r.layers) {
			return nil, None
		}
		return []show.TriggerEvent{r.param(frame, e.Layer, e.Value)}, None
	case PanicInput:
		return r.Panic(frame), None
	}
	return nil, None
}

// control handles the reserved key combinations. Releases of reserved
// combinations are swallowed.
func (r *Router) control(k KeyInput) (Action, bool) {
	if !k.Pressed {
		return None, k.Key == KeyEscape || (k.Mods&Ctrl != 0 && (k.Key == KeyQuit || k.Key == KeyPanic))
	}
	switch {
	case k.Mods&Ctrl != 0 && k.Key == KeyQuit:
		return Quit, true
	case k.Mods&Ctrl != 0 && k.Key == KeyPanic:
		return panicAction, true
	case k.Key == KeyEscape:
		now := r.Now()
		if !r.lastEscape.IsZero() && now.Sub(r.lastEscape) <= r.quitWindow {
			r.lastEscape = time.Time{}
			return Quit, true
		}
		r.lastEscape = now
		return QuitPending, true
	}
	if act, ok := sessionKeys[k.Key]; ok && k.Mods == 0 {
		return act, true
	}
	return None, false
}

// panicAction is internal: it never leaves Route.
const panicAction Action = -1

func (r *Router) controlEvents(frame int, act Action) ([]show.TriggerEvent, Action) {
	switch {
	case act == panicAction:
		if r.reviewing {
			return nil, None
		}
		return r.Panic(frame), None
	case r.reviewing && act != Quit && act != QuitPending && act != Review:
		return nil, None
	}
	return nil, act
}

// Panic releases every layer regardless of mode or state. Route ignores the
// panic key and PanicInput while reviewing: review plays the log without
// live input, and the envelopes it drives are reset when review stops.
func (r *Router) Panic(frame int) []show.TriggerEvent {
	evs := make([]show.TriggerEvent, 0, len(r.layers))
	for _, l := range r.layers {
		evs = append(evs, show.TriggerEvent{FrameIndex: frame, LayerID: l.ID, Kind: show.Off})
		r.on[l.ID] = false
	}
	return evs
}

func (r *Router) press(frame, id int, pressed bool) []show.TriggerEvent {
	l := r.layers[id]
	if l.AlwaysOn {
		return nil
	}
	on := r.on[id]

	switch l.Mode {
	case show.Toggle:
		if !pressed {
			return nil
		}
		if on {
			return []show.TriggerEvent{r.off(frame, id)}
		}
		return r.trigger(frame, id, nil)
	case show.Hold:
		if pressed && !on {
			return r.trigger(frame, id, nil)
		}
	case show.Gate, show.Retrigger:
		if pressed {
			var pre []show.TriggerEvent
			if on {
				pre = append(pre, r.off(frame, id))
			}
			return r.trigger(frame, id, pre)
		}
	}
	if !pressed && on {
		return []show.TriggerEvent{r.off(frame, id)}
	}
	return nil
}

// trigger emits choke offs for the other active members of id's group, then
// pre, then the on for id.
func (r *Router) trigger(frame, id int, pre []show.TriggerEvent) []show.TriggerEvent {
	var evs []show.TriggerEvent
	if g := r.layers[id].ChokeGroup; g != "" {
		for _, other := range r.layers {
			if other.ID != id && other.ChokeGroup == g && r.on[other.ID] {
				evs = append(evs, r.off(frame, other.ID))
			}
		}
	}
	evs = append(evs, pre...)
	r.on[id] = true
	return append(evs, show.TriggerEvent{FrameIndex: frame, LayerID: id, Kind: show.On})
}

func (r *Router) off(frame, id int) show.TriggerEvent {
	r.on[id] = false
	return show.TriggerEvent{FrameIndex: frame, LayerID: id, Kind: show.Off}
}

func (r *Router) param(frame, id int, v float64) show.TriggerEvent {
	v = max(0, min(1, v))
	return show.TriggerEvent{FrameIndex: frame, LayerID: id, Kind: show.ParamSet, Value: v}
}
