package midictl

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"

	"vjrun/lib/engine"
	"vjrun/lib/envelope"
	"vjrun/lib/show"
)

type LCDColor uint8

const (
	ColorBlack   LCDColor = 0
	ColorRed     LCDColor = 1
	ColorGreen   LCDColor = 2
	ColorYellow  LCDColor = 3
	ColorBlue    LCDColor = 4
	ColorMagenta LCDColor = 5
	ColorCyan    LCDColor = 6
	ColorWhite   LCDColor = 7
)

type LEDState uint8

const (
	LEDOff   LEDState = 0
	LEDFlash LEDState = 64
	LEDOn    LEDState = 127
)

// Output sends feedback to an X-Touch style surface.
type Output struct {
	send     func(msg midi.Message) error
	DeviceID uint8
}

func NewOutput(port drivers.Out, deviceID uint8) (*Output, error) {
	send, err := midi.SendTo(port)
	if err != nil {
		return nil, fmt.Errorf("midi: open output port: %w", err)
	}
	return &Output{send: send, DeviceID: deviceID}, nil
}

func (o *Output) SetFader(strip uint8, value uint8) error {
	return o.send(midi.ControlChange(0, CCFaderFirst+strip, value))
}

func (o *Output) SetButtonLED(note uint8, state LEDState) error {
	return o.send(midi.NoteOn(0, note, uint8(state)))
}

func (o *Output) SetLCD(strip uint8, color LCDColor, invertLower bool, upper, lower string) error {
	cc := uint8(color)
	if invertLower {
		cc |= 0x20
	}
	data := []byte{0x00, 0x20, 0x32, o.DeviceID, 0x4C, strip, cc}
	data = append(data, padOrTruncate(upper, 7)...)
	data = append(data, padOrTruncate(lower, 7)...)
	return o.send(midi.SysEx(data))
}

func padOrTruncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s + strings.Repeat(" ", n-len(s))
}

type stripState struct {
	fader  uint8
	color  LCDColor
	invert bool
	upper  string
	lower  string
	sent   bool
}

// Feedback mirrors layer state onto an Output: the layer's note LED shows
// whether it is triggered, strip i's fader follows layer i's opacity and its
// scribble strip shows the name and phase. Only changes are sent.
type Feedback struct {
	out    *Output
	notes  map[int]uint8
	latest chan []engine.LayerStatus
	strips [Strips]stripState
	leds   map[uint8]LEDState
}

// NewFeedback binds LEDs to the note each layer is triggered by.
func NewFeedback(out *Output, notes map[int]uint8) *Feedback {
	return &Feedback{
		out:    out,
		notes:  notes,
		latest: make(chan []engine.LayerStatus, 1),
		leds:   map[uint8]LEDState{},
	}
}

// LayerNotes returns the trigger note of every layer that has one.
func LayerNotes(layers []show.Layer) map[int]uint8 {
	notes := map[int]uint8{}
	for _, l := range layers {
		if l.Note != nil {
			notes[l.ID] = *l.Note
		}
	}
	return notes
}

// Update hands a snapshot to Run without blocking. An unsent older
// snapshot is replaced.
func (f *Feedback) Update(st []engine.LayerStatus) {
	select {
	case <-f.latest:
	default:
	}
	select {
	case f.latest <- st:
	default:
	}
}

// Run sends feedback until ctx is done.
func (f *Feedback) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-f.latest:
			if err := f.Apply(st); err != nil {
				slog.Warn("MIDI feedback failed", "error", err)
			}
		}
	}
}

// Apply sends whatever changed since the previous call.
func (f *Feedback) Apply(st []engine.LayerStatus) error {
	for _, s := range st {
		if note, ok := f.notes[s.ID]; ok {
			led := ledFor(s)
			if prev, seen := f.leds[note]; !seen || prev != led {
				if err := f.out.SetButtonLED(note, led); err != nil {
					return err
				}
				f.leds[note] = led
			}
		}
		if s.ID < 0 || s.ID >= Strips {
			continue
		}
		if err := f.strip(uint8(s.ID), s); err != nil {
			return err
		}
	}
	return nil
}

func (f *Feedback) strip(i uint8, s engine.LayerStatus) error {
	cur := &f.strips[i]
	fader := uint8(math.Round(s.Opacity * 127))
	if !cur.sent || cur.fader != fader {
		if err := f.out.SetFader(i, fader); err != nil {
			return err
		}
		cur.fader = fader
	}

	color, lower := colorFor(s), s.Phase.String()
	if s.Err != nil {
		lower = "offline"
	}
	if !cur.sent || cur.color != color || cur.invert != s.Triggered || cur.upper != s.Label || cur.lower != lower {
		if err := f.out.SetLCD(i, color, s.Triggered, s.Label, lower); err != nil {
			return err
		}
		cur.color, cur.invert, cur.upper, cur.lower = color, s.Triggered, s.Label, lower
	}
	cur.sent = true
	return nil
}

func ledFor(s engine.LayerStatus) LEDState {
	switch {
	case s.Triggered:
		return LEDOn
	case s.Phase == envelope.Release:
		return LEDFlash
	}
	return LEDOff
}

func colorFor(s engine.LayerStatus) LCDColor {
	switch {
	case s.Err != nil:
		return ColorRed
	case s.AlwaysOn:
		return ColorBlue
	case s.Phase == envelope.Release:
		return ColorYellow
	case s.Active():
		return ColorGreen
	}
	return ColorWhite
}
