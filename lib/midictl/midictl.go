// Package midictl turns MIDI controller messages into trigger inputs and
// drives controller feedback (LEDs, motor faders, scribble strips).
package midictl

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"

	"vjrun/lib/trigger"
)

// X-Touch controller numbers used for feedback. Fader moves arrive as CCs
// in the same range, so a layer with cc: 70 follows strip 0's fader.
const (
	DeviceIDXTouch   = 0x14
	DeviceIDExtender = 0x15

	CCFaderFirst = 70
	CCFaderLast  = 77
	Strips       = 8
)

// Decoder maps note and CC messages to trigger inputs. Channel filters
// messages to one MIDI channel; -1 accepts all.
type Decoder struct {
	Channel int
}

func NewDecoder(channel int) *Decoder {
	return &Decoder{Channel: channel}
}

// Decode returns nil for messages that are not note or CC, or that are on
// another channel.
func (d *Decoder) Decode(msg midi.Message) trigger.Input {
	var channel, key, velocity, controller, value uint8
	switch {
	case msg.GetNoteStart(&channel, &key, &velocity):
		if !d.accept(channel) {
			return nil
		}
		return trigger.NoteInput{Note: key, Velocity: velocity}
	case msg.GetNoteEnd(&channel, &key):
		if !d.accept(channel) {
			return nil
		}
		return trigger.NoteInput{Note: key}
	case msg.GetControlChange(&channel, &controller, &value):
		if !d.accept(channel) {
			return nil
		}
		return trigger.CCInput{CC: controller, Value: value}
	}
	return nil
}

func (d *Decoder) accept(channel uint8) bool {
	return d.Channel < 0 || int(channel) == d.Channel
}

func FindInPort(substr string) (drivers.In, error) {
	lower := strings.ToLower(substr)
	for _, port := range midi.GetInPorts() {
		if strings.Contains(strings.ToLower(port.String()), lower) {
			return port, nil
		}
	}
	return nil, fmt.Errorf("midi: no input port matching %q", substr)
}

func FindOutPort(substr string) (drivers.Out, error) {
	lower := strings.ToLower(substr)
	for _, port := range midi.GetOutPorts() {
		if strings.Contains(strings.ToLower(port.String()), lower) {
			return port, nil
		}
	}
	return nil, fmt.Errorf("midi: no output port matching %q", substr)
}

func ListPorts(w io.Writer) {
	fmt.Fprintln(w, "MIDI input ports:")
	for _, p := range midi.GetInPorts() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	fmt.Fprintln(w, "MIDI output ports:")
	for _, p := range midi.GetOutPorts() {
		fmt.Fprintf(w, "  %s\n", p)
	}
}

// Listen feeds decoded input from port to push until stop is called. push
// runs on the driver's callback goroutine and must not block.
func Listen(port drivers.In, dec *Decoder, push func(trigger.Input) bool) (stop func(), err error) {
	stop, err = midi.ListenTo(port, func(msg midi.Message, timestampms int32) {
		if in := dec.Decode(msg); in != nil {
			push(in)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("midi: listen on %s: %w", port, err)
	}
	slog.Info("listening for MIDI", "port", port.String(), "channel", dec.Channel)
	return stop, nil
}

// Describe formats an input with the layer config field that would bind it.
func Describe(in trigger.Input) string {
	switch e := in.(type) {
	case trigger.NoteInput:
		if e.Velocity == 0 {
			return fmt.Sprintf("note %d off", e.Note)
		}
		return fmt.Sprintf("note %d on velocity %d    note: %d", e.Note, e.Velocity, e.Note)
	case trigger.CCInput:
		return fmt.Sprintf("cc %d = %d    cc: %d", e.CC, e.Value, e.CC)
	}
	return in.String()
}

// Learn prints every decoded message from port to w until stop is called.
func Learn(w io.Writer, port drivers.In, dec *Decoder) (stop func(), err error) {
	fmt.Fprintf(w, "Listening on: %s\n", port)
	return Listen(port, dec, func(in trigger.Input) bool {
		fmt.Fprintln(w, Describe(in))
		return true
	})
}
