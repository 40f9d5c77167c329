package midictl

import (
	"bytes"
	"errors"
	"testing"

	"gitlab.com/gomidi/midi/v2"

	"vjrun/lib/engine"
	"vjrun/lib/envelope"
	"vjrun/lib/show"
	"vjrun/lib/trigger"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		msg  midi.Message
		want trigger.Input
	}{
		{"note on", midi.NoteOn(0, 36, 100), trigger.NoteInput{Note: 36, Velocity: 100}},
		{"note off", midi.NoteOff(0, 36), trigger.NoteInput{Note: 36}},
		{"note on zero velocity", midi.NoteOn(0, 40, 0), trigger.NoteInput{Note: 40}},
		{"cc", midi.ControlChange(0, 70, 64), trigger.CCInput{CC: 70, Value: 64}},
		{"pitch bend", midi.Pitchbend(0, 100), nil},
	}
	dec := NewDecoder(-1)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := dec.Decode(tt.msg); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecodeChannelFilter(t *testing.T) {
	dec := NewDecoder(2)
	if got := dec.Decode(midi.NoteOn(1, 36, 100)); got != nil {
		t.Errorf("got %v from channel 1, want nil", got)
	}
	if got := dec.Decode(midi.NoteOn(2, 36, 100)); got == nil {
		t.Error("channel 2 message dropped")
	}
	if got := dec.Decode(midi.ControlChange(3, 7, 1)); got != nil {
		t.Errorf("got %v from channel 3, want nil", got)
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		in   trigger.Input
		want string
	}{
		{trigger.NoteInput{Note: 36, Velocity: 90}, "note 36 on velocity 90    note: 36"},
		{trigger.NoteInput{Note: 36}, "note 36 off"},
		{trigger.CCInput{CC: 71, Value: 5}, "cc 71 = 5    cc: 71"},
	}
	for _, tt := range tests {
		if got := Describe(tt.in); got != tt.want {
			t.Errorf("got %q, want %q", got, tt.want)
		}
	}
}

func TestPadOrTruncate(t *testing.T) {
	if got := padOrTruncate("ab", 7); got != "ab     " {
		t.Errorf("got %q", got)
	}
	if got := padOrTruncate("strobe-left", 7); got != "strobe-" {
		t.Errorf("got %q", got)
	}
}

type recorder struct {
	msgs []midi.Message
	err  error
}

func (r *recorder) send(msg midi.Message) error {
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func newFeedback(t *testing.T, notes map[int]uint8) (*Feedback, *recorder) {
	t.Helper()
	rec := &recorder{}
	out := &Output{send: rec.send, DeviceID: DeviceIDExtender}
	return NewFeedback(out, notes), rec
}

func status() []engine.LayerStatus {
	return []engine.LayerStatus{
		{ID: 0, Label: "base", AlwaysOn: true, Opacity: 1},
		{ID: 1, Label: "strobe", Opacity: 0.5},
	}
}

func TestFeedbackSendsOnlyChanges(t *testing.T) {
	f, rec := newFeedback(t, map[int]uint8{1: 36})

	st := status()
	if err := f.Apply(st); err != nil {
		t.Fatal(err)
	}
	// LED for layer 1, fader and LCD for both strips.
	if len(rec.msgs) != 5 {
		t.Fatalf("got %d messages on first apply, want 5", len(rec.msgs))
	}

	rec.msgs = nil
	if err := f.Apply(st); err != nil {
		t.Fatal(err)
	}
	if len(rec.msgs) != 0 {
		t.Errorf("got %d messages for an unchanged state, want 0", len(rec.msgs))
	}

	st[1].Triggered = true
	st[1].Phase = envelope.Attack
	if err := f.Apply(st); err != nil {
		t.Fatal(err)
	}
	if len(rec.msgs) != 2 {
		t.Fatalf("got %d messages, want LED and LCD", len(rec.msgs))
	}
	var ch, key, vel uint8
	if !rec.msgs[0].GetNoteOn(&ch, &key, &vel) || key != 36 || vel != uint8(LEDOn) {
		t.Errorf("got %v, want LED 36 on", rec.msgs[0])
	}

	rec.msgs = nil
	st[1].Opacity = 1
	if err := f.Apply(st); err != nil {
		t.Fatal(err)
	}
	var cc, val uint8
	if len(rec.msgs) != 1 || !rec.msgs[0].GetControlChange(&ch, &cc, &val) || cc != CCFaderFirst+1 || val != 127 {
		t.Errorf("got %v, want fader 1 at 127", rec.msgs)
	}
}

func TestFeedbackLCD(t *testing.T) {
	f, rec := newFeedback(t, nil)
	st := status()[1:]
	st[0].Phase = envelope.Release
	if err := f.Apply(st); err != nil {
		t.Fatal(err)
	}
	var sysex []byte
	for _, m := range rec.msgs {
		var data []byte
		if m.GetSysEx(&data) {
			sysex = data
		}
	}
	want := append([]byte{0x00, 0x20, 0x32, DeviceIDExtender, 0x4C, 1, byte(ColorYellow)}, "strobe release"...)
	if !bytes.Equal(sysex, want) {
		t.Errorf("got % x, want % x", sysex, want)
	}
}

func TestFeedbackError(t *testing.T) {
	f, rec := newFeedback(t, nil)
	rec.err = errors.New("port gone")
	if err := f.Apply(status()); err == nil {
		t.Fatal("send error not returned")
	}
}

func TestFeedbackUpdateKeepsLatest(t *testing.T) {
	f, _ := newFeedback(t, nil)
	first, second := status(), status()
	second[1].Opacity = 0
	f.Update(first)
	f.Update(second)
	got := <-f.latest
	if got[1].Opacity != 0 {
		t.Error("older snapshot kept")
	}
}

func TestLayerNotes(t *testing.T) {
	n := uint8(48)
	got := LayerNotes([]show.Layer{{ID: 0}, {ID: 1, Note: &n}})
	if len(got) != 1 || got[1] != 48 {
		t.Errorf("got %v, want map[1:48]", got)
	}
}
