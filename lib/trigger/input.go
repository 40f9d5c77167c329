package trigger

import (
	"fmt"
	"strings"
)

// Input is a raw control event from any device, before trigger-mode
// resolution.
type Input interface {
	String() string
}

type Mod uint8

const (
	Ctrl Mod = 1 << iota
	Shift
	Alt
)

func (m Mod) String() string {
	var parts []string
	if m&Ctrl != 0 {
		parts = append(parts, "Ctrl")
	}
	if m&Shift != 0 {
		parts = append(parts, "Shift")
	}
	if m&Alt != 0 {
		parts = append(parts, "Alt")
	}
	return strings.Join(parts, "+")
}

type KeyInput struct {
	Key     string
	Mods    Mod
	Pressed bool
}

func (e KeyInput) String() string {
	action := "up"
	if e.Pressed {
		action = "down"
	}
	if e.Mods != 0 {
		return fmt.Sprintf("Key %s+%s %s", e.Mods, e.Key, action)
	}
	return fmt.Sprintf("Key %s %s", e.Key, action)
}

// NoteInput is a MIDI note message. Velocity 0 is a release, matching
// running-status note-off.
type NoteInput struct {
	Note     uint8
	Velocity uint8
}

func (e NoteInput) String() string {
	if e.Velocity == 0 {
		return fmt.Sprintf("Note %d off", e.Note)
	}
	return fmt.Sprintf("Note %d on velocity %d", e.Note, e.Velocity)
}

type CCInput struct {
	CC    uint8
	Value uint8
}

func (e CCInput) String() string {
	return fmt.Sprintf("CC %d = %d", e.CC, e.Value)
}

// PressInput addresses a layer directly, as pads and remote clients do.
type PressInput struct {
	Layer   int
	Pressed bool
}

func (e PressInput) String() string {
	action := "released"
	if e.Pressed {
		action = "pressed"
	}
	return fmt.Sprintf("Layer %d %s", e.Layer, action)
}

type ParamInput struct {
	Layer int
	Value float64
}

func (e ParamInput) String() string {
	return fmt.Sprintf("Layer %d opacity = %.3f", e.Layer, e.Value)
}

type PanicInput struct{}

func (PanicInput) String() string { return "Panic" }

// NormalizeKey folds device key names onto the router's names: lower case,
// with "Digit1" and "Numpad1" style names reduced to "1".
func NormalizeKey(name string) string {
	k := strings.ToLower(name)
	for _, prefix := range []string{"digit", "numpad"} {
		if rest, ok := strings.CutPrefix(k, prefix); ok && len(rest) == 1 && rest[0] >= '0' && rest[0] <= '9' {
			return rest
		}
	}
	return k
}
