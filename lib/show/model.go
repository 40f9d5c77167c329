package show

import (
	"fmt"

	"vjrun/lib/envelope"
)

const MaxLayers = 8

type TriggerMode string

const (
	Toggle    TriggerMode = "toggle"
	Gate      TriggerMode = "gate"
	Hold      TriggerMode = "hold"
	Retrigger TriggerMode = "retrigger"
)

type BlendMode string

const (
	Normal     BlendMode = "normal"
	Multiply   BlendMode = "multiply"
	Screen     BlendMode = "screen"
	Add        BlendMode = "add"
	Lighten    BlendMode = "lighten"
	Darken     BlendMode = "darken"
	Difference BlendMode = "difference"
)

type Layer struct {
	ID          int             `json:"id" yaml:"id"`
	Name        string          `json:"name,omitempty" yaml:"name,omitempty"`
	Source      string          `json:"source" yaml:"source"`
	InputFormat string          `json:"input_format,omitempty" yaml:"input_format,omitempty"`
	AlwaysOn    bool            `json:"always_on,omitempty" yaml:"always_on,omitempty"`
	Mode        TriggerMode     `json:"trigger_mode" yaml:"trigger_mode"`
	Envelope    envelope.Preset `json:"envelope" yaml:"envelope"`
	Blend       BlendMode       `json:"blend_mode" yaml:"blend_mode"`
	ChokeGroup  string          `json:"choke_group,omitempty" yaml:"choke_group,omitempty"`
	Opacity     *float64        `json:"opacity,omitempty" yaml:"opacity,omitempty"`
	Key         string          `json:"key,omitempty" yaml:"key,omitempty"`
	Note        *uint8          `json:"note,omitempty" yaml:"note,omitempty"`
	CC          *uint8          `json:"cc,omitempty" yaml:"cc,omitempty"`
}

func (l Layer) Label() string {
	if l.Name != "" {
		return l.Name
	}
	return fmt.Sprintf("Layer %d", l.ID+1)
}

func (l Layer) InitialOpacity() float64 {
	if l.Opacity == nil {
		return 1
	}
	return *l.Opacity
}

type EventKind string

const (
	On       EventKind = "on"
	Off      EventKind = "off"
	ParamSet EventKind = "param_set"
)

// TriggerEvent is one applied fact. Events are totally ordered by
// (FrameIndex, position in the log).
type TriggerEvent struct {
	FrameIndex int       `json:"frame_index"`
	LayerID    int       `json:"layer_id"`
	Kind       EventKind `json:"kind"`
	Value      float64   `json:"value"`
}

func (e TriggerEvent) String() string {
	if e.Kind == ParamSet {
		return fmt.Sprintf("frame %d layer %d %s %.3f", e.FrameIndex, e.LayerID, e.Kind, e.Value)
	}
	return fmt.Sprintf("frame %d layer %d %s", e.FrameIndex, e.LayerID, e.Kind)
}

func ValidateLayers(layers []Layer) error {
	if len(layers) == 0 {
		return fmt.Errorf("no layers configured")
	}
	if len(layers) > MaxLayers {
		return fmt.Errorf("%d layers configured, maximum is %d", len(layers), MaxLayers)
	}

	keys := map[string]int{}
	notes := map[uint8]int{}
	ccs := map[uint8]int{}
	for i, l := range layers {
		if l.ID != i {
			return fmt.Errorf("layer at position %d has id %d, ids must be 0..%d in order", i, l.ID, len(layers)-1)
		}
		if l.Source == "" {
			return fmt.Errorf("layer %d has no source", l.ID)
		}
		switch l.Mode {
		case Toggle, Gate, Hold, Retrigger:
		default:
			return fmt.Errorf("layer %d has unknown trigger mode %q", l.ID, l.Mode)
		}
		switch l.Blend {
		case Normal, Multiply, Screen, Add, Lighten, Darken, Difference:
		default:
			return fmt.Errorf("layer %d has unknown blend mode %q", l.ID, l.Blend)
		}
		if err := l.Envelope.Validate(); err != nil {
			return fmt.Errorf("layer %d: %w", l.ID, err)
		}
		if o := l.InitialOpacity(); o < 0 || o > 1 {
			return fmt.Errorf("layer %d opacity %v outside [0,1]", l.ID, o)
		}
		if l.Key != "" {
			if prev, ok := keys[l.Key]; ok {
				return fmt.Errorf("key %q bound to layers %d and %d", l.Key, prev, l.ID)
			}
			keys[l.Key] = l.ID
		}
		if l.Note != nil {
			if prev, ok := notes[*l.Note]; ok {
				return fmt.Errorf("note %d bound to layers %d and %d", *l.Note, prev, l.ID)
			}
			notes[*l.Note] = l.ID
		}
		if l.CC != nil {
			if prev, ok := ccs[*l.CC]; ok {
				return fmt.Errorf("cc %d bound to layers %d and %d", *l.CC, prev, l.ID)
			}
			ccs[*l.CC] = l.ID
		}
	}
	return nil
}

// DefaultLayers builds a layer set from bare video paths: the first source is
// the always-on base, the rest are gate-triggered overlays.
func DefaultLayers(sources []string) []Layer {
	layers := make([]Layer, 0, len(sources))
	for i, src := range sources {
		l := Layer{
			ID:       i,
			Source:   src,
			Mode:     Gate,
			Envelope: envelope.Preset{Attack: 3, Decay: 0, Sustain: 1, Release: 6},
			Blend:    Normal,
		}
		if i == 0 {
			l.AlwaysOn = true
			l.Envelope = envelope.Gate
		}
		layers = append(layers, l)
	}
	return layers
}
