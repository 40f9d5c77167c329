// Package envelope implements the per-layer attack/decay/sustain/release
// amplitude curve. All ramps are linear in frame-count space and every level
// is clamped to [0, 1].
package envelope

import "fmt"

type Phase int

const (
	Idle Phase = iota
	Attack
	Decay
	Sustain
	Release
)

var phaseNames = [...]string{"idle", "attack", "decay", "sustain", "release"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Preset holds phase lengths in frames and the sustain level in [0, 1].
// A phase of one frame or less is an immediate transition.
type Preset struct {
	Attack  int     `json:"attack" yaml:"attack"`
	Decay   int     `json:"decay" yaml:"decay"`
	Sustain float64 `json:"sustain" yaml:"sustain"`
	Release int     `json:"release" yaml:"release"`
	Loop    bool    `json:"loop,omitempty" yaml:"loop,omitempty"`
}

// Gate is a hard on/off curve.
var Gate = Preset{Sustain: 1}

func (p Preset) Validate() error {
	if p.Attack < 0 || p.Decay < 0 || p.Release < 0 {
		return fmt.Errorf("envelope: negative phase length (attack %d, decay %d, release %d)", p.Attack, p.Decay, p.Release)
	}
	if p.Sustain < 0 || p.Sustain > 1 {
		return fmt.Errorf("envelope: sustain %v outside [0,1]", p.Sustain)
	}
	return nil
}

// Scale multiplies every phase length by ratio, rounding to whole frames. It
// keeps an envelope's wall-clock shape when the frame rate changes.
func (p Preset) Scale(ratio float64) Preset {
	scale := func(n int) int {
		if n <= 0 || ratio <= 0 {
			return n
		}
		v := int(float64(n)*ratio + 0.5)
		if v < 1 {
			v = 1
		}
		return v
	}
	p.Attack = scale(p.Attack)
	p.Decay = scale(p.Decay)
	p.Release = scale(p.Release)
	return p
}

// State is one layer's envelope instance. The zero value is idle.
type State struct {
	Phase     Phase
	Level     float64
	Age       int
	Triggered bool

	from float64
}

func (s *State) Reset() {
	*s = State{}
}

// On moves idle or releasing envelopes into attack, starting from the
// current level. It is a no-op in attack, decay and sustain.
func (s *State) On(p Preset) {
	s.Triggered = true
	if s.Phase != Idle && s.Phase != Release {
		return
	}
	s.enter(Attack, s.Level)
	if p.Attack <= 1 {
		s.Level = 1
		s.peak(p)
	}
}

// Off moves attack, decay and sustain into release.
func (s *State) Off(p Preset) {
	s.Triggered = false
	switch s.Phase {
	case Attack, Decay, Sustain:
		s.release(p)
	}
}

// Advance steps the envelope by one frame and returns the new level.
func (s *State) Advance(p Preset) float64 {
	switch s.Phase {
	case Idle:
		s.Level = 0
	case Attack:
		s.Age++
		if p.Attack <= 1 {
			s.Level = 1
		} else {
			s.Level = clamp01(s.from + float64(s.Age)/float64(p.Attack))
		}
		if s.Level >= 1 {
			s.Level = 1
			s.peak(p)
		}
	case Decay:
		s.Age++
		sustain := clamp01(p.Sustain)
		if s.Age >= p.Decay {
			s.Level = sustain
			s.settle(p)
		} else {
			s.Level = clamp01(1 - (1-sustain)*float64(s.Age)/float64(p.Decay))
		}
	case Sustain:
		s.Age++
		s.Level = clamp01(p.Sustain)
	case Release:
		s.Age++
		if s.Age >= p.Release {
			s.finishRelease(p)
		} else {
			s.Level = clamp01(s.from * (1 - float64(s.Age)/float64(p.Release)))
		}
	}
	return s.Level
}

func (s *State) enter(ph Phase, level float64) {
	s.Phase = ph
	s.Age = 0
	s.from = level
	s.Level = level
}

func (s *State) idle() {
	s.Phase = Idle
	s.Age = 0
	s.from = 0
	s.Level = 0
}

func (s *State) peak(p Preset) {
	if p.Decay > 1 {
		s.enter(Decay, 1)
		return
	}
	s.Level = clamp01(p.Sustain)
	s.settle(p)
}

// settle runs when the decay ramp lands on the sustain level. Loop presets
// have no sustain and fall straight into release.
func (s *State) settle(p Preset) {
	switch {
	case p.Loop:
		s.release(p)
	case s.Level <= 0:
		s.idle()
	default:
		s.enter(Sustain, s.Level)
	}
}

func (s *State) release(p Preset) {
	if s.Level <= 0 || p.Release <= 1 {
		s.finishRelease(p)
		return
	}
	s.enter(Release, s.Level)
}

func (s *State) finishRelease(p Preset) {
	if p.Loop && s.Triggered {
		s.enter(Attack, 0)
		return
	}
	s.idle()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
