// Package compositor owns the layer frame sources and mixes one output frame
// per tick from them.
package compositor

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	"log/slog"

	xdraw "golang.org/x/image/draw"

	"vjrun/lib/show"
)

// MaxConsecutiveErrors is how many pulls in a row may fail before a layer is
// marked unavailable.
const MaxConsecutiveErrors = 3

// Params is the per-tick mix state of one layer.
type Params struct {
	Level   float64
	Opacity float64
}

type slot struct {
	layer       show.Layer
	src         *LoopSource
	buf         *image.NRGBA
	errs        int
	unavailable bool
	err         error
}

type Stack struct {
	slots []*slot
	out   *image.RGBA
}

// New builds a stack rendering at width x height. Sources are resampled to
// that size as they are pulled.
func New(layers []show.Layer, open Opener, width, height int) *Stack {
	s := &Stack{out: image.NewRGBA(image.Rect(0, 0, width, height))}
	for _, l := range layers {
		s.slots = append(s.slots, &slot{layer: l, src: NewLoopSource(l, open)})
	}
	return s
}

func (s *Stack) Bounds() image.Rectangle {
	return s.out.Bounds()
}

func (s *Stack) Layers() int {
	return len(s.slots)
}

// Open opens every source up front. Layers that fail are marked unavailable
// and the returned error lists all of them; the stack stays usable.
func (s *Stack) Open() error {
	var errs []error
	for _, sl := range s.slots {
		if err := sl.src.Open(); err != nil {
			s.disable(sl, err)
			errs = append(errs, fmt.Errorf("layer %d (%s): %w", sl.layer.ID, sl.layer.Label(), err))
		}
	}
	return errors.Join(errs...)
}

// Composite pulls exactly one frame from every available layer and mixes them
// in layer order over black. The returned image is reused by the next call.
func (s *Stack) Composite(params []Params) *image.RGBA {
	draw.Draw(s.out, s.out.Bounds(), image.Black, image.Point{}, draw.Src)

	for i, sl := range s.slots {
		p := Params{Opacity: 1}
		if i < len(params) {
			p = params[i]
		}
		amount := p.Level * p.Opacity
		if sl.layer.AlwaysOn {
			amount = p.Opacity
		}

		frame := s.pull(sl)
		if frame == nil {
			if sl.layer.AlwaysOn {
				fadeBlack(s.out, amount)
			}
			continue
		}
		blend(s.out, frame, sl.layer.Blend, amount)
	}
	return s.out
}

func (s *Stack) pull(sl *slot) *image.NRGBA {
	if sl.unavailable {
		return nil
	}
	img, err := sl.src.Next()
	if err != nil {
		sl.errs++
		sl.err = err
		if errors.Is(err, ErrExhausted) || sl.errs >= MaxConsecutiveErrors {
			s.disable(sl, err)
		} else if sl.errs == 1 {
			slog.Warn("layer source error", "layer", sl.layer.ID, "error", err)
		}
		return nil
	}
	if sl.errs > 0 {
		slog.Info("layer source recovered", "layer", sl.layer.ID, "errors", sl.errs)
		sl.errs = 0
		sl.err = nil
	}
	return s.fit(sl, img)
}

func (s *Stack) disable(sl *slot, err error) {
	sl.unavailable = true
	sl.err = err
	sl.src.Close()
	slog.Error("layer unavailable, compositing as transparent", "layer", sl.layer.ID, "source", sl.layer.Source, "error", err)
}

func (s *Stack) fit(sl *slot, img *image.NRGBA) *image.NRGBA {
	b := s.out.Bounds()
	if img.Bounds() == b {
		return img
	}
	if sl.buf == nil {
		sl.buf = image.NewNRGBA(b)
	}
	xdraw.BiLinear.Scale(sl.buf, b, img, img.Bounds(), xdraw.Src, nil)
	return sl.buf
}

// Err returns why layer id is unavailable, or nil.
func (s *Stack) Err(id int) error {
	if id < 0 || id >= len(s.slots) || !s.slots[id].unavailable {
		return nil
	}
	return s.slots[id].err
}

// Rewind closes every source so the next pull starts at the first frame, and
// gives unavailable layers another chance.
func (s *Stack) Rewind() {
	for _, sl := range s.slots {
		sl.src.Close()
		sl.errs = 0
		sl.err = nil
		sl.unavailable = false
	}
}

func (s *Stack) Close() error {
	var errs []error
	for _, sl := range s.slots {
		if err := sl.src.Close(); err != nil {
			errs = append(errs, fmt.Errorf("layer %d: %w", sl.layer.ID, err))
		}
	}
	return errors.Join(errs...)
}
