package compositor

import (
	"errors"
	"fmt"
	"image"
	"io"

	"vjrun/lib/show"
)

// ErrExhausted means a source ended without producing a frame, so it cannot
// loop.
var ErrExhausted = errors.New("source exhausted")

// Source produces decoded frames. The returned image is only valid until the
// next call to Next.
type Source interface {
	Next() (*image.NRGBA, error)
	Close() error
}

type Opener func(l show.Layer) (Source, error)

// LoopSource restarts its underlying source at end of stream. The previous
// instance is closed before the next one is opened.
type LoopSource struct {
	layer show.Layer
	open  Opener
	cur   Source
	got   int
	Loops int
}

func NewLoopSource(l show.Layer, open Opener) *LoopSource {
	return &LoopSource{layer: l, open: open}
}

// Open opens the underlying source if it is not already open.
func (s *LoopSource) Open() error {
	if s.cur != nil {
		return nil
	}
	src, err := s.open(s.layer)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.layer.Source, err)
	}
	s.cur = src
	s.got = 0
	return nil
}

func (s *LoopSource) Next() (*image.NRGBA, error) {
	for {
		if err := s.Open(); err != nil {
			return nil, err
		}

		img, err := s.cur.Next()
		if err == nil {
			s.got++
			return img, nil
		}

		got := s.got
		s.Close()
		if !errors.Is(err, io.EOF) {
			return nil, err
		}
		if got == 0 {
			return nil, ErrExhausted
		}
		s.Loops++
	}
}

// Close releases the current instance. The next call to Next starts over
// from the first frame.
func (s *LoopSource) Close() error {
	if s.cur == nil {
		return nil
	}
	err := s.cur.Close()
	s.cur = nil
	s.got = 0
	return err
}
