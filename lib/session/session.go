// Package session records the trigger events of one take. It is owned by the
// render loop and is not safe for concurrent use.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"vjrun/lib/show"
)

var (
	ErrCapacity = errors.New("event log capacity reached")
	ErrNotArmed = errors.New("session not armed")
	ErrState    = errors.New("invalid session state")
)

const DefaultCapacity = 50000

type State int

const (
	Idle State = iota
	Armed
	Disarmed
	Saved
	Discarded
)

var stateNames = [...]string{"idle", "armed", "disarmed", "saved", "discarded"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

type Config struct {
	Capacity     int
	FPS          float64
	Width        int
	Height       int
	Layers       []show.Layer
	Dir          string
	NameTemplate string
}

type Session struct {
	cfg  Config
	name *nameTemplate

	state       State
	generation  int
	takeID      string
	armedAt     time.Time
	events      []show.TriggerEvent
	totalFrames int
	rejected    int
	savedPath   string

	Now func() time.Time
}

func New(cfg Config) (*Session, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("session: fps %v must be positive", cfg.FPS)
	}
	name, err := parseName(cfg.NameTemplate)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	return &Session{cfg: cfg, name: name, Now: time.Now}, nil
}

func (s *Session) State() State      { return s.state }
func (s *Session) Generation() int   { return s.generation }
func (s *Session) TakeID() string    { return s.takeID }
func (s *Session) Len() int          { return len(s.events) }
func (s *Session) TotalFrames() int  { return s.totalFrames }
func (s *Session) Rejected() int     { return s.rejected }
func (s *Session) Capacity() int     { return s.cfg.Capacity }
func (s *Session) SavedPath() string { return s.savedPath }
func (s *Session) Recording() bool   { return s.state == Armed }
func (s *Session) Full() bool        { return len(s.events) >= s.cfg.Capacity }

// Arm starts a new take. Any previous log is dropped, saved or not.
func (s *Session) Arm() {
	if s.state == Disarmed && len(s.events) > 0 {
		slog.Warn("arming over an unsaved take", "generation", s.generation, "events", len(s.events))
	}
	s.generation++
	s.takeID = uuid.NewString()
	s.armedAt = s.Now()
	s.events = s.events[:0]
	s.totalFrames = 0
	s.rejected = 0
	s.savedPath = ""
	s.state = Armed
	slog.Info("take armed", "generation", s.generation, "take", s.takeID)
}

// Record appends ev. At capacity the event is rejected with ErrCapacity and
// the log is left untouched; the take keeps running.
func (s *Session) Record(ev show.TriggerEvent) error {
	if s.state != Armed {
		return ErrNotArmed
	}
	if len(s.events) >= s.cfg.Capacity {
		s.rejected++
		if s.rejected == 1 {
			slog.Error("event log full, recording stopped", "generation", s.generation, "capacity", s.cfg.Capacity)
		}
		return fmt.Errorf("%w: %d events", ErrCapacity, s.cfg.Capacity)
	}
	s.events = append(s.events, ev)
	return nil
}

// Tick counts one rendered frame of the take.
func (s *Session) Tick() {
	if s.state == Armed {
		s.totalFrames++
	}
}

func (s *Session) Disarm() error {
	if s.state != Armed {
		return fmt.Errorf("%w: disarm while %s", ErrState, s.state)
	}
	s.state = Disarmed
	slog.Info("take disarmed", "generation", s.generation, "events", len(s.events), "frames", s.totalFrames)
	return nil
}

// Log returns the take as an automation log. It is available once the take
// is disarmed and until it is discarded.
func (s *Session) Log() (*show.AutomationLog, error) {
	if s.state != Disarmed && s.state != Saved {
		return nil, fmt.Errorf("%w: no take to read while %s", ErrState, s.state)
	}
	events := make([]show.TriggerEvent, len(s.events))
	copy(events, s.events)
	return &show.AutomationLog{
		FPS:         s.cfg.FPS,
		TotalFrames: s.totalFrames,
		Width:       s.cfg.Width,
		Height:      s.cfg.Height,
		LayerConfig: s.cfg.Layers,
		Events:      events,
		Generation:  s.generation,
		TakeID:      s.takeID,
		RecordedAt:  s.armedAt.UTC(),
	}, nil
}

// Save writes the disarmed take. An empty path uses the configured directory
// and name template. Save and Discard are mutually exclusive.
func (s *Session) Save(path string) (string, error) {
	if s.state != Disarmed {
		return "", fmt.Errorf("%w: save while %s", ErrState, s.state)
	}
	l, err := s.Log()
	if err != nil {
		return "", err
	}
	if path == "" {
		name, err := s.name.render(nameData{
			Generation: s.generation,
			TakeID:     s.takeID,
			Events:     len(s.events),
			Frames:     s.totalFrames,
			Time:       s.armedAt,
		})
		if err != nil {
			return "", fmt.Errorf("session: %w", err)
		}
		path = filepath.Join(s.cfg.Dir, name)
	}
	if err := l.Save(path); err != nil {
		return "", fmt.Errorf("session: save: %w", err)
	}
	s.state = Saved
	s.savedPath = path
	slog.Info("take saved", "generation", s.generation, "path", path, "events", len(l.Events))
	return path, nil
}

func (s *Session) Discard() error {
	if s.state != Disarmed {
		return fmt.Errorf("%w: discard while %s", ErrState, s.state)
	}
	n := len(s.events)
	s.events = s.events[:0]
	s.totalFrames = 0
	s.state = Discarded
	slog.Info("take discarded", "generation", s.generation, "events", n)
	return nil
}
