package session

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vjrun/lib/envelope"
	"vjrun/lib/show"
)

func newSession(t *testing.T, capacity int, tmpl string) *Session {
	t.Helper()
	s, err := New(Config{
		Capacity:     capacity,
		FPS:          30,
		Layers:       []show.Layer{{ID: 0, Source: "a.mp4", Mode: show.Toggle, Envelope: envelope.Gate, Blend: show.Normal}},
		Dir:          t.TempDir(),
		NameTemplate: tmpl,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Now = func() time.Time { return time.Date(2026, 5, 1, 21, 30, 0, 0, time.UTC) }
	return s
}

func ev(frame int, kind show.EventKind) show.TriggerEvent {
	return show.TriggerEvent{FrameIndex: frame, LayerID: 0, Kind: kind}
}

func TestCapacity(t *testing.T) {
	s := newSession(t, 5, "")
	s.Arm()
	for i := range 5 {
		if err := s.Record(ev(i, show.On)); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}
	err := s.Record(ev(5, show.Off))
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("got %v, want ErrCapacity", err)
	}
	if s.Len() != 5 {
		t.Errorf("got %d events, want 5", s.Len())
	}
	if s.Rejected() != 1 || !s.Full() {
		t.Errorf("got rejected %d full %v", s.Rejected(), s.Full())
	}
	if !s.Recording() {
		t.Error("capacity error stopped the take")
	}
}

func TestRecordRequiresArm(t *testing.T) {
	s := newSession(t, 0, "")
	if err := s.Record(ev(0, show.On)); !errors.Is(err, ErrNotArmed) {
		t.Errorf("idle: got %v, want ErrNotArmed", err)
	}
	s.Arm()
	s.Disarm()
	if err := s.Record(ev(0, show.On)); !errors.Is(err, ErrNotArmed) {
		t.Errorf("disarmed: got %v, want ErrNotArmed", err)
	}
}

func TestArmClearsAndIncrementsGeneration(t *testing.T) {
	s := newSession(t, 0, "")
	s.Arm()
	first := s.TakeID()
	s.Record(ev(0, show.On))
	s.Tick()
	s.Arm()
	if s.Generation() != 2 || s.Len() != 0 || s.TotalFrames() != 0 {
		t.Errorf("got generation %d len %d frames %d", s.Generation(), s.Len(), s.TotalFrames())
	}
	if s.TakeID() == first || s.TakeID() == "" {
		t.Errorf("take id not renewed: %q", s.TakeID())
	}
}

func TestArmRecordSaveLoad(t *testing.T) {
	s := newSession(t, 0, "take-{{ .Generation }}-{{ .TakeID | trunc 8 }}")
	s.Arm()
	for f := range 40 {
		switch f {
		case 3:
			s.Record(ev(f, show.On))
		case 17:
			s.Record(ev(f, show.Off))
		case 30:
			s.Record(show.TriggerEvent{FrameIndex: f, Kind: show.ParamSet, Value: 0.25})
		}
		s.Tick()
	}
	if err := s.Disarm(); err != nil {
		t.Fatalf("Disarm: %v", err)
	}
	s.Tick()

	path, err := s.Save("")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	want := "take-1-" + s.TakeID()[:8] + ".json"
	if filepath.Base(path) != want {
		t.Errorf("got %q, want %q", filepath.Base(path), want)
	}
	if s.State() != Saved {
		t.Errorf("got state %v, want saved", s.State())
	}

	l, err := show.LoadLog(path)
	if err != nil {
		t.Fatalf("LoadLog: %v", err)
	}
	if l.TotalFrames != 40 || l.FPS != 30 || l.TakeID != s.TakeID() || l.Generation != 1 {
		t.Errorf("got %+v", l)
	}
	idx := show.IndexEvents(l.Events, l.FPS, l.FPS)
	applied := 0
	for f := range l.TotalFrames {
		for _, e := range idx[f] {
			if e.FrameIndex != f {
				t.Errorf("event %v applied at frame %d", e, f)
			}
			applied++
		}
	}
	if applied != 3 {
		t.Errorf("got %d applications, want 3", applied)
	}
	for i, f := range []int{3, 17, 30} {
		if l.Events[i].FrameIndex != f {
			t.Errorf("event %d: got frame %d, want %d", i, l.Events[i].FrameIndex, f)
		}
	}
}

func TestSaveAndDiscardAreExclusive(t *testing.T) {
	s := newSession(t, 0, "")
	if _, err := s.Save(""); !errors.Is(err, ErrState) {
		t.Errorf("save while idle: got %v, want ErrState", err)
	}
	s.Arm()
	if err := s.Discard(); !errors.Is(err, ErrState) {
		t.Errorf("discard while armed: got %v, want ErrState", err)
	}
	s.Disarm()
	if _, err := s.Save(""); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Discard(); !errors.Is(err, ErrState) {
		t.Errorf("discard after save: got %v, want ErrState", err)
	}

	s.Arm()
	s.Record(ev(0, show.On))
	s.Disarm()
	if err := s.Discard(); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if _, err := s.Save(""); !errors.Is(err, ErrState) {
		t.Errorf("save after discard: got %v, want ErrState", err)
	}
	if _, err := s.Log(); !errors.Is(err, ErrState) {
		t.Errorf("log after discard: got %v, want ErrState", err)
	}
}

func TestDefaultName(t *testing.T) {
	s := newSession(t, 0, "")
	s.Arm()
	s.Disarm()
	path, err := s.Save("")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	base := filepath.Base(path)
	if !strings.HasPrefix(base, "take-1-") || !strings.HasSuffix(base, ".json") {
		t.Errorf("got %q", base)
	}
}

func TestNameTemplateRejectsPaths(t *testing.T) {
	s := newSession(t, 0, "../escape-{{ .Generation }}")
	s.Arm()
	s.Disarm()
	if _, err := s.Save(""); err == nil {
		t.Error("expected error for path in take name")
	}
	if s.State() != Disarmed {
		t.Errorf("failed save changed state to %v", s.State())
	}
}

func TestBadTemplate(t *testing.T) {
	if _, err := New(Config{FPS: 30, NameTemplate: "{{ .Generation"}); err == nil {
		t.Error("expected parse error")
	}
}
