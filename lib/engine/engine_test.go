package engine

import (
	"crypto/sha256"
	"errors"
	"image"
	"io"
	"path/filepath"
	"slices"
	"testing"

	"vjrun/lib/compositor"
	"vjrun/lib/envelope"
	"vjrun/lib/session"
	"vjrun/lib/show"
	"vjrun/lib/trigger"
)

const testW, testH = 8, 6

// genSource produces a short deterministic clip per layer.
type genSource struct {
	seed   byte
	n      int
	length int
	img    *image.NRGBA
}

func (g *genSource) Next() (*image.NRGBA, error) {
	if g.n >= g.length {
		return nil, io.EOF
	}
	for i := range g.img.Pix {
		g.img.Pix[i] = g.seed + byte(i*7) + byte(g.n*13)
		if i%4 == 3 {
			g.img.Pix[i] = 255 - byte(g.n*9)
		}
	}
	g.n++
	return g.img, nil
}

func (g *genSource) Close() error { return nil }

func genOpen(l show.Layer) (compositor.Source, error) {
	if l.Source == "missing" {
		return nil, errors.New("no such file")
	}
	return &genSource{seed: byte(l.ID * 40), length: 5 + l.ID, img: image.NewNRGBA(image.Rect(0, 0, testW, testH))}, nil
}

func testLayers() []show.Layer {
	cc := uint8(7)
	return []show.Layer{
		{ID: 0, Source: "base", AlwaysOn: true, Mode: show.Gate, Envelope: envelope.Gate, Blend: show.Normal},
		{ID: 1, Source: "a", Mode: show.Toggle, Envelope: envelope.Preset{Attack: 3, Decay: 2, Sustain: 0.6, Release: 4}, Blend: show.Screen, ChokeGroup: "g"},
		{ID: 2, Source: "b", Mode: show.Gate, Envelope: envelope.Preset{Sustain: 1, Release: 2}, Blend: show.Add, ChokeGroup: "g"},
		{ID: 3, Source: "c", Mode: show.Retrigger, Envelope: envelope.Preset{Attack: 2, Decay: 2, Sustain: 0.5, Release: 2, Loop: true}, Blend: show.Difference, CC: &cc},
	}
}

func newLive(t *testing.T, capacity int) (*Engine, *Queue, *session.Session) {
	t.Helper()
	layers := testLayers()
	sess, err := session.New(session.Config{Capacity: capacity, FPS: 30, Layers: layers, Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	q := NewQueue(64)
	e, err := New(Config{Layers: layers, Open: genOpen, Width: testW, Height: testH, FPS: 30, Queue: q, Session: sess})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e, q, sess
}

func key(k string, down bool) trigger.KeyInput {
	return trigger.KeyInput{Key: k, Pressed: down}
}

var script = map[int][]trigger.Input{
	2:  {key("2", true)},
	10: {key("3", true)},
	14: {key("3", false)},
	20: {trigger.CCInput{CC: 7, Value: 64}},
	22: {key("4", true)},
	23: {key("4", false), key("4", true)},
	35: {key("4", false)},
	40: {trigger.KeyInput{Key: "backspace", Mods: trigger.Ctrl, Pressed: true}},
	45: {key("2", true)},
}

func hash(img *image.RGBA) [32]byte {
	return sha256.Sum256(img.Pix)
}

// perform arms a take, plays the script for frames ticks and disarms on the
// next one. The disarm tick is the last frame of the take.
func perform(t *testing.T, e *Engine, q *Queue, frames int) [][32]byte {
	t.Helper()
	q.Push(key("f1", true))
	var out [][32]byte
	for f := range frames {
		if f > 0 {
			for _, in := range script[f] {
				q.Push(in)
			}
		}
		tick := e.Tick()
		if tick.Frame != f {
			t.Fatalf("got frame %d, want %d", tick.Frame, f)
		}
		out = append(out, hash(tick.Image))
	}
	q.Push(key("f2", true))
	out = append(out, hash(e.Tick().Image))
	return out
}

func replay(t *testing.T, e *Engine, r *Replay) [][32]byte {
	t.Helper()
	e.StartReplay(r)
	var out [][32]byte
	for {
		tick := e.Tick()
		out = append(out, hash(tick.Image))
		if tick.Final {
			return out
		}
		if len(out) > r.Total() {
			t.Fatal("replay did not end")
		}
	}
}

func TestLiveTakeReplaysIdentically(t *testing.T) {
	e, q, sess := newLive(t, 0)
	live := perform(t, e, q, 60)

	l, err := sess.Log()
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	if l.TotalFrames != 61 {
		t.Errorf("got total_frames %d, want 61", l.TotalFrames)
	}
	if len(l.Events) == 0 {
		t.Fatal("no events recorded")
	}

	fresh, err := New(Config{Layers: testLayers(), Open: genOpen, Width: testW, Height: testH, FPS: 30})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	first := replay(t, fresh, NewReplay(l, 30, 0, false))
	second := replay(t, fresh, NewReplay(l, 30, 0, false))

	if !slices.Equal(first, second) {
		t.Error("two replays of the same log differ")
	}
	if !slices.Equal(live, first) {
		for i := range min(len(live), len(first)) {
			if live[i] != first[i] {
				t.Fatalf("replay diverges from the live take at frame %d", i)
			}
		}
		t.Fatalf("got %d replay frames, want %d", len(first), len(live))
	}
}

func TestReviewKeyReplaysLastTake(t *testing.T) {
	e, q, _ := newLive(t, 0)
	live := perform(t, e, q, 30)

	q.Push(key("f9", true))
	var review [][32]byte
	for f := range 31 {
		if f == 10 {
			// Rejected while reviewing; would toggle layer 1 off otherwise.
			q.Push(key("2", true))
		}
		tick := e.Tick()
		review = append(review, hash(tick.Image))
		if !e.Reviewing() {
			t.Fatal("review ended early")
		}
		if got, want := tick.Final, f == 30; got != want {
			t.Errorf("frame %d: got final %v, want %v", f, got, want)
		}
	}
	if !slices.Equal(live, review) {
		t.Error("review differs from the live take")
	}

	e.Tick()
	if e.Reviewing() {
		t.Error("review did not stop at the end of the take")
	}
}

func TestChokeEventsRecordedInOrder(t *testing.T) {
	e, q, sess := newLive(t, 0)
	q.Push(key("f1", true))
	for f := range 25 {
		switch f {
		case 5:
			q.Push(key("2", true))
		case 20:
			q.Push(key("3", true))
		}
		e.Tick()
	}
	q.Push(key("f2", true))
	e.Tick()

	l, err := sess.Log()
	if err != nil {
		t.Fatal(err)
	}
	want := []show.TriggerEvent{
		{FrameIndex: 5, LayerID: 1, Kind: show.On},
		{FrameIndex: 20, LayerID: 1, Kind: show.Off},
		{FrameIndex: 20, LayerID: 2, Kind: show.On},
	}
	if !slices.Equal(l.Events, want) {
		t.Errorf("got %v, want %v", l.Events, want)
	}
}

func TestDisarmTickKeepsItsEvents(t *testing.T) {
	e, q, sess := newLive(t, 0)
	q.Push(key("f1", true))
	for range 10 {
		e.Tick()
	}
	q.Push(key("2", true))
	q.Push(key("f2", true))
	e.Tick()

	l, err := sess.Log()
	if err != nil {
		t.Fatal(err)
	}
	want := []show.TriggerEvent{{FrameIndex: 10, LayerID: 1, Kind: show.On}}
	if !slices.Equal(l.Events, want) {
		t.Errorf("got %v, want %v", l.Events, want)
	}
	if l.TotalFrames != 11 {
		t.Errorf("got total_frames %d, want 11", l.TotalFrames)
	}

	path := filepath.Join(t.TempDir(), "take.json")
	if _, err := sess.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := show.LoadLog(path)
	if err != nil {
		t.Fatalf("LoadLog: %v", err)
	}
	if evs := NewReplay(loaded, 30, 0, false).Events(10); len(evs) != 1 {
		t.Errorf("got %v at frame 10, want the press", evs)
	}
}

func TestReviewRejectedWhileRecording(t *testing.T) {
	e, q, sess := newLive(t, 0)
	perform(t, e, q, 10)
	if _, err := sess.Save(""); err != nil {
		t.Fatalf("Save: %v", err)
	}

	q.Push(key("f1", true))
	for f := range 10 {
		switch f {
		case 5:
			q.Push(key("2", true))
		case 6:
			q.Push(key("f9", true))
		}
		tick := e.Tick()
		if tick.Frame != f {
			t.Fatalf("got frame %d, want %d", tick.Frame, f)
		}
		if e.Reviewing() {
			t.Fatal("review started during a take")
		}
	}
	if !sess.Recording() {
		t.Error("take stopped")
	}
	if sess.TotalFrames() != 10 {
		t.Errorf("got %d frames, want 10", sess.TotalFrames())
	}
	hud := e.HUD()
	if last := hud[len(hud)-1]; !last.Warn {
		t.Errorf("got last HUD line %+v, want a warning", last)
	}
}

func TestReplayClampsLastFrameEvents(t *testing.T) {
	l := &show.AutomationLog{FPS: 30, TotalFrames: 30, Events: []show.TriggerEvent{
		{FrameIndex: 28, LayerID: 1, Kind: show.On},
		{FrameIndex: 29, LayerID: 2, Kind: show.On},
	}}
	r := NewReplay(l, 15, 0, false)
	if r.Total() != 15 {
		t.Fatalf("got total %d, want 15", r.Total())
	}
	want := []show.TriggerEvent{
		{FrameIndex: 14, LayerID: 1, Kind: show.On},
		{FrameIndex: 14, LayerID: 2, Kind: show.On},
	}
	if got := r.Events(14); !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	if got := NewReplay(l, 15, 10, false).Events(14); got != nil {
		t.Errorf("got %v past an explicit total", got)
	}
}

func TestPanicReleasesEveryLayerWithinOneTick(t *testing.T) {
	e, q, _ := newLive(t, 0)
	q.Push(key("2", true))
	q.Push(key("4", true))
	for range 4 {
		e.Tick()
	}
	q.Push(trigger.PanicInput{})
	e.Tick()
	for _, st := range e.Snapshot() {
		if st.Phase != envelope.Idle && st.Phase != envelope.Release {
			t.Errorf("layer %d in %v after panic", st.ID, st.Phase)
		}
	}
}

func TestCapacityKeepsShowRunning(t *testing.T) {
	e, q, sess := newLive(t, 2)
	q.Push(key("f1", true))
	e.Tick()
	q.Push(key("2", true))
	q.Push(key("3", true))
	tick := e.Tick()
	if sess.Len() != 2 {
		t.Errorf("got %d events, want 2", sess.Len())
	}
	if len(tick.Events) != 3 {
		t.Errorf("got %d applied events, want 3", len(tick.Events))
	}
	if !sess.Recording() {
		t.Error("take stopped at capacity")
	}
	hud := e.HUD()
	if last := hud[len(hud)-1]; !last.Warn {
		t.Errorf("got last HUD line %+v, want a warning", last)
	}
}

func TestUnknownLayerInReplay(t *testing.T) {
	e, err := New(Config{Layers: testLayers(), Open: genOpen, Width: testW, Height: testH, FPS: 30})
	if err != nil {
		t.Fatal(err)
	}
	l := &show.AutomationLog{FPS: 30, TotalFrames: 10, Events: []show.TriggerEvent{
		{FrameIndex: 1, LayerID: 1, Kind: show.On},
		{FrameIndex: 2, LayerID: 6, Kind: show.On},
		{FrameIndex: 3, LayerID: 6, Kind: show.Off},
	}}
	frames := replay(t, e, NewReplay(l, 30, 0, false))
	if len(frames) != 10 {
		t.Errorf("got %d frames, want 10", len(frames))
	}
	if got := e.Missing(); !slices.Equal(got, []int{6}) {
		t.Errorf("got missing %v, want [6]", got)
	}
}

func TestReplayLoops(t *testing.T) {
	e, err := New(Config{Layers: testLayers(), Open: genOpen, Width: testW, Height: testH, FPS: 30})
	if err != nil {
		t.Fatal(err)
	}
	l := &show.AutomationLog{FPS: 30, TotalFrames: 4, Events: []show.TriggerEvent{{FrameIndex: 0, LayerID: 1, Kind: show.On}}}
	e.StartReplay(NewReplay(l, 30, 0, true))
	var frames []int
	var hashes [][32]byte
	for range 8 {
		tick := e.Tick()
		if tick.Final {
			t.Fatal("looping replay reported a final frame")
		}
		frames = append(frames, tick.Frame)
		hashes = append(hashes, hash(tick.Image))
	}
	if want := []int{0, 1, 2, 3, 0, 1, 2, 3}; !slices.Equal(frames, want) {
		t.Errorf("got frames %v, want %v", frames, want)
	}
	if !slices.Equal(hashes[:4], hashes[4:]) {
		t.Error("second loop differs from the first")
	}
}

func TestUnavailableSourceReported(t *testing.T) {
	layers := testLayers()
	layers[2].Source = "missing"
	e, err := New(Config{Layers: layers, Open: genOpen, Width: testW, Height: testH, FPS: 30})
	if err != nil {
		t.Fatal(err)
	}
	err = e.Open()
	var le *LayerError
	if !errors.As(err, &le) || le.Layer != 2 {
		t.Fatalf("got %v, want LayerError for layer 2", err)
	}
	e.Tick()
	if st := e.Snapshot()[2]; st.Err == nil {
		t.Error("snapshot does not show layer 2 unavailable")
	}
}

func TestQueueDropsWhenFull(t *testing.T) {
	q := NewQueue(2)
	q.Push(key("1", true))
	q.Push(key("2", true))
	if q.Push(key("3", true)) {
		t.Error("push into full queue succeeded")
	}
	if q.Dropped() != 1 {
		t.Errorf("got %d dropped, want 1", q.Dropped())
	}
	got := q.Drain(nil)
	if len(got) != 2 || got[0].(trigger.KeyInput).Key != "1" {
		t.Errorf("got %v", got)
	}
}
