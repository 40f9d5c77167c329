package engine

import (
	"fmt"

	"vjrun/lib/compositor"
	"vjrun/lib/envelope"
	"vjrun/lib/session"
)

// LayerStatus is a copy of one layer's state for feedback devices and the
// HUD.
type LayerStatus struct {
	ID        int
	Label     string
	Key       string
	Phase     envelope.Phase
	Level     float64
	Opacity   float64
	Triggered bool
	AlwaysOn  bool
	Err       error
}

// Active reports whether the layer is visibly contributing.
func (s LayerStatus) Active() bool {
	return s.AlwaysOn || s.Phase != envelope.Idle
}

func (e *Engine) Snapshot() []LayerStatus {
	out := make([]LayerStatus, len(e.layers))
	for i, l := range e.layers {
		out[i] = LayerStatus{
			ID:        l.ID,
			Label:     l.Label(),
			Key:       e.router.KeyFor(l.ID),
			Phase:     e.env[i].Phase,
			Level:     e.env[i].Level,
			Opacity:   e.opacity[i],
			Triggered: e.router.Triggered(l.ID),
			AlwaysOn:  l.AlwaysOn,
			Err:       e.stack.Err(l.ID),
		}
	}
	return out
}

// HUD describes the engine state for the preview overlay.
func (e *Engine) HUD() []compositor.HUDLine {
	var lines []compositor.HUDLine

	mode := "LIVE"
	switch {
	case e.replay != nil:
		mode = fmt.Sprintf("REVIEW %d/%d", e.frame, e.replay.Total())
	case e.session != nil && e.session.Recording():
		mode = fmt.Sprintf("REC take %d  %d/%d events", e.session.Generation(), e.session.Len(), e.session.Capacity())
	case e.session != nil && e.session.State() == session.Disarmed:
		mode = fmt.Sprintf("STOPPED take %d  %d events", e.session.Generation(), e.session.Len())
	}
	lines = append(lines, compositor.HUDLine{Text: fmt.Sprintf("%s  frame %d", mode, e.frame)})

	for _, st := range e.Snapshot() {
		text := fmt.Sprintf("[%s] %s %s %.2f", st.Key, st.Label, st.Phase, st.Level)
		if st.AlwaysOn {
			text = fmt.Sprintf("[base] %s", st.Label)
		}
		if st.Err != nil {
			lines = append(lines, compositor.HUDLine{Text: text + " unavailable", Warn: true})
			continue
		}
		lines = append(lines, compositor.HUDLine{Text: text})
	}

	if e.queue != nil {
		if n := e.queue.Dropped(); n > 0 {
			lines = append(lines, compositor.HUDLine{Text: fmt.Sprintf("%d inputs dropped", n), Warn: true})
		}
	}
	if e.notice != "" {
		lines = append(lines, compositor.HUDLine{Text: e.notice, Warn: e.noticeWarn})
	}
	return lines
}
