package main

import (
	"fmt"

	"vjrun/lib/compositor"
	"vjrun/lib/engine"
	"vjrun/lib/envelope"
	"vjrun/lib/show"
)

// Span is a run of frames during which a layer's envelope was not idle.
type Span struct {
	Start int     `json:"start"`
	End   int     `json:"end"`
	Peak  float64 `json:"peak"`
	Open  bool    `json:"open,omitempty"`
}

type Track struct {
	ID       int                 `json:"id"`
	Label    string              `json:"label"`
	Mode     show.TriggerMode    `json:"trigger_mode"`
	Choke    string              `json:"choke_group,omitempty"`
	AlwaysOn bool                `json:"always_on,omitempty"`
	Spans    []Span              `json:"spans"`
	Events   []show.TriggerEvent `json:"events"`
}

type Timeline struct {
	FPS         float64  `json:"fps"`
	TotalFrames int      `json:"total_frames"`
	Tracks      []*Track `json:"tracks"`
	Missing     []int    `json:"missing,omitempty"`
}

// BuildTimeline replays l through the engine on solid test-pattern sources
// and records, per layer, the frames its envelope was active. Phases are
// taken after each frame, so a span ends on the frame its release finished.
func BuildTimeline(l *show.AutomationLog) (Timeline, error) {
	if err := l.Validate(); err != nil {
		return Timeline{}, err
	}
	if len(l.LayerConfig) == 0 {
		return Timeline{}, show.ErrNoLayers
	}

	eng, err := engine.New(engine.Config{
		Layers: l.LayerConfig,
		Open:   compositor.PaletteOpener(1, 1),
		Width:  1,
		Height: 1,
		FPS:    l.FPS,
	})
	if err != nil {
		return Timeline{}, err
	}
	defer eng.Close()
	eng.StartReplay(engine.NewReplay(l, l.FPS, l.TotalFrames, false))
	if err := eng.Open(); err != nil {
		return Timeline{}, fmt.Errorf("timeline: %w", err)
	}

	tl := Timeline{FPS: l.FPS, TotalFrames: l.TotalFrames}
	byID := map[int]*Track{}
	for _, layer := range l.LayerConfig {
		tr := &Track{
			ID:       layer.ID,
			Label:    layer.Label(),
			Mode:     layer.Mode,
			Choke:    layer.ChokeGroup,
			AlwaysOn: layer.AlwaysOn,
		}
		tl.Tracks = append(tl.Tracks, tr)
		byID[layer.ID] = tr
	}
	for _, ev := range l.Events {
		if tr := byID[ev.LayerID]; tr != nil {
			tr.Events = append(tr.Events, ev)
		}
	}

	open := make([]*Span, len(tl.Tracks))
	for frame := range l.TotalFrames {
		eng.Tick()
		for i, st := range eng.Snapshot() {
			active := st.Phase != envelope.Idle
			switch {
			case active && open[i] == nil:
				open[i] = &Span{Start: frame, End: frame, Peak: st.Level}
			case active:
				open[i].End = frame
				open[i].Peak = max(open[i].Peak, st.Level)
			case open[i] != nil:
				tl.Tracks[i].Spans = append(tl.Tracks[i].Spans, *open[i])
				open[i] = nil
			}
		}
	}
	for i, s := range open {
		if s != nil {
			s.Open = true
			tl.Tracks[i].Spans = append(tl.Tracks[i].Spans, *s)
		}
	}
	tl.Missing = eng.Missing()
	return tl, nil
}
