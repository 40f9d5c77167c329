package engine

import (
	"log/slog"

	"vjrun/lib/show"
)

// Replay is an automation log indexed by frame for playback at a given rate.
type Replay struct {
	index map[int][]show.TriggerEvent
	total int
	loop  bool
}

// NewReplay indexes l for playback at fps. When fps differs from the
// recording rate, event frames are scaled with show.ScaleFrame; an event
// that rounds past the scaled length of the take lands on its last frame.
// A total of zero plays the log's own length scaled to fps. Events beyond a
// shorter explicit total are not played.
func NewReplay(l *show.AutomationLog, fps float64, total int, loop bool) *Replay {
	if fps <= 0 {
		fps = l.FPS
	}
	length := show.ScaleFrame(l.TotalFrames, l.FPS, fps)
	if total <= 0 {
		total = length
	}
	r := &Replay{index: make(map[int][]show.TriggerEvent), total: total, loop: loop}

	late := 0
	for _, ev := range l.Events {
		f := show.ScaleFrame(ev.FrameIndex, l.FPS, fps)
		if f >= length && length > 0 {
			f = length - 1
		}
		if f >= total {
			late++
			continue
		}
		ev.FrameIndex = f
		r.index[f] = append(r.index[f], ev)
	}
	if late > 0 {
		slog.Warn("events fall after the end of playback and will not be applied", "events", late, "frames", total)
	}
	return r
}

func (r *Replay) Total() int {
	return r.total
}

func (r *Replay) Loop() bool {
	return r.loop
}

func (r *Replay) Events(frame int) []show.TriggerEvent {
	return r.index[frame]
}
