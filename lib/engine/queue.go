package engine

import (
	"log/slog"
	"sync/atomic"

	"vjrun/lib/trigger"
)

// Queue carries device input to the render loop. Push never blocks; when the
// queue is full the input is dropped and counted.
type Queue struct {
	ch      chan trigger.Input
	dropped atomic.Uint64
	streak  atomic.Uint64
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 256
	}
	return &Queue{ch: make(chan trigger.Input, size)}
}

// Push is safe to call from any goroutine, including device callbacks.
func (q *Queue) Push(in trigger.Input) bool {
	select {
	case q.ch <- in:
		return true
	default:
		q.dropped.Add(1)
		if n := q.streak.Add(1); n == 1 || n%100 == 0 {
			slog.Warn("input queue full, dropping input", "input", in.String(), "dropped", n, "capacity", cap(q.ch))
		}
		return false
	}
}

// Drain appends everything queued right now to buf, in arrival order.
func (q *Queue) Drain(buf []trigger.Input) []trigger.Input {
	for {
		select {
		case in := <-q.ch:
			buf = append(buf, in)
		default:
			q.streak.Store(0)
			return buf
		}
	}
}

func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}
