package ingest

import (
	"context"

	"mirror-core/pkg/db"
)

// Queue buffers canonical trade events between the poller and the decision
// engine. Enqueue blocks when full so backpressure is visible instead of
// silently buffered.
type Queue struct {
	ch chan db.TradeEvent
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 100
	}
	return &Queue{ch: make(chan db.TradeEvent, size)}
}

func (q *Queue) Enqueue(ctx context.Context, e db.TradeEvent) error {
	select {
	case q.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) Close() {
	close(q.ch)
}

// Drain consumes events with a handler until context is canceled.
func (q *Queue) Drain(ctx context.Context, handler func(db.TradeEvent)) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-q.ch:
			if !ok {
				return
			}
			handler(e)
		}
	}
}
