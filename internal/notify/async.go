package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"smartop/internal/domain"
	"smartop/internal/logger"
	"smartop/internal/metrics"
)

var errQueueFull = errors.New("notification queue full")

const drainTimeout = 5 * time.Second

// Async decouples publishers from delivery with a bounded queue drained by
// Run. When the queue is full the event is dropped.
type Async struct {
	next    Publisher
	queue   chan domain.Event
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewAsync(next Publisher, size int, log *zap.Logger, m *metrics.Metrics) *Async {
	if size <= 0 {
		size = 256
	}
	return &Async{next: next, queue: make(chan domain.Event, size), logger: logger.OrNop(log), metrics: m}
}

func (a *Async) Publish(_ context.Context, evt domain.Event) {
	select {
	case a.queue <- evt:
	default:
		a.metrics.IncDispatch("queue", errQueueFull)
		a.logger.Warn("dropping event",
			zap.String("event_type", evt.Type),
			zap.String("control_list_id", evt.ControlListID),
			zap.Error(errQueueFull),
		)
	}
}

// Run delivers queued events until ctx is done, then flushes what is left.
func (a *Async) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			a.drain()
			return ctx.Err()
		case evt := <-a.queue:
			a.next.Publish(ctx, evt)
		}
	}
}

func (a *Async) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case evt := <-a.queue:
			a.next.Publish(ctx, evt)
		default:
			return
		}
	}
}

// Pending returns the number of queued events.
func (a *Async) Pending() int { return len(a.queue) }
