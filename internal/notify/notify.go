// Package notify delivers committed control-list events to external sinks.
// Delivery failures are logged and counted; they never reach the caller.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"smartop/internal/domain"
	"smartop/internal/logger"
	"smartop/internal/metrics"
)

const defaultSinkTimeout = 5 * time.Second

// Sink is one delivery channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, evt domain.Event) error
}

// Publisher accepts events without reporting failures.
type Publisher interface {
	Publish(ctx context.Context, evt domain.Event)
}

// Fanout sends every event to all sinks concurrently.
type Fanout struct {
	Sinks   []Sink
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Timeout time.Duration
}

func (f Fanout) Publish(ctx context.Context, evt domain.Event) {
	if len(f.Sinks) == 0 {
		return
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = defaultSinkTimeout
	}
	// deliveries outlive the request that produced the event
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	log := logger.OrNop(f.Logger)
	var g errgroup.Group
	for _, s := range f.Sinks {
		g.Go(func() error {
			err := s.Send(ctx, evt)
			f.Metrics.IncDispatch(s.Name(), err)
			if err != nil {
				log.Warn("event delivery failed",
					zap.String("sink", s.Name()),
					zap.String("event_type", evt.Type),
					zap.String("control_list_id", evt.ControlListID),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Pipeline writes every event to Durable before Publish returns and only then
// hands it to Brokers. A slow or full broker queue never costs the durable
// copy.
type Pipeline struct {
	Durable Publisher
	Brokers Publisher
}

func (p Pipeline) Publish(ctx context.Context, evt domain.Event) {
	if p.Durable != nil {
		p.Durable.Publish(ctx, evt)
	}
	if p.Brokers != nil {
		p.Brokers.Publish(ctx, evt)
	}
}

// Message is the wire form of an event shared by every sink.
type Message struct {
	ID            int64          `json:"id,omitempty"`
	Type          string         `json:"type"`
	ControlListID string         `json:"control_list_id"`
	CompanyID     string         `json:"company_id"`
	ActorID       string         `json:"actor_id"`
	Timestamp     string         `json:"timestamp"`
	Payload       map[string]any `json:"payload"`
}

// Encode renders evt as a JSON Message.
func Encode(evt domain.Event) ([]byte, error) {
	payload := evt.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return json.Marshal(Message{
		ID:            evt.ID,
		Type:          evt.Type,
		ControlListID: evt.ControlListID,
		CompanyID:     evt.CompanyID,
		ActorID:       evt.ActorID,
		Timestamp:     evt.Timestamp.UTC().Format(time.RFC3339Nano),
		Payload:       payload,
	})
}
