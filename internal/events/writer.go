package events

import (
	"context"

	"smartop/internal/domain"
	"smartop/internal/repo"
)

// Writer records events in the outbox table, which backs the event log
// endpoint and the webhook relay.
type Writer struct {
	Repo repo.Repo
}

func (Writer) Name() string { return "outbox" }

func (w Writer) Send(ctx context.Context, evt domain.Event) error {
	_, err := w.Repo.AppendEvent(ctx, nil, evt)
	return err
}
