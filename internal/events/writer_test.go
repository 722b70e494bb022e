package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartop/internal/db"
	"smartop/internal/domain"
	"smartop/internal/migrate"
	"smartop/internal/repo"
)

func TestWriterAppendsToOutbox(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))
	r := repo.Repo{DB: conn}
	w := Writer{Repo: r}
	ctx := context.Background()

	evt := domain.Event{
		Type:          domain.EventCreated,
		ControlListID: "cl-1",
		CompanyID:     "acme",
		ActorID:       "olga",
		Timestamp:     time.Now(),
		Payload:       map[string]any{"status": "pending"},
	}
	require.NoError(t, w.Send(ctx, evt))
	assert.Equal(t, "outbox", w.Name())

	got, err := r.LatestEvents(ctx, 10, "acme", "", "cl-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "pending", got[0].PayloadString("status"))
}
