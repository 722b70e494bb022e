package reminder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartop/internal/domain"
)

type fakeStore struct {
	lists   []domain.ControlList
	history map[string]bool
}

func (f *fakeStore) ListOverdue(_ context.Context, now time.Time, _ int) ([]domain.ControlList, error) {
	var out []domain.ControlList
	for _, cl := range f.lists {
		if cl.IsOverdue(now) {
			out = append(out, cl)
		}
	}
	return out, nil
}

func (f *fakeStore) HasEvent(_ context.Context, listID, _ string, _ time.Time) (bool, error) {
	return f.history[listID], nil
}

type collect struct{ evts []domain.Event }

func (c *collect) Publish(_ context.Context, evt domain.Event) { c.evts = append(c.evts, evt) }

func TestScanOncePublishesOncePerDay(t *testing.T) {
	now := time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC)
	past := now.Add(-48 * time.Hour)
	store := &fakeStore{
		lists: []domain.ControlList{
			{ID: "late", CompanyID: "acme", Status: domain.StatusPending, ScheduledAt: past},
			{ID: "rejected", CompanyID: "acme", Status: domain.StatusRejected, ScheduledAt: past},
			{ID: "done", CompanyID: "acme", Status: domain.StatusCompleted, ScheduledAt: past},
			{ID: "future", CompanyID: "acme", Status: domain.StatusPending, ScheduledAt: now.Add(48 * time.Hour)},
			{ID: "restarted", CompanyID: "acme", Status: domain.StatusInProgress, ScheduledAt: past},
		},
		history: map[string]bool{"restarted": true},
	}
	pub := &collect{}
	s := &Scheduler{Store: store, Publisher: pub, Now: func() time.Time { return now }}

	n, err := s.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, pub.evts, 2)
	assert.Equal(t, domain.EventOverdue, pub.evts[0].Type)
	assert.Equal(t, "late", pub.evts[0].ControlListID)
	assert.Equal(t, "rejected", pub.evts[1].ControlListID)

	n, err = s.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	now = now.Add(24 * time.Hour)
	n, err = s.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, pub.evts, 4)
	assert.Equal(t, "late", pub.evts[2].ControlListID)
	assert.Equal(t, "rejected", pub.evts[3].ControlListID)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := &Scheduler{Schedule: "not a schedule"}
	assert.Error(t, s.Start(context.Background()))

	ok := &Scheduler{Schedule: "@every 1h", Store: &fakeStore{}, Publisher: &collect{}}
	require.NoError(t, ok.Start(context.Background()))
	ok.Stop()
}
