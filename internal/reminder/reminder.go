// Package reminder periodically announces control lists that passed their
// scheduled date without being completed or approved.
package reminder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"smartop/internal/domain"
	"smartop/internal/logger"
	"smartop/internal/metrics"
)

const DefaultSchedule = "*/15 * * * *"

// Store is the read side the scanner needs.
type Store interface {
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]domain.ControlList, error)
	HasEvent(ctx context.Context, listID, evtType string, since time.Time) (bool, error)
}

type Publisher interface {
	Publish(ctx context.Context, evt domain.Event)
}

// Scheduler emits at most one overdue event per list and day.
type Scheduler struct {
	Store     Store
	Publisher Publisher
	Schedule  string
	Batch     int
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time

	mu   sync.Mutex
	sent map[string]time.Time
	cron *cron.Cron
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Start registers the scan on the cron schedule and starts it.
func (s *Scheduler) Start(ctx context.Context) error {
	spec := s.Schedule
	if spec == "" {
		spec = DefaultSchedule
	}
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(spec, func() {
		if _, err := s.ScanOnce(ctx); err != nil {
			logger.OrNop(s.Logger).Warn("overdue scan failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid reminder schedule %q: %w", spec, err)
	}
	s.cron.Start()
	return nil
}

// Stop waits for a running scan to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// ScanOnce publishes an overdue event for every list not yet reminded today
// and returns how many were published.
func (s *Scheduler) ScanOnce(ctx context.Context) (int, error) {
	now := s.now().UTC()
	day := now.Truncate(24 * time.Hour)
	lists, err := s.Store.ListOverdue(ctx, now, s.Batch)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, cl := range lists {
		if s.remindedSince(cl.ID, day) {
			continue
		}
		seen, err := s.Store.HasEvent(ctx, cl.ID, domain.EventOverdue, day)
		if err != nil {
			return published, err
		}
		if !seen {
			s.Publisher.Publish(ctx, domain.NewEvent(domain.EventOverdue, cl, "system", now, map[string]any{
				"scheduled_at": cl.ScheduledAt.UTC().Format(time.RFC3339),
			}))
			s.Metrics.IncOverdueReminder()
			published++
		}
		s.markReminded(cl.ID, day)
	}
	if published > 0 {
		logger.OrNop(s.Logger).Info("overdue reminders published", zap.Int("count", published))
	}
	return published, nil
}

func (s *Scheduler) remindedSince(id string, day time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.sent[id]
	return ok && !last.Before(day)
}

func (s *Scheduler) markReminded(id string, day time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent == nil {
		s.sent = make(map[string]time.Time)
	}
	s.sent[id] = day
}
