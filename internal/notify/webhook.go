package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"smartop/internal/config"
	"smartop/internal/domain"
	"smartop/internal/logger"
	"smartop/internal/metrics"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// Outbox is the read side of the events table.
type Outbox interface {
	EventsAfter(ctx context.Context, limit int, cursor int64, companyID string) ([]domain.Event, error)
	LatestEventID(ctx context.Context, companyID string) (int64, error)
}

// WebhookRelay polls the outbox and POSTs new events to the configured hooks.
// Hooks belong to CompanyID, the company whose smartop.yml declares them, and
// only that company's events are relayed. Each hook keeps its own cursor, so
// a failing hook never holds others back; a failed delivery is retried on the
// next poll.
type WebhookRelay struct {
	Outbox    Outbox
	CompanyID string
	Hooks     []config.WebhookConfig
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Interval  time.Duration
	// FromStart delivers the whole outbox instead of only events recorded
	// after the relay started.
	FromStart bool

	mu      sync.Mutex
	cursors map[int]int64
	clients map[int]*resty.Client
}

var errNoRelayCompany = errors.New("webhook relay needs a company")

// Run polls until ctx is done.
func (d *WebhookRelay) Run(ctx context.Context) error {
	if d.CompanyID == "" {
		return errNoRelayCompany
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers every pending event to every active hook.
func (d *WebhookRelay) DispatchOnce(ctx context.Context) {
	if d.CompanyID == "" {
		logger.OrNop(d.Logger).Warn("webhook: relay has no company", zap.Error(errNoRelayCompany))
		return
	}
	for i, hook := range d.Hooks {
		if !hook.Active() {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookRelay) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	log := logger.OrNop(d.Logger)
	cursor := d.cursorFor(ctx, idx)
	events, err := d.Outbox.EventsAfter(ctx, defaultWebhookBatch, cursor, d.CompanyID)
	if err != nil {
		log.Warn("webhook: fetch events failed", zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		err := d.postEvent(ctx, idx, hook, evt)
		d.Metrics.IncDispatch("webhook", err)
		if err != nil {
			log.Warn("webhook: delivery failed",
				zap.String("url", hook.URL),
				zap.Int64("event_id", evt.ID),
				zap.Error(err),
			)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *WebhookRelay) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = make(map[int]int64)
	}
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	var cur int64
	if !d.FromStart {
		var err error
		cur, err = d.Outbox.LatestEventID(ctx, d.CompanyID)
		if err != nil {
			logger.OrNop(d.Logger).Warn("webhook: init cursor failed", zap.Error(err))
			cur = 0
		}
	}
	d.cursors[idx] = cur
	return cur
}

func (d *WebhookRelay) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

// Cursor returns the last event id delivered or skipped for hook idx.
func (d *WebhookRelay) Cursor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursors[idx]
}

func (d *WebhookRelay) client(idx int, hook config.WebhookConfig) *resty.Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.clients == nil {
		d.clients = make(map[int]*resty.Client)
	}
	if c, ok := d.clients[idx]; ok {
		return c
	}
	retries := hook.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	c := resty.New().
		SetTimeout(hook.Timeout(defaultWebhookTimeout)).
		SetRetryCount(retries).
		SetRetryWaitTime(200*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("Content-Type", "application/json")
	d.clients[idx] = c
	return c
}

func (d *WebhookRelay) postEvent(ctx context.Context, idx int, hook config.WebhookConfig, evt domain.Event) error {
	body, err := Encode(evt)
	if err != nil {
		return err
	}
	req := d.client(idx, hook).R().
		SetContext(ctx).
		SetBody(body).
		SetHeader("X-Smartop-Event", evt.Type).
		SetHeader("X-Smartop-Delivery", fmt.Sprintf("%d", evt.ID)).
		SetHeader("X-Smartop-Company", evt.CompanyID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.SetHeader("X-Smartop-Secret", hook.Secret)
	}
	res, err := req.Post(hook.URL)
	if err != nil {
		return err
	}
	if res.IsError() {
		return fmt.Errorf("status %d: %s", res.StatusCode(), strings.TrimSpace(truncate(res.String(), 4096)))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
