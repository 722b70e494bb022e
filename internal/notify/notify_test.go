package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"smartop/internal/config"
	"smartop/internal/domain"
	"smartop/internal/metrics"
)

type mockSink struct {
	mock.Mock
	name string
}

func (m *mockSink) Name() string { return m.name }

func (m *mockSink) Send(ctx context.Context, evt domain.Event) error {
	return m.Called(ctx, evt).Error(0)
}

func sampleEvent() domain.Event {
	return domain.Event{
		ID:            7,
		Type:          domain.EventApproved,
		ControlListID: "cl-1",
		CompanyID:     "acme",
		ActorID:       "mia",
		Timestamp:     time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC),
		Payload:       map[string]any{"machine_id": "press-1", "assigned_user_id": "olga"},
	}
}

func TestFanoutIsolatesFailingSinks(t *testing.T) {
	bad := &mockSink{name: "bad"}
	good := &mockSink{name: "good"}
	evt := sampleEvent()
	bad.On("Send", mock.Anything, evt).Return(errors.New("unreachable"))
	good.On("Send", mock.Anything, evt).Return(nil)
	m := metrics.New(prometheus.NewRegistry())

	Fanout{Sinks: []Sink{bad, good}, Metrics: m}.Publish(context.Background(), evt)

	bad.AssertExpectations(t)
	good.AssertExpectations(t)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispatchFailures.WithLabelValues("bad")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dispatched.WithLabelValues("good")))
}

func TestFanoutSurvivesCanceledContext(t *testing.T) {
	sink := &mockSink{name: "s"}
	sink.On("Send", mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil }), mock.Anything).Return(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	Fanout{Sinks: []Sink{sink}}.Publish(ctx, sampleEvent())
	sink.AssertExpectations(t)
}

type recorder struct {
	mu   sync.Mutex
	evts []domain.Event
}

func (r *recorder) Publish(_ context.Context, evt domain.Event) {
	r.mu.Lock()
	r.evts = append(r.evts, evt)
	r.mu.Unlock()
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.evts)
}

func TestAsyncDropsWhenFullAndDrainsOnStop(t *testing.T) {
	rec := &recorder{}
	a := NewAsync(rec, 2, nil, nil)
	for i := 0; i < 3; i++ {
		a.Publish(context.Background(), sampleEvent())
	}
	assert.Equal(t, 2, a.Pending())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, a.Run(ctx), context.Canceled)
	assert.Equal(t, 2, rec.len())
	assert.Equal(t, 0, a.Pending())
}

type blockingSink struct {
	release chan struct{}
	started chan struct{}
	once    sync.Once
}

func (b *blockingSink) Name() string { return "slow" }

func (b *blockingSink) Send(ctx context.Context, _ domain.Event) error {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

func TestPipelineKeepsDurableCopyWhenBrokersStall(t *testing.T) {
	slow := &blockingSink{release: make(chan struct{}), started: make(chan struct{})}
	brokers := NewAsync(Fanout{Sinks: []Sink{slow}, Timeout: time.Minute}, 1, nil, nil)
	durable := &recorder{}
	p := Pipeline{Durable: durable, Brokers: brokers}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- brokers.Run(ctx) }()

	p.Publish(ctx, sampleEvent())
	<-slow.started
	for i := 0; i < 4; i++ {
		p.Publish(ctx, sampleEvent())
	}
	assert.Equal(t, 5, durable.len())
	assert.Equal(t, 1, brokers.Pending())

	close(slow.release)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestRedisChannels(t *testing.T) {
	s := RedisSink{Prefix: "smartop:"}
	assert.Equal(t, []string{"smartop:company.acme", "smartop:machine.press-1", "smartop:user.olga"}, s.Channels(sampleEvent()))
	assert.Equal(t, []string{"company.acme"}, RedisSink{}.Channels(domain.Event{CompanyID: "acme"}))
}

func TestKafkaRecord(t *testing.T) {
	rec, err := Record("control-lists", sampleEvent())
	require.NoError(t, err)
	assert.Equal(t, "control-lists", rec.Topic)
	assert.Equal(t, []byte("cl-1"), rec.Key)
	var msg Message
	require.NoError(t, json.Unmarshal(rec.Value, &msg))
	assert.Equal(t, domain.EventApproved, msg.Type)
	assert.Equal(t, "press-1", msg.Payload["machine_id"])
}

type fakeOutbox struct {
	events []domain.Event
}

func (f *fakeOutbox) EventsAfter(_ context.Context, limit int, cursor int64, companyID string) ([]domain.Event, error) {
	var out []domain.Event
	for _, e := range f.events {
		if e.ID > cursor && e.CompanyID == companyID && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeOutbox) LatestEventID(context.Context, string) (int64, error) {
	if len(f.events) == 0 {
		return 0, nil
	}
	return f.events[len(f.events)-1].ID, nil
}

func TestWebhookRelayDeliversFilteredEvents(t *testing.T) {
	var mu sync.Mutex
	var got []Message
	var headers []http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var msg Message
		_ = json.Unmarshal(data, &msg)
		mu.Lock()
		got = append(got, msg)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	approved := sampleEvent()
	started := sampleEvent()
	started.ID = 8
	started.Type = domain.EventStarted
	outbox := &fakeOutbox{events: []domain.Event{approved, started}}
	relay := &WebhookRelay{
		Outbox:    outbox,
		CompanyID: "acme",
		Hooks:     []config.WebhookConfig{{URL: srv.URL, Events: []string{domain.EventApproved}, Secret: "s3"}},
		FromStart: true,
	}
	relay.DispatchOnce(context.Background())

	require.Len(t, got, 1)
	assert.Equal(t, domain.EventApproved, got[0].Type)
	assert.Equal(t, "7", headers[0].Get("X-Smartop-Delivery"))
	assert.Equal(t, "s3", headers[0].Get("X-Smartop-Secret"))
	assert.Equal(t, int64(8), relay.Cursor(0))

	relay.DispatchOnce(context.Background())
	assert.Len(t, got, 1)
}

func TestWebhookRelayRetriesFailedDeliveryOnNextPoll(t *testing.T) {
	var mu sync.Mutex
	fail := true
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if fail {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	relay := &WebhookRelay{
		Outbox:    &fakeOutbox{events: []domain.Event{sampleEvent()}},
		CompanyID: "acme",
		Hooks:     []config.WebhookConfig{{URL: srv.URL}},
		FromStart: true,
	}
	relay.DispatchOnce(context.Background())
	assert.Equal(t, int64(0), relay.Cursor(0))

	mu.Lock()
	fail = false
	mu.Unlock()
	relay.DispatchOnce(context.Background())
	assert.Equal(t, int64(7), relay.Cursor(0))
	assert.Equal(t, 2, calls)
}

func TestWebhookRelayStaysInsideItsCompany(t *testing.T) {
	var mu sync.Mutex
	var companies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		companies = append(companies, r.Header.Get("X-Smartop-Company"))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	own := sampleEvent()
	foreign := sampleEvent()
	foreign.ID = 8
	foreign.CompanyID = "globex"
	outbox := &fakeOutbox{events: []domain.Event{own, foreign}}
	hooks := []config.WebhookConfig{{URL: srv.URL}}

	unscoped := &WebhookRelay{Outbox: outbox, Hooks: hooks, FromStart: true}
	require.Error(t, unscoped.Run(context.Background()))
	unscoped.DispatchOnce(context.Background())
	assert.Empty(t, companies)

	relay := &WebhookRelay{Outbox: outbox, CompanyID: "acme", Hooks: hooks, FromStart: true}
	relay.DispatchOnce(context.Background())
	assert.Equal(t, []string{"acme"}, companies)
	assert.Equal(t, int64(7), relay.Cursor(0))
}
