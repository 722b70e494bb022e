package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics covers the control-list workflow. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Transitions      *prometheus.CounterVec
	Conflicts        *prometheus.CounterVec
	OperationLatency *prometheus.HistogramVec
	DispatchFailures *prometheus.CounterVec
	Dispatched       *prometheus.CounterVec
	OverdueReminders prometheus.Counter
}

// New registers the collectors on reg. Tests pass a fresh registry so
// collectors never clash.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "smartop_control_list_transitions_total",
			Help: "Status transitions of control lists by origin and target status",
		}, []string{"from", "to"}),
		Conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "smartop_control_list_conflicts_total",
			Help: "Saves rejected because the control list was modified concurrently",
		}, []string{"operation"}),
		OperationLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smartop_engine_operation_duration_seconds",
			Help:    "Duration of workflow engine operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"operation", "outcome"}),
		DispatchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "smartop_notification_failures_total",
			Help: "Event deliveries that failed, by sink",
		}, []string{"sink"}),
		Dispatched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "smartop_notifications_total",
			Help: "Event deliveries that succeeded, by sink",
		}, []string{"sink"}),
		OverdueReminders: f.NewCounter(prometheus.CounterOpts{
			Name: "smartop_overdue_reminders_total",
			Help: "Overdue reminders published by the scheduler",
		}),
	}
}

func (m *Metrics) IncTransition(from, to string) {
	if m != nil && from != to {
		m.Transitions.WithLabelValues(from, to).Inc()
	}
}

func (m *Metrics) IncConflict(op string) {
	if m != nil {
		m.Conflicts.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) ObserveOperation(op string, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.OperationLatency.WithLabelValues(op, outcome).Observe(d.Seconds())
}

func (m *Metrics) IncDispatch(sink string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.DispatchFailures.WithLabelValues(sink).Inc()
		return
	}
	m.Dispatched.WithLabelValues(sink).Inc()
}

func (m *Metrics) IncOverdueReminder() {
	if m != nil {
		m.OverdueReminders.Inc()
	}
}
