package reminders

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the reminder system.
type Metrics struct {
	// RemindersSentTotal counts delivery outcomes by status.
	RemindersSentTotal *prometheus.CounterVec

	// RemindersPending is the number of armed alarms.
	RemindersPending prometheus.Gauge

	// ReminderSendDuration is the time to deliver a reminder.
	ReminderSendDuration prometheus.Histogram

	RemindersCleanedUp prometheus.Counter

	ReminderRetries prometheus.Counter

	// RemindersSuppressed counts alarms dropped because the reservation had
	// already started.
	RemindersSuppressed prometheus.Counter
}

// NewMetrics creates and registers reminder metrics with reg. A nil reg
// yields unregistered collectors.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RemindersSentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reminders_sent_total",
				Help:      "Total number of reminder deliveries by status",
			},
			[]string{"status"},
		),

		RemindersPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "reminders_pending",
				Help:      "Current number of armed reminder alarms",
			},
		),

		ReminderSendDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reminder_send_duration_seconds",
				Help:      "Time to send a reminder",
				Buckets:   []float64{.01, .05, .1, .5, 1, 2, 5},
			},
		),

		RemindersCleanedUp: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reminders_cleaned_up_total",
				Help:      "Total number of reminders cleaned up",
			},
		),

		ReminderRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reminder_retries_total",
				Help:      "Total number of retry attempts",
			},
		),

		RemindersSuppressed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reminders_suppressed_total",
				Help:      "Reminders dropped because the reservation had already started",
			},
		),
	}
}

func (m *Metrics) IncSent(status ReminderStatus) {
	if m == nil {
		return
	}
	m.RemindersSentTotal.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.RemindersPending.Set(float64(n))
}

func (m *Metrics) ObserveSendDuration(seconds float64) {
	if m == nil {
		return
	}
	m.ReminderSendDuration.Observe(seconds)
}

func (m *Metrics) IncCleanedUp(count int) {
	if m == nil {
		return
	}
	m.RemindersCleanedUp.Add(float64(count))
}

func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.ReminderRetries.Inc()
}

func (m *Metrics) IncSuppressed() {
	if m == nil {
		return
	}
	m.RemindersSuppressed.Inc()
}
