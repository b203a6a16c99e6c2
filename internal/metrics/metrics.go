package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "spacebook"

var (
	once sync.Once

	bookingCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_created_total",
			Help:      "Count of reservations created by space.",
		},
		[]string{"space"},
	)

	bookingConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_conflicts_total",
			Help:      "Count of create/edit requests rejected by the conflict detector.",
		},
		[]string{"space", "operation"},
	)

	bookingEdited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_edited_total",
			Help:      "Count of reservation edits by result.",
		},
		[]string{"result"},
	)

	bookingCancelled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_cancelled_total",
			Help:      "Count of reservations cancelled by users.",
		},
	)

	malformedSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_records_skipped_total",
			Help:      "Stored reservations ignored during conflict checks because their times could not be parsed.",
		},
		[]string{"space"},
	)

	lockWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "space_lock_wait_seconds",
			Help:      "Time spent waiting for a per-space write lock.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1},
		},
	)
)

// Register registers metrics with reg, or the default registry when nil
// (idempotent).
func Register(reg prometheus.Registerer) {
	once.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(bookingCreated, bookingConflicts, bookingEdited, bookingCancelled, malformedSkipped, lockWait)
	})
}

func IncBookingCreated(space string) {
	bookingCreated.WithLabelValues(space).Inc()
}

func IncBookingConflict(space, operation string) {
	bookingConflicts.WithLabelValues(space, operation).Inc()
}

func IncBookingEdited(result string) {
	bookingEdited.WithLabelValues(result).Inc()
}

func IncBookingCancelled() {
	bookingCancelled.Inc()
}

func IncMalformedSkipped(space string) {
	malformedSkipped.WithLabelValues(space).Inc()
}

func ObserveLockWait(d time.Duration) {
	lockWait.Observe(d.Seconds())
}
