package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Timer measures elapsed time for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer creates a timer starting now
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in the given histogram
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time in the given histogram vec
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
