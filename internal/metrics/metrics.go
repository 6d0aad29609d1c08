// Package metrics exports store manager activity as prometheus metrics.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maloquacious/apam/internal/store"
)

// Recorder aggregates operation results, store creations and lock wait
// times. A nil *Recorder records nothing.
type Recorder struct {
	reg       *prometheus.Registry
	ops       *prometheus.CounterVec
	creations prometheus.Counter
	lockWait  prometheus.Histogram
}

// New returns a recorder registered on its own prometheus registry, along
// with the Go runtime and process collectors.
func New() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apam_store_operations_total",
			Help: "Store manager operations by operation and result.",
		}, []string{"op", "result"}),
		creations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apam_store_creations_total",
			Help: "Stores or collections created by a manager.",
		}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "apam_lock_wait_seconds",
			Help:    "Time spent waiting for a manager lock.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
	}
	r.reg.MustRegister(
		r.ops, r.creations, r.lockWait,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Observe counts one operation under the kind of err, or "ok" when err is nil.
func (r *Recorder) Observe(op string, err error) {
	if r == nil || op == "" {
		return
	}
	r.ops.WithLabelValues(op, Result(err)).Inc()
}

// StoreCreated counts a store or collection creation.
func (r *Recorder) StoreCreated() {
	if r == nil {
		return
	}
	r.creations.Inc()
}

// LockWait records how long a caller waited for a lock.
func (r *Recorder) LockWait(d time.Duration) {
	if r == nil {
		return
	}
	r.lockWait.Observe(d.Seconds())
}

// Handler serves the recorder's metrics in the prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Operations returns the counter vector, for tests.
func (r *Recorder) Operations() *prometheus.CounterVec { return r.ops }

// Creations returns the creation counter, for tests.
func (r *Recorder) Creations() prometheus.Counter { return r.creations }

// Result is the result label for err.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, store.ErrConflict):
		return "conflict"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, store.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, store.ErrLifecycle):
		return "lifecycle"
	}
	return "error"
}
