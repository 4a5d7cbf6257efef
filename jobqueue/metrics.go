package jobqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are the Prometheus counterparts of Queue's atomic counters,
// exported for worker fleets that scrape /metrics rather than poll
// Snapshot. Grounded on jordigilh-kubernaut's promauto.NewCounter idiom;
// the teacher's own go.mod lists client_golang as a direct dependency
// with no call site, so this is the concern it was always meant to serve.
type metrics struct {
	claimedTotal   prometheus.Counter
	completedTotal prometheus.Counter
	failedTotal    prometheus.Counter
}

// newMetrics registers the jobqueue counters against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with
// prometheus.DefaultRegisterer across parallel test binaries.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		claimedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "deeprun_jobqueue_claimed_total",
			Help: "Total number of run_jobs rows claimed by any worker.",
		}),
		completedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "deeprun_jobqueue_completed_total",
			Help: "Total number of run_jobs rows marked complete.",
		}),
		failedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "deeprun_jobqueue_failed_total",
			Help: "Total number of run_jobs rows marked failed.",
		}),
	}
}
