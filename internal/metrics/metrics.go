package metrics

import "github.com/prometheus/client_golang/prometheus"

// QueueMetrics a collection of metrics the transport exposes per queue pair
type QueueMetrics struct {
	// SubmissionsTotal counts commands written to a submission ring.
	SubmissionsTotal *prometheus.CounterVec
	// CompletionsTotal counts completions consumed from a completion ring.
	CompletionsTotal *prometheus.CounterVec
	// RetriesTotal counts device-requested command retries.
	RetriesTotal *prometheus.CounterVec
	// DeferredTotal counts submissions parked because no tracker was free
	// or the queue pair was disabled.
	DeferredTotal *prometheus.CounterVec
	// AbortsTotal counts trackers completed synthetically on enable,
	// disable, fail or teardown, or after a failed payload build.
	AbortsTotal *prometheus.CounterVec
	// AdminRoutedTotal counts admin completions forwarded to another
	// process's pending queue.
	AdminRoutedTotal *prometheus.CounterVec
	// OutstandingTrackers shows trackers currently on the outstanding list.
	OutstandingTrackers *prometheus.GaugeVec
}

var Metrics QueueMetrics

func init() {
	Metrics.SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nvme_qpair_submissions_total",
			Help: "Commands written to the submission ring.",
		},
		[]string{"qid"},
	)
	Metrics.CompletionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nvme_qpair_completions_total",
			Help: "Completions consumed from the completion ring.",
		},
		[]string{"qid"},
	)
	Metrics.RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nvme_qpair_retries_total",
			Help: "Device-requested command retries.",
		},
		[]string{"qid"},
	)
	Metrics.DeferredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nvme_qpair_deferred_total",
			Help: "Submissions parked on the deferred queue.",
		},
		[]string{"qid"},
	)
	Metrics.AbortsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nvme_qpair_aborts_total",
			Help: "Trackers completed synthetically.",
		},
		[]string{"qid"},
	)
	Metrics.AdminRoutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nvme_admin_routed_total",
			Help: "Admin completions forwarded to another process.",
		},
		[]string{"qid"},
	)
	Metrics.OutstandingTrackers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nvme_qpair_outstanding_trackers",
			Help: "Trackers currently on the outstanding list.",
		},
		[]string{"qid"},
	)

	// Metrics have to be registered to be exposed:
	prometheus.MustRegister(Metrics.SubmissionsTotal)
	prometheus.MustRegister(Metrics.CompletionsTotal)
	prometheus.MustRegister(Metrics.RetriesTotal)
	prometheus.MustRegister(Metrics.DeferredTotal)
	prometheus.MustRegister(Metrics.AbortsTotal)
	prometheus.MustRegister(Metrics.AdminRoutedTotal)
	prometheus.MustRegister(Metrics.OutstandingTrackers)
}
