package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Aggregate framework metrics
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpkid_commands_total",
			Help: "Total number of aggregate commands processed by kind and result",
		},
		[]string{"aggregate", "command", "result"},
	)

	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rpkid_command_duration_seconds",
			Help:    "Time taken to process an aggregate command",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"aggregate", "command"},
	)

	AppendConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpkid_event_store_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts on event append",
		},
		[]string{"aggregate"},
	)

	AggregateVersion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rpkid_aggregate_version",
			Help: "Current version (applied event count) of an aggregate",
		},
		[]string{"aggregate", "handle"},
	)

	// CA / object lifecycle metrics
	ManifestNumber = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rpkid_manifest_number",
			Help: "Current manifest number of a resource class's active key",
		},
		[]string{"ca", "class"},
	)

	CRLNumber = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rpkid_crl_number",
			Help: "Current CRL number of a resource class's active key",
		},
		[]string{"ca", "class"},
	)

	ROAsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rpkid_roas_total",
			Help: "Total number of ROAs held by a CA",
		},
		[]string{"ca"},
	)

	SigningDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rpkid_signing_duration_seconds",
			Help:    "Time taken to sign an RPKI object by object type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"object_type"},
	)

	KeyRollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpkid_key_rolls_total",
			Help: "Total number of key rollover stage transitions",
		},
		[]string{"ca", "class", "stage"},
	)

	// Repository / RRDP metrics
	RRDPSerial = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rpkid_rrdp_serial",
			Help: "Current RRDP serial number",
		},
		[]string{"repository"},
	)

	RRDPSessionResetsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rpkid_rrdp_session_resets_total",
			Help: "Total number of times the RRDP session id has been rotated",
		},
	)

	PublicationDeltaObjects = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rpkid_publication_delta_objects",
			Help:    "Number of publish/update/withdraw elements per publication delta",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 500},
		},
	)

	DeltasRetained = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rpkid_rrdp_deltas_retained",
			Help: "Number of RRDP deltas currently retained in the notification file",
		},
		[]string{"repository"},
	)

	// Protocol engine metrics
	UpDownRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpkid_updown_requests_total",
			Help: "Total number of RFC 6492 up-down requests by message type and result",
		},
		[]string{"message_type", "result"},
	)

	PublicationRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpkid_publication_requests_total",
			Help: "Total number of RFC 8181 publication requests by result",
		},
		[]string{"result"},
	)

	OutboundRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rpkid_outbound_request_duration_seconds",
			Help:    "Duration of outbound HTTPS calls to parents and repositories",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"peer_kind"},
	)

	// Scheduler metrics
	SchedulerTickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rpkid_scheduler_tick_duration_seconds",
			Help:    "Time taken for a scheduler tick by job kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	SchedulerRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpkid_scheduler_retries_total",
			Help: "Total number of scheduler job retries after a transient failure",
		},
		[]string{"job"},
	)
)

func init() {
	prometheus.MustRegister(
		CommandsTotal,
		CommandDuration,
		AppendConflictsTotal,
		AggregateVersion,
		ManifestNumber,
		CRLNumber,
		ROAsTotal,
		SigningDuration,
		KeyRollsTotal,
		RRDPSerial,
		RRDPSessionResetsTotal,
		PublicationDeltaObjects,
		DeltasRetained,
		UpDownRequestsTotal,
		PublicationRequestsTotal,
		OutboundRequestDuration,
		SchedulerTickDuration,
		SchedulerRetriesTotal,
	)
}

// Handler returns the Prometheus HTTP handler for the admin metrics
// endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
