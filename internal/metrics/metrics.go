package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "switchboard"

const (
	RejectFull   = "full"
	RejectClosed = "closed"
)

// Metrics holds every collector the delivery path updates. Components take a
// *Metrics explicitly; New(nil) builds unregistered collectors for tests.
type Metrics struct {
	FanoutMessages   *prometheus.CounterVec
	FanoutDeliveries *prometheus.CounterVec
	EnqueueRejected  *prometheus.CounterVec
	RecordsConsumed  prometheus.Counter
	PoisonMessages   prometheus.Counter
	ForeignRecords   prometheus.Counter
	FetchErrors      prometheus.Counter
	LiveConnections  prometheus.Gauge
	RegistryEntries  prometheus.Gauge
	GeneratedIDs     prometheus.Counter
	ClockRegressions prometheus.Counter
	HistoryFailures  *prometheus.CounterVec
	GatewaySubmits   *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FanoutMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fanout", Name: "messages_total",
			Help: "Backplane messages fanned out, by outcome (complete, partial, no_receivers).",
		}, []string{"outcome"}),
		FanoutDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fanout", Name: "deliveries_total",
			Help: "Per-connection enqueue attempts, by result (success, failed).",
		}, []string{"result"}),
		EnqueueRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbound", Name: "rejected_total",
			Help: "Notifications rejected by an outbound queue, by reason (full, closed).",
		}, []string{"reason"}),
		RecordsConsumed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "backplane", Name: "records_total",
			Help: "Backplane records handed to fan-out.",
		}),
		PoisonMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "backplane", Name: "poison_messages_total",
			Help: "Backplane records skipped because they could not be decoded.",
		}),
		ForeignRecords: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "backplane", Name: "foreign_records_total",
			Help: "Records dropped because their partition is outside the current assignment.",
		}),
		FetchErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "backplane", Name: "fetch_errors_total",
			Help: "Fetch errors reported by the log client.",
		}),
		LiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "registry", Name: "connections",
			Help: "Live connection handles registered.",
		}),
		RegistryEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "registry", Name: "entries",
			Help: "Approximate number of client identities with at least one live connection.",
		}),
		GeneratedIDs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "idgen", Name: "ids_total",
			Help: "Identifiers issued by this generator.",
		}),
		ClockRegressions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "idgen", Name: "clock_regressions_total",
			Help: "Generate calls failed because the wall clock moved backwards past the allowed wait.",
		}),
		HistoryFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "history", Name: "failures_total",
			Help: "History path failures, by stage (publish, decode, append).",
		}, []string{"stage"}),
		GatewaySubmits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "submits_total",
			Help: "Inbound websocket frames, by result (ok, invalid, error).",
		}, []string{"result"}),
	}
}

// OrNew returns m, or a set of unregistered collectors when m is nil.
func OrNew(m *Metrics) *Metrics {
	if m == nil {
		return New(nil)
	}
	return m
}
