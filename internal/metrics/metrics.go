package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pac_agent_requests_total",
			Help: "Total number of proxied requests.",
		},
		[]string{"method", "domain", "route"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pac_agent_request_duration_seconds",
			Help:    "Request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	BytesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pac_agent_bytes_sent_total",
			Help: "Total bytes sent to clients.",
		},
		[]string{"route"},
	)

	BytesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pac_agent_bytes_received_total",
			Help: "Total bytes received from clients.",
		},
		[]string{"route"},
	)

	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pac_agent_active_connections",
			Help: "Number of currently active proxy connections.",
		},
	)

	PACFetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pac_agent_pac_fetch_total",
			Help: "PAC source fetches by outcome (changed, identical, unchanged, error).",
		},
		[]string{"result"},
	)

	PACReloadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pac_agent_pac_reload_total",
			Help: "Count of PAC script compilations.",
		},
		[]string{"status"},
	)

	ResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pac_agent_resolutions_total",
			Help: "PAC resolutions by selected directive type, or the failing stage.",
		},
		[]string{"result"},
	)

	UpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pac_agent_upstream_errors_total",
			Help: "Count of errors connecting through the selected route.",
		},
		[]string{"route", "upstream"},
	)
)

// All collects all metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		RequestsTotal,
		RequestDuration,
		BytesSent,
		BytesReceived,
		ActiveConnections,
		PACFetchTotal,
		PACReloadTotal,
		ResolutionsTotal,
		UpstreamErrors,
	}
}

// RegisterOn registers all metrics on the given registry.
func RegisterOn(reg prometheus.Registerer) {
	for _, c := range All() {
		reg.MustRegister(c)
	}
}

// Register registers all metrics on the default registry.
func Register() {
	RegisterOn(prometheus.DefaultRegisterer)
}
