package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus registry and the arbiter meters.
type Metrics struct {
	Registry          *prometheus.Registry
	OperationDuration *prometheus.HistogramVec
	OperationTotal    *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec
	ProbeDuration     *prometheus.HistogramVec
	ArbitrationTotal  *prometheus.CounterVec
	ClaimedPorts      prometheus.Gauge
	Modems            *prometheus.GaugeVec
}

// NewMetrics creates a custom Prometheus registry with the mm_* metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	opDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mm_operation_duration_seconds",
		Help:    "Duration of operations in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "status"})

	opTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_operation_total",
		Help: "Total number of operations.",
	}, []string{"operation", "status"})

	errorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_errors_total",
		Help: "Total number of errors by kind.",
	}, []string{"operation", "kind"})

	probeDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mm_probe_duration_seconds",
		Help:    "Duration of single port probes in seconds.",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10, 30},
	}, []string{"subsystem", "result"})

	arbitrationTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_arbitration_total",
		Help: "Arbitration cycles by terminal outcome.",
	}, []string{"outcome"})

	claimedPorts := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mm_claimed_ports",
		Help: "Ports currently claimed by a modem.",
	})

	modems := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mm_modems",
		Help: "Modems currently tracked by state.",
	}, []string{"state"})

	reg.MustRegister(opDuration, opTotal, errorsTotal, probeDuration, arbitrationTotal, claimedPorts, modems)

	return &Metrics{
		Registry:          reg,
		OperationDuration: opDuration,
		OperationTotal:    opTotal,
		ErrorsTotal:       errorsTotal,
		ProbeDuration:     probeDuration,
		ArbitrationTotal:  arbitrationTotal,
		ClaimedPorts:      claimedPorts,
		Modems:            modems,
	}
}
