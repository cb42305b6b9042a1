package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the orchestration process.
type Metrics struct {
	// Store metrics
	storeCacheHits   prometheus.Counter
	storeCacheMisses prometheus.Counter
	storeColdReads   *prometheus.CounterVec
	storeUnavailable prometheus.Counter

	// Module loader metrics
	modulesResident     prometheus.Gauge
	modulesResidentByte prometheus.Gauge
	moduleLoads         *prometheus.CounterVec
	moduleUnloads       *prometheus.CounterVec
	moduleEvictions     prometheus.Counter
	budgetRejections    prometheus.Counter

	// Orchestration loop metrics
	executionsInFlight prometheus.Gauge
	cascadeQueueDepth  prometheus.Gauge
	submissionsTotal   *prometheus.CounterVec
	cascadeDropsTotal  prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance with all engine metrics registered on
// a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		storeCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cascata_store_cache_hits_total",
			Help: "Warm-tier playbook lookups served from the in-memory cache",
		}),
		storeCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cascata_store_cache_misses_total",
			Help: "Playbook lookups that fell through to the persistent tier",
		}),
		storeColdReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cascata_store_cold_reads_total",
			Help: "Persistent-tier reads by result",
		}, []string{"result"}),
		storeUnavailable: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cascata_store_unavailable_total",
			Help: "Lookups downgraded to a miss after the persistent tier stayed unreachable",
		}),
		modulesResident: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cascata_modules_resident",
			Help: "Number of currently resident resource modules",
		}),
		modulesResidentByte: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cascata_modules_resident_bytes",
			Help: "Estimated resident bytes held by loaded modules",
		}),
		moduleLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cascata_module_loads_total",
			Help: "Module load attempts by result",
		}, []string{"result"}),
		moduleUnloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cascata_module_unloads_total",
			Help: "Module unloads by reason (idle, evicted, shutdown)",
		}, []string{"reason"}),
		moduleEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cascata_module_evictions_total",
			Help: "Zero-reference modules evicted to make room under the resident budget",
		}),
		budgetRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cascata_module_budget_rejections_total",
			Help: "Acquire calls rejected because the resident budget could not be satisfied",
		}),
		executionsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cascata_executions_in_flight",
			Help: "Execution contexts currently running",
		}),
		cascadeQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cascata_cascade_queue_depth",
			Help: "Cascade submissions waiting for a worker",
		}),
		submissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cascata_submissions_total",
			Help: "Submissions by origin (root, cascade) and terminal status",
		}, []string{"origin", "status"}),
		cascadeDropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cascata_cascade_drops_total",
			Help: "Cascade submissions shed under backpressure",
		}),
		registry: registry,
	}

	registry.MustRegister(
		m.storeCacheHits, m.storeCacheMisses, m.storeColdReads, m.storeUnavailable,
		m.modulesResident, m.modulesResidentByte, m.moduleLoads, m.moduleUnloads,
		m.moduleEvictions, m.budgetRejections,
		m.executionsInFlight, m.cascadeQueueDepth, m.submissionsTotal, m.cascadeDropsTotal,
	)

	return m
}

// Handler returns an HTTP handler serving the registry in Prometheus format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Store metric helpers.

func (m *Metrics) RecordCacheHit()  { m.storeCacheHits.Inc() }
func (m *Metrics) RecordCacheMiss() { m.storeCacheMisses.Inc() }
func (m *Metrics) RecordColdRead(result string) {
	m.storeColdReads.WithLabelValues(result).Inc()
}
func (m *Metrics) RecordStoreUnavailable() { m.storeUnavailable.Inc() }

// Loader metric helpers.

func (m *Metrics) SetResidentModules(count int, bytes int64) {
	m.modulesResident.Set(float64(count))
	m.modulesResidentByte.Set(float64(bytes))
}
func (m *Metrics) RecordModuleLoad(result string) {
	m.moduleLoads.WithLabelValues(result).Inc()
}
func (m *Metrics) RecordModuleUnload(reason string) {
	m.moduleUnloads.WithLabelValues(reason).Inc()
}
func (m *Metrics) RecordModuleEviction()  { m.moduleEvictions.Inc() }
func (m *Metrics) RecordBudgetRejection() { m.budgetRejections.Inc() }

// Loop metric helpers.

func (m *Metrics) SetInFlight(count int)   { m.executionsInFlight.Set(float64(count)) }
func (m *Metrics) SetQueueDepth(depth int) { m.cascadeQueueDepth.Set(float64(depth)) }
func (m *Metrics) RecordSubmission(origin, status string) {
	m.submissionsTotal.WithLabelValues(origin, status).Inc()
}
func (m *Metrics) RecordCascadeDrop() { m.cascadeDropsTotal.Inc() }
