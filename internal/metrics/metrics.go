package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Ingestion: трафик и латентность приема событий
	EventsIngested *prometheus.CounterVec
	IngestDuration *prometheus.HistogramVec

	// Registry: операции над агентами и их исход
	RegistryOps *prometheus.CounterVec

	// Storage: какой бэкенд выбран при старте (1 - активный)
	StorageBackend *prometheus.GaugeVec

	// Hub: соединения, отправленные сообщения и самоизлечение
	HubConnections prometheus.Gauge
	HubMessages    *prometheus.CounterVec
	HubDropped     prometheus.Counter

	// Emitter: исход отправок и состояние Circuit Breaker (0 - closed, 0.5 - half-open, 1 - open)
	EmitterSends *prometheus.CounterVec
	BreakerState *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		EventsIngested: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentwatch_events_ingested_total",
			Help: "Total number of ingested agent events.",
		}, []string{"type"}),

		IngestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentwatch_ingest_duration_seconds",
			Help:    "Histogram of event ingestion latencies.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"type", "status"}),

		RegistryOps: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentwatch_registry_operations_total",
			Help: "Registry operations by name and result.",
		}, []string{"op", "result"}), // result: ok, validation, not_found, error

		StorageBackend: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentwatch_storage_backend",
			Help: "Storage backend selected at startup (1 = active).",
		}, []string{"backend"}),

		HubConnections: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "agentwatch_hub_connections",
			Help: "Current number of live observer connections.",
		}),

		HubMessages: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentwatch_hub_messages_total",
			Help: "Messages published to observers by type.",
		}, []string{"type"}),

		HubDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "agentwatch_hub_dropped_connections_total",
			Help: "Connections removed after a failed delivery or heartbeat timeout.",
		}),

		EmitterSends: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentwatch_emitter_sends_total",
			Help: "Emitter delivery attempts by kind and result.",
		}, []string{"kind", "result"}), // result: ok, failed, breaker_open, shed, rejected

		BreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentwatch_emitter_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 0.5=half-open, 1=open).",
		}, []string{"breaker"}),
	}
}
