package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/casare-rpa/orchestrator/pkg/events"
	"github.com/casare-rpa/orchestrator/pkg/models"
)

// Metrics exposes orchestration counters and gauges to Prometheus. Values
// are fed from the event bus so every component that publishes is covered
// without direct coupling.
type Metrics struct {
	jobsByStatus *prometheus.CounterVec
	queueDepth   prometheus.Gauge
	heartbeats   *prometheus.CounterVec
	wsClients    *prometheus.GaugeVec
}

// NewMetrics builds and registers the collectors on the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsByStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "job_status_transitions_total",
			Help:      "Job status transitions observed on the event bus.",
		}, []string{"status"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Name:      "queue_depth",
			Help:      "Currently visible pending jobs.",
		}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "robot_heartbeats_total",
			Help:      "Robot heartbeats received, by reported status.",
		}, []string{"status"}),
		wsClients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Name:      "websocket_clients",
			Help:      "Connected WebSocket clients per hub.",
		}, []string{"hub"}),
	}
	reg.MustRegister(m.jobsByStatus, m.queueDepth, m.heartbeats, m.wsClients)
	return m
}

// Observe wires the metrics to the event bus.
func (m *Metrics) Observe(bus *events.Bus) {
	bus.Subscribe(models.EventJobStatusChanged, func(e models.Event) {
		if ev, ok := e.(models.JobStatusChanged); ok {
			m.jobsByStatus.WithLabelValues(string(ev.Status)).Inc()
		}
	})
	bus.Subscribe(models.EventQueueDepthChanged, func(e models.Event) {
		if ev, ok := e.(models.QueueDepthChanged); ok {
			m.queueDepth.Set(float64(ev.Depth))
		}
	})
	bus.Subscribe(models.EventRobotHeartbeat, func(e models.Event) {
		if ev, ok := e.(models.RobotHeartbeat); ok {
			m.heartbeats.WithLabelValues(string(ev.Status)).Inc()
		}
	})
}

// ClientConnected tracks a WebSocket client joining a hub.
func (m *Metrics) ClientConnected(hub string) {
	m.wsClients.WithLabelValues(hub).Inc()
}

// ClientDisconnected tracks a WebSocket client leaving a hub.
func (m *Metrics) ClientDisconnected(hub string) {
	m.wsClients.WithLabelValues(hub).Dec()
}
