package monitoring

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kennteohstorehub/sh-hackaton-sub004/models"
)

var (
	waitingEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_waiting_entries_total",
			Help: "Current waiting entries per queue",
		},
		[]string{"queue_id"},
	)

	calledEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_called_entries_total",
			Help: "Current called entries per queue",
		},
		[]string{"queue_id"},
	)

	notificationsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_delivered_total",
			Help: "Events pushed to live connections",
		},
		[]string{"event_type"},
	)

	notificationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_dropped_total",
			Help: "Events dropped before delivery",
		},
		[]string{"reason"},
	)

	sessionRecoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_recoveries_total",
			Help: "Session recovery attempts",
		},
		[]string{"result"},
	)

	graceRestores = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grace_restores_total",
			Help: "Grace-period rejoin attempts",
		},
		[]string{"result"},
	)

	liveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "live_connections_total",
			Help: "Currently open live channels",
		},
	)
)

func TrackDelivery(eventType string) {
	notificationsDelivered.WithLabelValues(eventType).Inc()
}

func TrackDrop(reason string) {
	notificationsDropped.WithLabelValues(reason).Inc()
}

func TrackRecovery(result string) {
	sessionRecoveries.WithLabelValues(result).Inc()
}

func TrackRestore(result string) {
	graceRestores.WithLabelValues(result).Inc()
}

func SetLiveConnections(n int) {
	liveConnections.Set(float64(n))
}

// QueueStatsSource is the slice of the entry store the monitor reads.
type QueueStatsSource interface {
	QueueIDs() []string
	Stats(queueID string) models.QueueStats
}

type Monitor struct {
	source QueueStatsSource
}

func NewMonitor(source QueueStatsSource) *Monitor {
	return &Monitor{source: source}
}

// Run refreshes the per-queue gauges until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.collectQueueMetrics()
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) collectQueueMetrics() {
	for _, queueID := range m.source.QueueIDs() {
		stats := m.source.Stats(queueID)
		waitingEntries.WithLabelValues(queueID).Set(float64(stats.WaitingCount))
		calledEntries.WithLabelValues(queueID).Set(float64(stats.CalledCount))
	}
}
