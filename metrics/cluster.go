package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ruteri/secret-store-cluster/interfaces"
)

const subsystemCluster = "cluster"

// ClusterMetrics tracks administrative sessions, peer messages and the
// observed key server set.
type ClusterMetrics struct {
	sessionsStarted   *prometheus.CounterVec
	sessionsCompleted *prometheus.CounterVec
	activeSessions    *prometheus.GaugeVec
	messagesReceived  *prometheus.CounterVec
	messagesSent      *prometheus.CounterVec
	keyServers        *prometheus.GaugeVec
	migrationActive   prometheus.Gauge
}

// NewClusterMetrics creates the collectors and registers them. A nil
// registerer leaves them unregistered.
func NewClusterMetrics(namespace string, registerer prometheus.Registerer) *ClusterMetrics {
	m := &ClusterMetrics{
		sessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemCluster,
			Name:      "sessions_started_total",
			Help:      "Administrative sessions started, by kind and role.",
		}, []string{"kind", "role"}),
		sessionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemCluster,
			Name:      "sessions_completed_total",
			Help:      "Administrative sessions completed, by kind and result.",
		}, []string{"kind", "result"}),
		activeSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemCluster,
			Name:      "active_sessions",
			Help:      "Administrative sessions currently registered.",
		}, []string{"kind"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemCluster,
			Name:      "messages_received_total",
			Help:      "Cluster messages received, by message type and result.",
		}, []string{"type", "result"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemCluster,
			Name:      "messages_sent_total",
			Help:      "Cluster messages sent, by message type and result.",
		}, []string{"type", "result"}),
		keyServers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemCluster,
			Name:      "key_servers",
			Help:      "Number of key servers in each set.",
		}, []string{"set"}),
		migrationActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemCluster,
			Name:      "migration_active",
			Help:      "1 while a key server set migration is in progress.",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.sessionsStarted,
			m.sessionsCompleted,
			m.activeSessions,
			m.messagesReceived,
			m.messagesSent,
			m.keyServers,
			m.migrationActive,
		)
	}
	return m
}

// SessionStarted counts a new session.
func (m *ClusterMetrics) SessionStarted(kind interfaces.SessionKind, isMaster bool) {
	role := "slave"
	if isMaster {
		role = "master"
	}
	m.sessionsStarted.WithLabelValues(string(kind), role).Inc()
	m.activeSessions.WithLabelValues(string(kind)).Inc()
}

// SessionCompleted counts a session leaving the registry.
func (m *ClusterMetrics) SessionCompleted(kind interfaces.SessionKind, err error) {
	m.sessionsCompleted.WithLabelValues(string(kind), result(err)).Inc()
	m.activeSessions.WithLabelValues(string(kind)).Dec()
}

// MessageReceived counts an inbound message.
func (m *ClusterMetrics) MessageReceived(messageType string, err error) {
	m.messagesReceived.WithLabelValues(messageType, result(err)).Inc()
}

// MessageSent counts an outbound message.
func (m *ClusterMetrics) MessageSent(messageType string, err error) {
	m.messagesSent.WithLabelValues(messageType, result(err)).Inc()
}

// KeyServerSetUpdated records the sizes of the observed sets.
func (m *ClusterMetrics) KeyServerSetUpdated(snapshot interfaces.KeyServerSetSnapshot) {
	m.keyServers.WithLabelValues("current").Set(float64(len(snapshot.CurrentSet)))
	m.keyServers.WithLabelValues("new").Set(float64(len(snapshot.NewSet)))
	if snapshot.Migration != nil {
		m.keyServers.WithLabelValues("migration").Set(float64(len(snapshot.Migration.Set)))
		m.migrationActive.Set(1)
	} else {
		m.keyServers.WithLabelValues("migration").Set(0)
		m.migrationActive.Set(0)
	}
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
