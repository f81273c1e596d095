package relay

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectedSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connected_sessions",
		Help: "Number of sessions currently registered in a room",
	})

	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_rooms",
		Help: "Number of rooms currently in the registry",
	})

	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Total registry events processed by type",
	}, []string{"type"})

	EventProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_event_processing_seconds",
		Help:    "Time to process each registry event type",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	FileBytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_file_bytes_received_total",
		Help: "Total file payload bytes accepted by the file sub-protocol",
	})
)

func init() {
	prometheus.MustRegister(ConnectedSessions)
	prometheus.MustRegister(ActiveRooms)
	prometheus.MustRegister(MessagesTotal)
	prometheus.MustRegister(EventProcessingDuration)
	prometheus.MustRegister(FileBytesReceived)
}
