package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	openConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chronosync_transport_open_connections",
		Help: "Realtime connections currently registered",
	})

	droppedMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chronosync_transport_dropped_messages_total",
		Help: "Outbound messages dropped because a connection's send queue was full",
	})

	messagesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chronosync_transport_messages_received_total",
		Help: "Inbound realtime messages by type",
	}, []string{"type"})

	malformedMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chronosync_transport_malformed_messages_total",
		Help: "Inbound realtime messages dropped as malformed",
	})

	connectionsReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chronosync_transport_connections_reaped_total",
		Help: "Connections force-closed after missing the pong deadline",
	})
)
