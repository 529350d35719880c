package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Socket metrics
	SocketConnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "librelay_socket_connects_total",
			Help: "Number of successful socket connects",
		},
	)

	SocketReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "librelay_socket_reconnects_total",
			Help: "Number of reconnect attempts after unexpected closes",
		},
	)

	// Send pipeline metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "librelay_messages_sent_total",
			Help: "Messages encrypted and delivered, by recipient kind",
		},
		[]string{"kind"}, // device, user, sync
	)

	SendRecoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "librelay_send_recoveries_total",
			Help: "Recovered delivery failures, by cause",
		},
		[]string{"cause"}, // staleDevices, extraDevices, identityChange, sessionGone
	)

	SendLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "librelay_send_latency_seconds",
			Help:    "Wall time of one full send fan-out",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
	)

	// Receive pipeline metrics
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "librelay_messages_received_total",
			Help: "Inbound envelopes handled, by outcome",
		},
		[]string{"outcome"}, // message, receipt, readSync, queueEmpty, error
	)

	// Key material metrics
	PreKeysGenerated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "librelay_prekeys_generated_total",
			Help: "One-time prekeys generated and uploaded",
		},
	)
)
