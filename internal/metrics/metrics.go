// Package metrics defines the relay's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tracking_relay"

// Result label values.
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultRejected = "rejected"
	ResultSkipped  = "skipped"
)

var (
	LoginAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "login_attempts_total",
		Help:      "Upstream login requests by result.",
	}, []string{"result"})

	PollCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_cycles_total",
		Help:      "Position poll cycles by result.",
	}, []string{"result"})

	PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "poll_duration_seconds",
		Help:      "Latency of upstream lastposition requests.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	CachedDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cached_devices",
		Help:      "Devices in the current fleet snapshot.",
	})

	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connected_clients",
		Help:      "Clients currently attached to the gateway.",
	})

	ClientQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "client_queries_total",
		Help:      "Device tracking queries by result.",
	}, []string{"result"})

	AddressChanges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "address_changes_total",
		Help:      "Detected changes of the relay's network address.",
	})

	DroppedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dropped_messages_total",
		Help:      "Messages discarded because a client's queue was full.",
	})
)
