// Package metrics provides Prometheus metrics for discovery and device control.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	discoveryPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netaudio",
		Subsystem: "discovery",
		Name:      "packets_total",
		Help:      "mDNS packets received, by decode result",
	}, []string{"result"})

	discoveryRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netaudio",
		Subsystem: "discovery",
		Name:      "records_total",
		Help:      "Service records decoded, by service type",
	}, []string{"service"})

	discoveryDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "netaudio",
		Subsystem: "discovery",
		Name:      "events_dropped_total",
		Help:      "Advertisement events dropped because the processing queue was full",
	})

	discoveryRebinds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "netaudio",
		Subsystem: "discovery",
		Name:      "rebinds_total",
		Help:      "Multicast socket re-binds after errors",
	})

	registryDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "netaudio",
		Subsystem: "registry",
		Name:      "devices",
		Help:      "Fully known devices in the registry",
	})

	registryLost = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netaudio",
		Subsystem: "registry",
		Name:      "devices_lost_total",
		Help:      "Devices removed from the registry, by reason",
	}, []string{"reason"})

	controlRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netaudio",
		Subsystem: "control",
		Name:      "requests_total",
		Help:      "Control requests, by opcode and outcome",
	}, []string{"opcode", "outcome"})

	controlLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "netaudio",
		Subsystem: "control",
		Name:      "request_duration_seconds",
		Help:      "Round-trip time of control requests that received a response",
		Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"opcode"})

	controlConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "netaudio",
		Subsystem: "control",
		Name:      "connections",
		Help:      "Open control connections",
	})

	subscriptionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netaudio",
		Subsystem: "control",
		Name:      "subscription_transitions_total",
		Help:      "Subscription state transitions, by new state",
	}, []string{"state"})
)

// Packet decode results
const (
	PacketOK        = "ok"
	PacketMalformed = "malformed"
	PacketIgnored   = "ignored"
)

// Request outcomes
const (
	OutcomeOK             = "ok"
	OutcomeRejected       = "rejected"
	OutcomeTimeout        = "timeout"
	OutcomeConnectionLost = "connection_lost"
	OutcomeCanceled       = "canceled"
)

// ObservePacket counts one received discovery packet.
func ObservePacket(result string) {
	discoveryPackets.WithLabelValues(result).Inc()
}

// ObserveRecord counts one decoded service record.
func ObserveRecord(service string) {
	discoveryRecords.WithLabelValues(service).Inc()
}

// ObserveDroppedEvent counts an advertisement event that could not be queued.
func ObserveDroppedEvent() {
	discoveryDropped.Inc()
}

// ObserveRebind counts a listener socket re-bind.
func ObserveRebind() {
	discoveryRebinds.Inc()
}

// SetDevices sets the number of complete devices.
func SetDevices(n int) {
	registryDevices.Set(float64(n))
}

// ObserveDeviceLost counts a registry eviction.
func ObserveDeviceLost(reason string) {
	registryLost.WithLabelValues(reason).Inc()
}

// ObserveRequest records the outcome of a control request. Latency is only
// recorded for requests that received a response.
func ObserveRequest(opcode, outcome string, elapsed time.Duration) {
	controlRequests.WithLabelValues(opcode, outcome).Inc()
	if outcome == OutcomeOK || outcome == OutcomeRejected {
		controlLatency.WithLabelValues(opcode).Observe(elapsed.Seconds())
	}
}

// ConnectionOpened increments the open connection gauge.
func ConnectionOpened() { controlConnections.Inc() }

// ConnectionClosed decrements the open connection gauge.
func ConnectionClosed() { controlConnections.Dec() }

// ObserveSubscription counts a subscription state transition.
func ObserveSubscription(state string) {
	subscriptionTransitions.WithLabelValues(state).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
