package tunnel

import "github.com/udmo/udmo/commons/metrics"

// Metrics tracks engine-level counters. Every silent drop is counted
// locally; none of it is observable on the wire.
type Metrics struct {
	UDPBytesIn      metrics.Counter
	UDPBytesOut     metrics.Counter
	PayloadBytesIn  metrics.Counter
	PayloadBytesOut metrics.Counter

	DropDecode     metrics.Counter
	DropAuth       metrics.Counter
	DropReplay     metrics.Counter
	DropRateLimit  metrics.Counter
	DropStale      metrics.Counter
	DropNoSession  metrics.Counter
	DropUnexpected metrics.Counter

	// AmplificationSuppressed counts replies withheld because they
	// would have exceeded the triggering datagram.
	AmplificationSuppressed metrics.Counter

	HandshakesAccepted metrics.Counter
	Displacements      metrics.Counter
	LivenessExpiries   metrics.Counter
	PingsAnswered      metrics.Counter

	HandshakeRTT *metrics.LatencySampler
}

// NewMetrics builds a metrics block with the RTT sampler attached.
func NewMetrics() *Metrics {
	return &Metrics{HandshakeRTT: metrics.NewLatencySampler(64)}
}
