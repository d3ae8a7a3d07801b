package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors shared by the call coordinator and the relay
type Metrics struct {
	// Peer metrics
	PeersActive  prometheus.Gauge
	PeerFailures prometheus.Counter

	// Negotiation metrics
	Negotiations       *prometheus.CounterVec
	OffersIgnored      prometheus.Counter
	Collisions         prometheus.Counter
	CandidatesBuffered prometheus.Counter
	CandidatesDropped  prometheus.Counter

	// Signaling metrics
	EnvelopesSent     *prometheus.CounterVec
	EnvelopesReceived *prometheus.CounterVec
	TransportErrors   *prometheus.CounterVec

	// Chat metrics
	ChatMessages *prometheus.CounterVec

	// Relay metrics
	RelayConnections prometheus.Gauge
	RelayFrames      *prometheus.CounterVec
}

// New registers every collector on reg. Passing nil keeps the collectors
// unregistered, which is what tests and embedded sessions want.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	labels := prometheus.Labels{"service": "meshcall"}

	return &Metrics{
		PeersActive: f.NewGauge(prometheus.GaugeOpts{
			Name:        "meshcall_peers_active",
			Help:        "Number of peer links currently held",
			ConstLabels: labels,
		}),
		PeerFailures: f.NewCounter(prometheus.CounterOpts{
			Name:        "meshcall_peer_failures_total",
			Help:        "Peer links torn down because the connection failed or disconnected",
			ConstLabels: labels,
		}),
		Negotiations: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "meshcall_negotiations_total",
			Help:        "Local offers attempted, by result",
			ConstLabels: labels,
		}, []string{"result"}),
		OffersIgnored: f.NewCounter(prometheus.CounterOpts{
			Name:        "meshcall_offers_ignored_total",
			Help:        "Remote offers ignored by the impolite side of a collision",
			ConstLabels: labels,
		}),
		Collisions: f.NewCounter(prometheus.CounterOpts{
			Name:        "meshcall_negotiation_collisions_total",
			Help:        "Remote offers that crossed a local offer on the polite side",
			ConstLabels: labels,
		}),
		CandidatesBuffered: f.NewCounter(prometheus.CounterOpts{
			Name:        "meshcall_candidates_buffered_total",
			Help:        "Remote ICE candidates buffered before a remote description",
			ConstLabels: labels,
		}),
		CandidatesDropped: f.NewCounter(prometheus.CounterOpts{
			Name:        "meshcall_candidates_dropped_total",
			Help:        "Remote ICE candidates dropped because the buffer was full",
			ConstLabels: labels,
		}),
		EnvelopesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "meshcall_envelopes_sent_total",
			Help:        "Signaling envelopes written, by payload type",
			ConstLabels: labels,
		}, []string{"type"}),
		EnvelopesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "meshcall_envelopes_received_total",
			Help:        "Signaling envelopes consumed, by payload type",
			ConstLabels: labels,
		}, []string{"type"}),
		TransportErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "meshcall_transport_errors_total",
			Help:        "Signaling transport failures, by operation",
			ConstLabels: labels,
		}, []string{"op"}),
		ChatMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "meshcall_chat_messages_total",
			Help:        "Chat messages, by direction",
			ConstLabels: labels,
		}, []string{"direction"}),
		RelayConnections: f.NewGauge(prometheus.GaugeOpts{
			Name:        "meshcall_relay_connections",
			Help:        "Open relay websocket connections",
			ConstLabels: labels,
		}),
		RelayFrames: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "meshcall_relay_frames_total",
			Help:        "Relay frames handled, by operation",
			ConstLabels: labels,
		}, []string{"op"}),
	}
}

// Nop returns unregistered collectors
func Nop() *Metrics {
	return New(nil)
}
