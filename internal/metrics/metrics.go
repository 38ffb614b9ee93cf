package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors shared by the booking client and the broker.
type Metrics struct {
	// seat events applied by the local store (type: SEAT_LOCKED/SEAT_UNLOCKED/ignored)
	EventsReceived *prometheus.CounterVec

	// broadcast or private-queue payloads that failed to decode (channel: topic/queue)
	MalformedPayloads *prometheus.CounterVec

	// outbound intents (destination, status: sent/not_connected/invalid/error)
	IntentsPublished *prometheus.CounterVec

	// transport reconnect attempts (result: success/failure)
	Reconnects *prometheus.CounterVec

	// 1 while the transport session is connected
	Connected prometheus.Gauge

	// seats expired locally before any unlock arrived
	LocalExpiries prometheus.Counter

	// broker-side lock decisions (command: lock/unlock/expire, outcome: granted/renewed/released/rejected)
	LockDecisions *prometheus.CounterVec

	// locks currently held per broker
	ActiveLocks prometheus.Gauge

	// open STOMP sessions on the broker
	Sessions prometheus.Gauge
}

func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seatsync_events_received_total",
				Help: "Seat events received on the trip topic",
			},
			[]string{"type"},
		),
		MalformedPayloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seatsync_malformed_payloads_total",
				Help: "Inbound payloads dropped because they could not be decoded",
			},
			[]string{"channel"},
		),
		IntentsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seatsync_intents_published_total",
				Help: "Lock and unlock intents by outcome",
			},
			[]string{"destination", "status"},
		),
		Reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seatsync_transport_dials_total",
				Help: "Transport dial attempts",
			},
			[]string{"result"},
		),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "seatsync_transport_connected",
			Help: "1 while the transport session is connected",
		}),
		LocalExpiries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seatsync_local_expiries_total",
			Help: "Seats dropped from the selection by the local expiry timer",
		}),
		LockDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seatsync_broker_lock_decisions_total",
				Help: "Broker lock arbitration results",
			},
			[]string{"command", "outcome"},
		),
		ActiveLocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "seatsync_broker_active_locks",
			Help: "Seat locks currently held on the broker",
		}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "seatsync_broker_sessions",
			Help: "Open STOMP sessions on the broker",
		}),
	}

	reg.MustRegister(
		m.EventsReceived,
		m.MalformedPayloads,
		m.IntentsPublished,
		m.Reconnects,
		m.Connected,
		m.LocalExpiries,
		m.LockDecisions,
		m.ActiveLocks,
		m.Sessions,
	)

	return m
}

// Discard returns collectors registered on a throwaway registry.
func Discard() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// Or returns m, or a discarding instance when m is nil.
func Or(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return Discard()
}
