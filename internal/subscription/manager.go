// Package subscription keeps the trip topic and private reply queue
// subscribed across reconnects and feeds decoded events to the seat store.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/seat-sync/internal/logger"
	"github.com/DoyleJ11/seat-sync/internal/metrics"
	"github.com/DoyleJ11/seat-sync/internal/notify"
	"github.com/DoyleJ11/seat-sync/internal/seatmap"
	"github.com/DoyleJ11/seat-sync/internal/transport"
	"github.com/DoyleJ11/seat-sync/pkg/protocol"
)

var ErrInvalidTrip = errors.New("invalid trip id")

// Transport is the part of the session the manager drives.
type Transport interface {
	IsConnected() bool
	Subscribe(destination string) (transport.Subscription, error)
	Watch() (<-chan transport.Lifecycle, func())
}

// Sink receives store messages; *seatmap.Store satisfies it.
type Sink interface {
	Send(seatmap.Msg) bool
}

type Options struct {
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Notifier notify.Notifier
}

type Manager struct {
	transport Transport
	sink      Sink
	notifier  notify.Notifier
	log       *zap.Logger
	metrics   *metrics.Metrics

	// tripID is written under mu; pumps read it without locking.
	tripID atomic.Int64

	mu      sync.Mutex
	trip    *pump
	private *pump
}

type pump struct {
	sub  transport.Subscription
	stop chan struct{}
	done chan struct{}
}

func New(t Transport, sink Sink, opts Options) *Manager {
	n := opts.Notifier
	if n == nil {
		n = notify.Discard
	}
	return &Manager{
		transport: t,
		sink:      sink,
		notifier:  n,
		log:       logger.Or(opts.Logger).Named("subscription"),
		metrics:   metrics.Or(opts.Metrics),
	}
}

// CurrentTrip returns the trip the manager is bound to, or 0.
func (m *Manager) CurrentTrip() int64 {
	return m.tripID.Load()
}

// Subscribed reports whether a trip subscription is live on the wire.
func (m *Manager) Subscribed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trip != nil
}

// SubscribeToTrip makes tripID the only subscribed trip and resets the
// store to it. When the session is down the subscription is issued on the
// next Connected.
func (m *Manager) SubscribeToTrip(tripID int64) error {
	if tripID <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidTrip, tripID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tripID.Load() == tripID && (m.trip != nil || !m.transport.IsConnected()) {
		return nil
	}

	m.stopTripLocked()
	m.tripID.Store(tripID)
	m.sink.Send(seatmap.Reset{TripID: tripID})

	if !m.transport.IsConnected() {
		m.log.Info("trip subscription queued until connected", zap.Int64("trip_id", tripID))
		return nil
	}
	return m.subscribeTripLocked()
}

// UnsubscribeFromTrip stops the trip pump before returning and clears the
// store. It is a no-op when no trip is bound.
func (m *Manager) UnsubscribeFromTrip() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tripID.Load() == 0 && m.trip == nil {
		return
	}
	m.log.Info("unsubscribing from trip", zap.Int64("trip_id", m.tripID.Load()))
	m.stopTripLocked()
	m.tripID.Store(0)
	m.sink.Send(seatmap.Clear{})
}

// Run follows the session lifecycle until ctx is done, re-issuing the
// private queue and trip subscriptions after every connect.
func (m *Manager) Run(ctx context.Context) {
	events, cancel := m.transport.Watch()
	defer cancel()
	defer m.stopAll()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Connected {
				m.onConnected(ev.Generation)
			} else {
				m.onDisconnected()
			}
		}
	}
}

func (m *Manager) onConnected(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.log.Debug("session connected, resubscribing", zap.Uint64("generation", gen), zap.Int64("trip_id", m.tripID.Load()))

	m.stopPrivateLocked()
	if sub, err := m.transport.Subscribe(protocol.DestSeatResponse); err != nil {
		m.log.Warn("private queue subscribe failed", zap.Error(err))
	} else {
		m.private = m.startPump(sub, m.handleResponse)
	}

	if tripID := m.tripID.Load(); tripID != 0 {
		m.stopTripLocked()
		// locks released while we were offline are never broadcast; the join
		// replay rebuilds the cache from live locks only
		m.sink.Send(seatmap.Reset{TripID: tripID})
		if err := m.subscribeTripLocked(); err != nil {
			m.log.Warn("trip resubscribe failed", zap.Int64("trip_id", tripID), zap.Error(err))
		}
	}
}

func (m *Manager) onDisconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log.Info("session disconnected", zap.Int64("trip_id", m.tripID.Load()))
	m.stopPrivateLocked()
	m.stopTripLocked()
}

func (m *Manager) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopPrivateLocked()
	m.stopTripLocked()
}

func (m *Manager) subscribeTripLocked() error {
	tripID := m.tripID.Load()
	sub, err := m.transport.Subscribe(protocol.TripSeatsTopic(tripID))
	if err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			m.log.Info("trip subscription queued until connected", zap.Int64("trip_id", tripID))
			return nil
		}
		return err
	}
	m.trip = m.startPump(sub, func(msg transport.Message) { m.handleEvent(tripID, msg) })
	m.log.Info("subscribed to trip", zap.Int64("trip_id", tripID))
	return nil
}

func (m *Manager) stopTripLocked() {
	if m.trip != nil {
		m.trip.halt(m.log)
		m.trip = nil
	}
}

func (m *Manager) stopPrivateLocked() {
	if m.private != nil {
		m.private.halt(m.log)
		m.private = nil
	}
}

func (m *Manager) startPump(sub transport.Subscription, handle func(transport.Message)) *pump {
	p := &pump{sub: sub, stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(p.done)
		for {
			select {
			case <-p.stop:
				return
			case msg, ok := <-sub.C():
				if !ok {
					return
				}
				select {
				case <-p.stop:
					return
				default:
				}
				handle(msg)
			}
		}
	}()
	return p
}

// halt returns once the pump goroutine has exited; nothing it read after
// this point reaches the store.
func (p *pump) halt(log *zap.Logger) {
	close(p.stop)
	if err := p.sub.Unsubscribe(); err != nil {
		log.Debug("unsubscribe", zap.Error(err))
	}
	<-p.done
}

func (m *Manager) handleEvent(tripID int64, msg transport.Message) {
	if msg.Err != nil {
		m.log.Warn("trip subscription error", zap.Int64("trip_id", tripID), zap.Error(msg.Err))
		return
	}

	ev, err := protocol.DecodeSeatEvent(msg.Body)
	if err != nil {
		m.metrics.MalformedPayloads.WithLabelValues("trip").Inc()
		m.log.Warn("dropping malformed seat event",
			zap.Int64("trip_id", tripID),
			zap.ByteString("body", msg.Body),
			zap.Error(err),
		)
		return
	}

	m.metrics.EventsReceived.WithLabelValues(string(ev.Type)).Inc()
	if !ev.Known() {
		m.log.Debug("ignoring unknown seat event", zap.String("type", string(ev.Type)))
		return
	}
	m.sink.Send(seatmap.FromBroadcast{TripID: tripID, Event: ev})
}

func (m *Manager) handleResponse(msg transport.Message) {
	if msg.Err != nil {
		m.log.Warn("private queue error", zap.Error(msg.Err))
		return
	}

	resp, err := protocol.DecodeSeatResponse(msg.Body)
	if err != nil {
		m.metrics.MalformedPayloads.WithLabelValues("private").Inc()
		m.log.Warn("dropping malformed seat response", zap.ByteString("body", msg.Body), zap.Error(err))
		return
	}
	if resp.Success {
		m.log.Debug("seat request acknowledged", zap.String("message", resp.Message))
		return
	}

	text := resp.Message
	if text == "" {
		text = "Seat request was rejected"
	}
	m.notifier.Notify(notify.Notification{
		Kind:    notify.KindLockRejected,
		Level:   notify.LevelError,
		TripID:  m.CurrentTrip(),
		Message: text,
		At:      time.Now(),
	})
}
