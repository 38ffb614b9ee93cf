package publisher

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/DoyleJ11/seat-sync/internal/logger"
	"github.com/DoyleJ11/seat-sync/internal/metrics"
	"github.com/DoyleJ11/seat-sync/internal/transport"
	"github.com/DoyleJ11/seat-sync/pkg/protocol"
)

// Sender is the part of the transport session the publisher needs.
type Sender interface {
	Send(destination string, body []byte) error
	IsConnected() bool
}

// Publisher emits lock and unlock intents. It never changes local state;
// the broadcast that follows is the only confirmation.
type Publisher struct {
	sender  Sender
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(s Sender, log *zap.Logger, m *metrics.Metrics) *Publisher {
	return &Publisher{
		sender:  s,
		log:     logger.Or(log).Named("publisher"),
		metrics: metrics.Or(m),
	}
}

func (p *Publisher) RequestLock(tripID, seatID int64, requesterID string) error {
	return p.publish(protocol.DestSeatLock, tripID, seatID, requesterID)
}

func (p *Publisher) RequestUnlock(tripID, seatID int64, requesterID string) error {
	return p.publish(protocol.DestSeatUnlock, tripID, seatID, requesterID)
}

func (p *Publisher) publish(dest string, tripID, seatID int64, requesterID string) error {
	req := protocol.LockRequest{TripID: tripID, SeatID: seatID, UserID: requesterID}
	if err := req.Validate(); err != nil {
		p.metrics.IntentsPublished.WithLabelValues(dest, "invalid").Inc()
		return err
	}

	if !p.sender.IsConnected() {
		p.log.Warn("intent not sent: not connected",
			zap.String("destination", dest),
			zap.Int64("trip_id", tripID),
			zap.Int64("seat_id", seatID),
		)
		p.metrics.IntentsPublished.WithLabelValues(dest, "not_connected").Inc()
		return transport.ErrNotConnected
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode lock request: %w", err)
	}

	if err := p.sender.Send(dest, body); err != nil {
		status := "error"
		if errors.Is(err, transport.ErrNotConnected) {
			status = "not_connected"
		}
		p.metrics.IntentsPublished.WithLabelValues(dest, status).Inc()
		return err
	}

	p.metrics.IntentsPublished.WithLabelValues(dest, "sent").Inc()
	p.log.Debug("intent sent",
		zap.String("destination", dest),
		zap.Int64("trip_id", tripID),
		zap.Int64("seat_id", seatID),
	)
	return nil
}
