package keepalive

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/seat-sync/internal/logger"
)

// Locker re-issues a lock intent.
type Locker interface {
	RequestLock(tripID, seatID int64, requesterID string) error
}

// Seats reports the seat ids to renew. It is read on every cycle so seats
// released or expired during checkout are not locked again.
type Seats func() []int64

// Fixed renews the same seats every cycle.
func Fixed(ids ...int64) Seats {
	ids = slices.Clone(ids)
	return func() []int64 { return ids }
}

// Renewer re-publishes lock intents for the seats in checkout so the
// broker's lock does not lapse. At most one cycle runs at a time.
type Renewer struct {
	locker   Locker
	interval time.Duration
	log      *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRenewer(l Locker, interval time.Duration, log *zap.Logger) *Renewer {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	return &Renewer{
		locker:   l,
		interval: interval,
		log:      logger.Or(log).Named("keepalive"),
	}
}

// Start replaces any running cycle with one renewing whatever seats reports
// at each tick. A nil source, or one that is empty right now, only stops the
// previous cycle.
func (r *Renewer) Start(ctx context.Context, tripID int64, seats Seats, requesterID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopLocked()
	if seats == nil {
		return
	}
	initial := seats()
	if len(initial) == 0 {
		return
	}

	cycleCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done

	r.log.Info("keep-alive started",
		zap.Int64("trip_id", tripID),
		zap.Int64s("seat_ids", initial),
		zap.Duration("interval", r.interval),
	)
	go r.loop(cycleCtx, done, tripID, seats, requesterID)
}

// Stop cancels the running cycle and waits for it to exit.
func (r *Renewer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *Renewer) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

func (r *Renewer) stopLocked() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.cancel = nil
	r.done = nil
}

func (r *Renewer) loop(ctx context.Context, done chan struct{}, tripID int64, seats Seats, requesterID string) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Debug("keep-alive stopped", zap.Int64("trip_id", tripID))
			return
		case <-ticker.C:
			r.renew(ctx, tripID, seats(), requesterID)
		}
	}
}

func (r *Renewer) renew(ctx context.Context, tripID int64, seats []int64, requesterID string) {
	if len(seats) == 0 {
		r.log.Debug("nothing to renew", zap.Int64("trip_id", tripID))
		return
	}
	for _, seatID := range seats {
		if ctx.Err() != nil {
			return
		}
		if err := r.locker.RequestLock(tripID, seatID, requesterID); err != nil {
			r.log.Warn("lock renewal failed",
				zap.Int64("trip_id", tripID),
				zap.Int64("seat_id", seatID),
				zap.Error(err),
			)
		}
	}
}
