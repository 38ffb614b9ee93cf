package booking

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/seat-sync/internal/notify"
	"github.com/DoyleJ11/seat-sync/internal/seatmap"
	"github.com/DoyleJ11/seat-sync/internal/timers"
)

const selectionWatcher = "booking.selection"

// trackSelection keeps one countdown per held seat. A trip change drops
// every timer before the new trip's seats are counted.
func (c *Client) trackSelection(ctx context.Context) {
	ch := make(chan seatmap.Snapshot, 1)
	if !c.store.Send(seatmap.Watch{ID: selectionWatcher, Outbox: ch}) {
		return
	}
	defer c.store.Send(seatmap.Unwatch{ID: selectionWatcher})

	var trip int64
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			if snap.TripID != trip {
				c.bank.StopAll()
				c.resetSelection()
				trip = snap.TripID
			}
			c.bank.Sync(c.countable(snap.Mine()))
		}
	}
}

// countable filters out holds whose countdown already fired but whose
// Expire has not reached the store yet. It also forgets expired and
// releasing seats the store no longer lists.
func (c *Client) countable(mine []seatmap.SeatLock) []timers.Seat {
	c.selMu.Lock()
	defer c.selMu.Unlock()

	seen := make(map[int64]bool, len(mine))
	seats := make([]timers.Seat, 0, len(mine))
	for _, lk := range mine {
		seen[lk.SeatID] = true
		if at, ok := c.expired[lk.SeatID]; ok && at.Equal(lk.ExpiresAt) {
			continue
		}
		seats = append(seats, timers.Seat{ID: lk.SeatID, Number: lk.SeatNumber, ExpiresAt: lk.ExpiresAt})
	}
	for id := range c.expired {
		if !seen[id] {
			delete(c.expired, id)
		}
	}
	for id := range c.releasing {
		if !seen[id] {
			delete(c.releasing, id)
		}
	}
	return seats
}

// renewable lists the seats keep-alive should lock again: held per the
// store, not expired locally and not being released.
func (c *Client) renewable() []int64 {
	mine := c.store.Snapshot().Mine()

	c.selMu.Lock()
	defer c.selMu.Unlock()
	ids := make([]int64, 0, len(mine))
	for _, lk := range mine {
		if c.releasing[lk.SeatID] {
			continue
		}
		if at, ok := c.expired[lk.SeatID]; ok && at.Equal(lk.ExpiresAt) {
			continue
		}
		ids = append(ids, lk.SeatID)
	}
	return ids
}

func (c *Client) setReleasing(seatID int64, releasing bool) {
	c.selMu.Lock()
	defer c.selMu.Unlock()
	if !releasing {
		delete(c.releasing, seatID)
		return
	}
	if c.releasing == nil {
		c.releasing = make(map[int64]bool)
	}
	c.releasing[seatID] = true
}

func (c *Client) resetSelection() {
	c.selMu.Lock()
	c.expired = nil
	c.releasing = nil
	c.selMu.Unlock()
}

// OnTick implements timers.Handler.
func (c *Client) OnTick(t timers.Tick) {
	if c.onTick != nil {
		c.onTick(t)
	}
}

func (c *Client) OnWarning(t timers.Tick) {
	c.notifier.Notify(notify.Notification{
		Kind:    notify.KindSeatExpiring,
		Level:   notify.LevelWarning,
		TripID:  c.manager.CurrentTrip(),
		SeatID:  t.SeatID,
		Message: fmt.Sprintf("Seat %s lock expires in %s", tickLabel(t), t.Display()),
		At:      c.now(),
	})
}

// OnExpired drops the seat from the local selection. The broker runs its
// own TTL, so no unlock intent is sent.
func (c *Client) OnExpired(t timers.Tick) {
	tripID := c.manager.CurrentTrip()
	c.selMu.Lock()
	if c.expired == nil {
		c.expired = make(map[int64]time.Time)
	}
	c.expired[t.SeatID] = t.ExpiresAt
	c.selMu.Unlock()

	c.metrics.LocalExpiries.Inc()
	c.log.Info("seat lock expired locally",
		zap.Int64("trip_id", tripID),
		zap.Int64("seat_id", t.SeatID),
	)
	c.store.Send(seatmap.Expire{TripID: tripID, SeatID: t.SeatID, ExpiresAt: t.ExpiresAt})
	c.notifier.Notify(notify.Notification{
		Kind:    notify.KindSeatExpired,
		Level:   notify.LevelWarning,
		TripID:  tripID,
		SeatID:  t.SeatID,
		Message: fmt.Sprintf("Seat %s lock expired", tickLabel(t)),
		At:      c.now(),
	})
}

func seatLabel(lk seatmap.SeatLock) string {
	if lk.SeatNumber != "" {
		return lk.SeatNumber
	}
	return fmt.Sprintf("#%d", lk.SeatID)
}

func tickLabel(t timers.Tick) string {
	if t.SeatNumber != "" {
		return t.SeatNumber
	}
	return fmt.Sprintf("#%d", t.SeatID)
}
