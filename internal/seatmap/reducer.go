package seatmap

import (
	"maps"
	"slices"
	"time"

	"github.com/DoyleJ11/seat-sync/pkg/protocol"
)

// SeatLock is the client's view of one lock, rebuilt from broadcasts.
type SeatLock struct {
	TripID     int64
	SeatID     int64
	SeatNumber string
	HolderID   string
	LockedAt   time.Time
	ExpiresAt  time.Time
}

// Locks maps seat id to its lock. Values handed out by the store are never
// mutated; every change produces a new map.
type Locks map[int64]SeatLock

// Apply folds one broadcast event into locks. It reports whether anything
// changed. locks itself is left untouched.
func Apply(locks Locks, tripID int64, ev protocol.SeatEvent) (Locks, bool) {
	switch ev.Type {
	case protocol.EventSeatLocked:
		next := SeatLock{
			TripID:     tripID,
			SeatID:     ev.SeatID,
			SeatNumber: ev.SeatNumber,
			HolderID:   ev.Holder(),
			LockedAt:   ev.Timestamp.Time,
			ExpiresAt:  ev.LockExpiry.Time,
		}
		if cur, ok := locks[ev.SeatID]; ok && sameLock(cur, next) {
			return locks, false
		}
		out := clone(locks)
		out[ev.SeatID] = next
		return out, true

	case protocol.EventSeatUnlocked:
		if _, ok := locks[ev.SeatID]; !ok {
			return locks, false
		}
		out := clone(locks)
		delete(out, ev.SeatID)
		return out, true

	default:
		return locks, false
	}
}

// ExpireLock drops seatID if its lock still carries expiresAt. A lock renewed
// in the meantime has a later expiry and is kept.
func ExpireLock(locks Locks, seatID int64, expiresAt time.Time) (Locks, bool) {
	cur, ok := locks[seatID]
	if !ok || cur.ExpiresAt.After(expiresAt) {
		return locks, false
	}
	out := clone(locks)
	delete(out, seatID)
	return out, true
}

// HeldBy returns the locks owned by holder ordered by seat id.
func (l Locks) HeldBy(holder string) []SeatLock {
	var out []SeatLock
	for _, lk := range l {
		if lk.HolderID == holder {
			out = append(out, lk)
		}
	}
	slices.SortFunc(out, func(a, b SeatLock) int {
		switch {
		case a.SeatID < b.SeatID:
			return -1
		case a.SeatID > b.SeatID:
			return 1
		}
		return 0
	})
	return out
}

func sameLock(a, b SeatLock) bool {
	return a.TripID == b.TripID &&
		a.SeatID == b.SeatID &&
		a.SeatNumber == b.SeatNumber &&
		a.HolderID == b.HolderID &&
		a.LockedAt.Equal(b.LockedAt) &&
		a.ExpiresAt.Equal(b.ExpiresAt)
}

func clone(l Locks) Locks {
	if l == nil {
		return Locks{}
	}
	return maps.Clone(l)
}
