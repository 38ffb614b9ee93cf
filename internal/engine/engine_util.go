package engine

import (
	"maps"
	"slices"
	"time"
)

func NewState(tripID int64, layout Layout, ttl time.Duration) State {
	return State{
		TripID: tripID,
		Layout: layout,
		TTL:    ttl,
		Locks:  map[int64]Lock{},
	}
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

// SortedLocks lists the locks by seat id.
func SortedLocks(s State) []Lock {
	ids := slices.Sorted(maps.Keys(s.Locks))
	out := make([]Lock, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.Locks[id])
	}
	return out
}

// LiveLocks lists the locks still held at t, by seat id.
func LiveLocks(s State, t time.Time) []Lock {
	out := []Lock{}
	for _, lk := range SortedLocks(s) {
		if lk.Live(t) {
			out = append(out, lk)
		}
	}
	return out
}

// Restore seeds s with previously persisted locks, relabelled for the
// current layout. Locks for seats outside the layout are skipped.
func Restore(s State, locks []Lock) State {
	next := cloneLocks(s.Locks)
	for _, lk := range locks {
		if !s.Layout.Valid(lk.SeatID) {
			continue
		}
		lk.SeatNumber = s.Layout.Label(lk.SeatID)
		next[lk.SeatID] = lk
	}
	return withLocks(s, next)
}

func cloneLocks(m map[int64]Lock) map[int64]Lock {
	out := make(map[int64]Lock, len(m)+1)
	maps.Copy(out, m)
	return out
}
