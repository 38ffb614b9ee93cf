package engine

import (
	"errors"
	"time"
)

var ErrSeatTaken = errors.New("seat already locked")
var ErrNotHolder = errors.New("seat locked by another holder")
var ErrNotLocked = errors.New("seat not locked")
var ErrUnknownSeat = errors.New("unknown seat")
var ErrMissingHolder = errors.New("missing holder")
var ErrUnsupportedCommand = errors.New("unsupported command")

type Lock struct {
	SeatID     int64
	SeatNumber string
	HolderID   string
	LockedAt   time.Time
	ExpiresAt  time.Time
}

// Live reports whether the lock still holds at t.
func (l Lock) Live(t time.Time) bool { return l.ExpiresAt.After(t) }

type State struct {
	TripID int64
	Layout Layout
	TTL    time.Duration
	Locks  map[int64]Lock
}

type CommandType string

const (
	CmdLock   CommandType = "Lock"
	CmdUnlock CommandType = "Unlock"
	CmdExpire CommandType = "Expire"
)

/*
	CmdLock   -> EvtSeatLocked (grant or renew)
	CmdUnlock -> EvtSeatUnlocked (released)
	CmdExpire -> EvtSeatUnlocked per lapsed lock (expired)
*/

type Command struct {
	Type     CommandType
	SeatID   int64
	HolderID string
	At       time.Time
}

type EventType string

const (
	EvtSeatLocked   EventType = "SeatLocked"
	EvtSeatUnlocked EventType = "SeatUnlocked"
)

type Reason string

const (
	ReasonGranted  Reason = "granted"
	ReasonRenewed  Reason = "renewed"
	ReasonReleased Reason = "released"
	ReasonExpired  Reason = "expired"
	// ReasonReplay marks current locks sent to a newly joined subscriber.
	ReasonReplay Reason = "replay"
)

type Event struct {
	Type   EventType
	TripID int64
	Reason Reason
	Lock   Lock
	At     time.Time
}

// Apply arbitrates one command. s is never mutated; a changed state gets
// its own lock map.
func Apply(s State, cmd Command) ([]Event, State, error) {
	switch cmd.Type {
	case CmdLock:
		if !s.Layout.Valid(cmd.SeatID) {
			return nil, s, ErrUnknownSeat
		}
		if cmd.HolderID == "" {
			return nil, s, ErrMissingHolder
		}

		reason := ReasonGranted
		lockedAt := cmd.At
		if cur, ok := s.Locks[cmd.SeatID]; ok && cur.Live(cmd.At) {
			if cur.HolderID != cmd.HolderID {
				return nil, s, ErrSeatTaken
			}
			reason = ReasonRenewed
			lockedAt = cur.LockedAt
		}

		lk := Lock{
			SeatID:     cmd.SeatID,
			SeatNumber: s.Layout.Label(cmd.SeatID),
			HolderID:   cmd.HolderID,
			LockedAt:   lockedAt,
			ExpiresAt:  cmd.At.Add(s.TTL),
		}
		newState := withLocks(s, cloneLocks(s.Locks))
		newState.Locks[cmd.SeatID] = lk
		return []Event{{Type: EvtSeatLocked, TripID: s.TripID, Reason: reason, Lock: lk, At: cmd.At}}, newState, nil

	case CmdUnlock:
		if !s.Layout.Valid(cmd.SeatID) {
			return nil, s, ErrUnknownSeat
		}
		cur, ok := s.Locks[cmd.SeatID]
		if !ok || !cur.Live(cmd.At) {
			return nil, s, ErrNotLocked
		}
		if cur.HolderID != cmd.HolderID {
			return nil, s, ErrNotHolder
		}

		newState := withLocks(s, cloneLocks(s.Locks))
		delete(newState.Locks, cmd.SeatID)
		return []Event{{Type: EvtSeatUnlocked, TripID: s.TripID, Reason: ReasonReleased, Lock: cur, At: cmd.At}}, newState, nil

	case CmdExpire:
		var events []Event
		next := s.Locks
		for _, lk := range SortedLocks(s) {
			if lk.Live(cmd.At) {
				continue
			}
			if events == nil {
				next = cloneLocks(s.Locks)
			}
			delete(next, lk.SeatID)
			events = append(events, Event{Type: EvtSeatUnlocked, TripID: s.TripID, Reason: ReasonExpired, Lock: lk, At: cmd.At})
		}
		return events, withLocks(s, next), nil

	default:
		return nil, s, ErrUnsupportedCommand
	}
}

// Reduce replays events onto an empty state for the trip.
func Reduce(tripID int64, layout Layout, ttl time.Duration, events []Event) State {
	s := NewState(tripID, layout, ttl)
	for _, event := range events {
		switch event.Type {
		case EvtSeatLocked:
			s.Locks[event.Lock.SeatID] = event.Lock
		case EvtSeatUnlocked:
			delete(s.Locks, event.Lock.SeatID)
		}
	}
	return s
}

func withLocks(s State, locks map[int64]Lock) State {
	s.Locks = locks
	return s
}
