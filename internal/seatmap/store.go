package seatmap

import (
	"context"
	"time"

	"github.com/DoyleJ11/seat-sync/pkg/protocol"
)

type Msg interface{ isStoreMsg() }

// Reset binds the store to a trip and empties it.
type Reset struct{ TripID int64 }

func (Reset) isStoreMsg() {}

// Clear unbinds the store from any trip.
type Clear struct{}

func (Clear) isStoreMsg() {}

// FromBroadcast carries one event received on the trip topic. Events for a
// trip other than the current one are dropped.
type FromBroadcast struct {
	TripID int64
	Event  protocol.SeatEvent
}

func (FromBroadcast) isStoreMsg() {}

// Expire is sent when the local countdown for a seat reaches zero.
type Expire struct {
	TripID    int64
	SeatID    int64
	ExpiresAt time.Time
}

func (Expire) isStoreMsg() {}

type Watch struct {
	ID     string
	Outbox chan Snapshot // capacity >= 1; only the latest snapshot is kept
}

func (Watch) isStoreMsg() {}

type Unwatch struct{ ID string }

func (Unwatch) isStoreMsg() {}

type GetSnapshot struct {
	Reply chan Snapshot
}

func (GetSnapshot) isStoreMsg() {}

type Shutdown struct{}

func (Shutdown) isStoreMsg() {}

// Snapshot is an immutable view; readers share it without copying.
type Snapshot struct {
	TripID  int64
	Version int
	Holder  string
	Locks   Locks
}

// Mine is the derived "seats held by the active identity".
func (s Snapshot) Mine() []SeatLock {
	return s.Locks.HeldBy(s.Holder)
}

func (s Snapshot) MySeatNumbers() []string {
	mine := s.Mine()
	out := make([]string, 0, len(mine))
	for _, lk := range mine {
		out = append(out, lk.SeatNumber)
	}
	return out
}

// LockOf returns the lock on seatID, if any.
func (s Snapshot) LockOf(seatID int64) (SeatLock, bool) {
	lk, ok := s.Locks[seatID]
	return lk, ok
}

// Store owns the trip-scoped lock collection. One goroutine applies every
// message in arrival order; nothing else writes to the collection.
type Store struct {
	inbox    chan Msg
	holder   string
	tripID   int64
	locks    Locks
	version  int
	watchers map[string]chan Snapshot
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewStore(parent context.Context, holder string) *Store {
	ctx, cancel := context.WithCancel(parent)

	s := &Store{
		inbox:    make(chan Msg, 64),
		holder:   holder,
		locks:    Locks{},
		watchers: make(map[string]chan Snapshot),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go s.loop()
	return s
}

func (s *Store) Inbox() chan<- Msg { return s.inbox }

// Done is closed after the loop exits.
func (s *Store) Done() <-chan struct{} { return s.done }

// Snapshot asks the loop for the current view. It returns the zero
// Snapshot once the store has stopped.
func (s *Store) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	if !s.Send(GetSnapshot{Reply: reply}) {
		return Snapshot{}
	}
	select {
	case snap := <-reply:
		return snap
	case <-s.done:
		return Snapshot{}
	}
}

// Send delivers m unless the store has stopped.
func (s *Store) Send(m Msg) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- m:
		return true
	case <-s.done:
		return false
	}
}

func (s *Store) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return

		case m := <-s.inbox:
			switch msg := m.(type) {
			case Reset:
				s.tripID = msg.TripID
				s.replace(Locks{})

			case Clear:
				s.tripID = 0
				s.replace(Locks{})

			case FromBroadcast:
				if s.tripID == 0 || msg.TripID != s.tripID {
					break
				}
				if next, changed := Apply(s.locks, s.tripID, msg.Event); changed {
					s.replace(next)
				}

			case Expire:
				if msg.TripID != s.tripID {
					break
				}
				if next, changed := ExpireLock(s.locks, msg.SeatID, msg.ExpiresAt); changed {
					s.replace(next)
				}

			case Watch:
				s.watchers[msg.ID] = msg.Outbox
				deliverLatest(msg.Outbox, s.snapshot())

			case Unwatch:
				delete(s.watchers, msg.ID)

			case GetSnapshot:
				msg.Reply <- s.snapshot()

			case Shutdown:
				s.shutdown()
				return
			}
		}
	}
}

func (s *Store) replace(next Locks) {
	s.locks = next
	s.version++
	snap := s.snapshot()
	for _, ch := range s.watchers {
		deliverLatest(ch, snap)
	}
}

func (s *Store) snapshot() Snapshot {
	return Snapshot{TripID: s.tripID, Version: s.version, Holder: s.holder, Locks: s.locks}
}

func (s *Store) shutdown() {
	for id, ch := range s.watchers {
		close(ch)
		delete(s.watchers, id)
	}
	s.cancel()
}

// deliverLatest replaces whatever the watcher has not read yet; snapshots
// are complete states so only the newest matters.
func deliverLatest(ch chan Snapshot, snap Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}
