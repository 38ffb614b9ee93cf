package seatmap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvSnapshot(t *testing.T, ch <-chan Snapshot, within time.Duration) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		if !ok {
			t.Fatalf("watcher outbox closed unexpectedly")
		}
		return snap
	case <-time.After(within):
		t.Fatalf("timed out waiting for snapshot")
		return Snapshot{}
	}
}

func newStore(t *testing.T, holder string) *Store {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewStore(ctx, holder)
}

func TestStore_LockThenUnlock(t *testing.T) {
	s := newStore(t, "user_1")
	s.Inbox() <- Reset{TripID: 10}
	s.Inbox() <- FromBroadcast{TripID: 10, Event: locked(5, "A5", "user_1", time.Now().Add(15*time.Minute))}

	snap := s.Snapshot()
	require.Len(t, snap.Locks, 1)
	assert.Equal(t, "user_1", snap.Locks[5].HolderID)
	assert.Equal(t, []string{"A5"}, snap.MySeatNumbers())

	s.Inbox() <- FromBroadcast{TripID: 10, Event: unlocked(5)}
	snap = s.Snapshot()
	assert.Empty(t, snap.Locks)
	assert.Empty(t, snap.MySeatNumbers())
}

func TestStore_DropsEventsForOtherTrips(t *testing.T) {
	s := newStore(t, "u")
	s.Inbox() <- Reset{TripID: 1}
	s.Inbox() <- FromBroadcast{TripID: 1, Event: locked(1, "A1", "x", t0)}
	s.Inbox() <- Reset{TripID: 2}
	s.Inbox() <- FromBroadcast{TripID: 1, Event: locked(2, "A2", "x", t0)}
	s.Inbox() <- FromBroadcast{TripID: 2, Event: locked(3, "A3", "x", t0)}

	snap := s.Snapshot()
	assert.Equal(t, int64(2), snap.TripID)
	require.Len(t, snap.Locks, 1)
	assert.Contains(t, snap.Locks, int64(3))
}

func TestStore_ClearAndIgnoreAfterwards(t *testing.T) {
	s := newStore(t, "u")
	s.Inbox() <- Reset{TripID: 10}
	s.Inbox() <- FromBroadcast{TripID: 10, Event: locked(3, "A3", "u", t0)}
	s.Inbox() <- Clear{}
	s.Inbox() <- FromBroadcast{TripID: 10, Event: locked(4, "A4", "u", t0)}

	snap := s.Snapshot()
	assert.Zero(t, snap.TripID)
	assert.Empty(t, snap.Locks)
}

func TestStore_ExpireOnlyMatchingLock(t *testing.T) {
	s := newStore(t, "u")
	exp := t0.Add(time.Minute)
	s.Inbox() <- Reset{TripID: 10}
	s.Inbox() <- FromBroadcast{TripID: 10, Event: locked(3, "A3", "u", exp)}
	s.Inbox() <- Expire{TripID: 10, SeatID: 3, ExpiresAt: exp.Add(-time.Second)}
	require.Len(t, s.Snapshot().Mine(), 1)

	s.Inbox() <- Expire{TripID: 10, SeatID: 3, ExpiresAt: exp}
	assert.Empty(t, s.Snapshot().Mine())
}

func TestStore_WatchGetsLatest(t *testing.T) {
	s := newStore(t, "u")
	out := make(chan Snapshot, 1)
	s.Inbox() <- Watch{ID: "w", Outbox: out}

	initial := recvSnapshot(t, out, 100*time.Millisecond)
	assert.Equal(t, 0, initial.Version)

	s.Inbox() <- Reset{TripID: 10}
	for i := int64(1); i <= 5; i++ {
		s.Inbox() <- FromBroadcast{TripID: 10, Event: locked(i, "S", "u", t0)}
	}
	final := s.Snapshot()

	got := recvSnapshot(t, out, 100*time.Millisecond)
	assert.Equal(t, final.Version, got.Version, "watcher should only see the newest snapshot")
	assert.Len(t, got.Mine(), 5)
}

func TestStore_SnapshotsAreImmutable(t *testing.T) {
	s := newStore(t, "u")
	s.Inbox() <- Reset{TripID: 10}
	s.Inbox() <- FromBroadcast{TripID: 10, Event: locked(1, "A1", "u", t0)}
	before := s.Snapshot()

	s.Inbox() <- FromBroadcast{TripID: 10, Event: unlocked(1)}
	after := s.Snapshot()

	assert.Len(t, before.Locks, 1)
	assert.Empty(t, after.Locks)
	assert.Greater(t, after.Version, before.Version)
}

func TestStore_ShutdownClosesWatchers(t *testing.T) {
	s := newStore(t, "u")
	out := make(chan Snapshot, 1)
	s.Inbox() <- Watch{ID: "w", Outbox: out}
	_ = recvSnapshot(t, out, 100*time.Millisecond)

	s.Inbox() <- Shutdown{}
	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("outbox not closed on shutdown")
	}
	<-s.Done()
	assert.Equal(t, Snapshot{}, s.Snapshot())
	assert.False(t, s.Send(Clear{}))
}
