package subscription_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DoyleJ11/seat-sync/internal/metrics"
	"github.com/DoyleJ11/seat-sync/internal/notify"
	"github.com/DoyleJ11/seat-sync/internal/seatmap"
	"github.com/DoyleJ11/seat-sync/internal/subscription"
	"github.com/DoyleJ11/seat-sync/internal/transport"
	"github.com/DoyleJ11/seat-sync/internal/transport/transporttest"
	"github.com/DoyleJ11/seat-sync/pkg/protocol"
)

const wait = 2 * time.Second

type fixture struct {
	broker   *transporttest.Broker
	session  *transport.Session
	store    *seatmap.Store
	manager  *subscription.Manager
	metrics  *metrics.Metrics
	notified notify.Chan
}

func newFixture(t *testing.T, connect bool) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	b := transporttest.NewBroker()
	s := transport.NewSession(b, transport.Options{
		RetryDelay:    10 * time.Millisecond,
		MaxRetryDelay: 20 * time.Millisecond,
		Logger:        zap.NewNop(),
	})
	st := seatmap.NewStore(ctx, "user_1")
	m := metrics.Discard()
	n := make(notify.Chan, 8)
	mgr := subscription.New(s, st, subscription.Options{Logger: zap.NewNop(), Metrics: m, Notifier: n})

	runDone := make(chan struct{})
	go func() {
		mgr.Run(ctx)
		close(runDone)
	}()
	t.Cleanup(func() {
		cancel()
		<-runDone
		s.Disconnect()
	})

	f := &fixture{broker: b, session: s, store: st, manager: mgr, metrics: m, notified: n}
	if connect {
		f.connect(t)
	}
	return f
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	f.session.Connect(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	require.NoError(t, f.session.WaitConnected(ctx))
}

func (f *fixture) waitSubscribers(t *testing.T, dest string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return f.broker.Subscribers(dest) == n },
		wait, 5*time.Millisecond, "subscribers on %s", dest)
}

func lockedJSON(seatID int64, holder string) []byte {
	return []byte(fmt.Sprintf(
		`{"type":"SEAT_LOCKED","seatId":%d,"seatNumber":"A%d","lockedBy":%q,"timestamp":"2026-01-01T10:00:00Z","lockExpiry":"2026-01-01T10:15:00Z"}`,
		seatID, seatID, holder))
}

func unlockedJSON(seatID int64) []byte {
	return []byte(fmt.Sprintf(`{"type":"SEAT_UNLOCKED","seatId":%d}`, seatID))
}

func TestManager_AppliesBroadcasts(t *testing.T) {
	f := newFixture(t, true)
	topic := protocol.TripSeatsTopic(10)

	require.NoError(t, f.manager.SubscribeToTrip(10))
	f.waitSubscribers(t, topic, 1)

	f.broker.Publish(topic, lockedJSON(3, "user_2"))
	require.Eventually(t, func() bool { return len(f.store.Snapshot().Locks) == 1 }, wait, 5*time.Millisecond)

	snap := f.store.Snapshot()
	assert.Equal(t, int64(10), snap.TripID)
	assert.Equal(t, "user_2", snap.Locks[3].HolderID)
	assert.Equal(t, "A3", snap.Locks[3].SeatNumber)

	f.broker.Publish(topic, unlockedJSON(3))
	require.Eventually(t, func() bool { return len(f.store.Snapshot().Locks) == 0 }, wait, 5*time.Millisecond)
}

func TestManager_SingleTripSubscription(t *testing.T) {
	f := newFixture(t, true)
	a, b := protocol.TripSeatsTopic(1), protocol.TripSeatsTopic(2)

	require.NoError(t, f.manager.SubscribeToTrip(1))
	f.waitSubscribers(t, a, 1)
	f.broker.Publish(a, lockedJSON(5, "user_2"))
	require.Eventually(t, func() bool { return len(f.store.Snapshot().Locks) == 1 }, wait, 5*time.Millisecond)

	require.NoError(t, f.manager.SubscribeToTrip(2))
	assert.Equal(t, 0, f.broker.Subscribers(a))
	f.waitSubscribers(t, b, 1)

	assert.Zero(t, f.broker.Publish(a, lockedJSON(6, "user_2")))
	f.broker.Publish(b, lockedJSON(7, "user_3"))
	require.Eventually(t, func() bool { return len(f.store.Snapshot().Locks) == 1 }, wait, 5*time.Millisecond)

	snap := f.store.Snapshot()
	assert.Equal(t, int64(2), snap.TripID)
	assert.Contains(t, snap.Locks, int64(7))
	assert.NotContains(t, snap.Locks, int64(5))
}

func TestManager_SubscribeSameTripTwice(t *testing.T) {
	f := newFixture(t, true)
	topic := protocol.TripSeatsTopic(4)

	require.NoError(t, f.manager.SubscribeToTrip(4))
	require.NoError(t, f.manager.SubscribeToTrip(4))
	f.waitSubscribers(t, topic, 1)
}

func TestManager_LateEventAfterUnsubscribe(t *testing.T) {
	f := newFixture(t, true)
	topic := protocol.TripSeatsTopic(10)

	require.NoError(t, f.manager.SubscribeToTrip(10))
	f.waitSubscribers(t, topic, 1)

	f.manager.UnsubscribeFromTrip()
	assert.Zero(t, f.broker.Publish(topic, lockedJSON(3, "user_2")))

	snap := f.store.Snapshot()
	assert.Zero(t, snap.TripID)
	assert.Empty(t, snap.Locks)
	assert.Zero(t, f.manager.CurrentTrip())

	// second call is a no-op
	f.manager.UnsubscribeFromTrip()
}

func TestManager_QueuesUntilConnected(t *testing.T) {
	f := newFixture(t, false)
	topic := protocol.TripSeatsTopic(9)

	require.NoError(t, f.manager.SubscribeToTrip(9))
	assert.False(t, f.manager.Subscribed())
	assert.Equal(t, int64(9), f.store.Snapshot().TripID)

	f.connect(t)
	f.waitSubscribers(t, topic, 1)
	assert.True(t, f.manager.Subscribed())
}

func TestManager_ResubscribesAfterReconnect(t *testing.T) {
	f := newFixture(t, true)
	topic := protocol.TripSeatsTopic(10)

	require.NoError(t, f.manager.SubscribeToTrip(10))
	f.waitSubscribers(t, topic, 1)
	f.waitSubscribers(t, protocol.DestSeatResponse, 1)

	f.broker.Drop()

	require.Eventually(t, func() bool { return f.broker.Dials() >= 2 }, wait, 5*time.Millisecond)
	f.waitSubscribers(t, topic, 1)
	f.waitSubscribers(t, protocol.DestSeatResponse, 1)

	f.broker.Publish(topic, lockedJSON(8, "user_2"))
	require.Eventually(t, func() bool {
		_, ok := f.store.Snapshot().LockOf(8)
		return ok
	}, wait, 5*time.Millisecond)
}

func TestManager_ReconnectRebuildsStoreFromReplay(t *testing.T) {
	f := newFixture(t, true)
	topic := protocol.TripSeatsTopic(10)

	require.NoError(t, f.manager.SubscribeToTrip(10))
	f.waitSubscribers(t, topic, 1)
	f.broker.Publish(topic, lockedJSON(5, "user_2"))
	f.broker.Publish(topic, lockedJSON(6, "user_1"))
	require.Eventually(t, func() bool { return len(f.store.Snapshot().Locks) == 2 }, wait, 5*time.Millisecond)

	// seat 5 was released while we were away; only seat 6 is still live
	f.broker.OnSubscribe(func(dest string) {
		if dest == topic {
			f.broker.Publish(topic, lockedJSON(6, "user_1"))
		}
	})
	f.broker.Drop()

	require.Eventually(t, func() bool {
		snap := f.store.Snapshot()
		_, stale := snap.LockOf(5)
		_, live := snap.LockOf(6)
		return f.broker.Dials() >= 2 && !stale && live
	}, wait, 5*time.Millisecond)
	snap := f.store.Snapshot()
	assert.Equal(t, int64(10), snap.TripID)
	assert.Len(t, snap.Locks, 1)
	assert.Equal(t, []string{"A6"}, snap.MySeatNumbers())
}

func TestManager_MalformedAndUnknownPayloads(t *testing.T) {
	f := newFixture(t, true)
	topic := protocol.TripSeatsTopic(10)

	require.NoError(t, f.manager.SubscribeToTrip(10))
	f.waitSubscribers(t, topic, 1)

	f.broker.Publish(topic, []byte(`{not json`))
	f.broker.Publish(topic, []byte(`{"type":"SEAT_SOLD","seatId":1}`))
	f.broker.Publish(topic, lockedJSON(2, "user_2"))

	require.Eventually(t, func() bool { return len(f.store.Snapshot().Locks) == 1 }, wait, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MalformedPayloads.WithLabelValues("trip")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EventsReceived.WithLabelValues("SEAT_SOLD")))
	assert.NotContains(t, f.store.Snapshot().Locks, int64(1))
}

func TestManager_RejectionBecomesNotification(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.manager.SubscribeToTrip(10))
	f.waitSubscribers(t, protocol.DestSeatResponse, 1)

	f.broker.Publish(protocol.DestSeatResponse, []byte(`{"success":true}`))
	f.broker.Publish(protocol.DestSeatResponse, []byte(`{"success":false,"message":"Seat already locked"}`))

	select {
	case n := <-f.notified:
		assert.Equal(t, notify.KindLockRejected, n.Kind)
		assert.Equal(t, notify.LevelError, n.Level)
		assert.Equal(t, "Seat already locked", n.Message)
		assert.Equal(t, int64(10), n.TripID)
	case <-time.After(wait):
		t.Fatalf("no rejection notification")
	}

	select {
	case n := <-f.notified:
		t.Fatalf("unexpected notification %+v", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManager_RejectsInvalidTrip(t *testing.T) {
	f := newFixture(t, false)
	assert.ErrorIs(t, f.manager.SubscribeToTrip(0), subscription.ErrInvalidTrip)
}
