package keepalive

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

type MockLocker struct {
	mock.Mock
	mu    sync.Mutex
	calls int
	seats map[int64]int
}

func (m *MockLocker) RequestLock(tripID, seatID int64, requesterID string) error {
	m.mu.Lock()
	m.calls++
	if m.seats == nil {
		m.seats = make(map[int64]int)
	}
	m.seats[seatID]++
	m.mu.Unlock()
	args := m.Called(tripID, seatID, requesterID)
	return args.Error(0)
}

func (m *MockLocker) countFor(seatID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seats[seatID]
}

func (m *MockLocker) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func TestRenewer_RenewsEverySeatEachInterval(t *testing.T) {
	locker := new(MockLocker)
	locker.On("RequestLock", int64(10), mock.AnythingOfType("int64"), "user_1").Return(nil)

	r := NewRenewer(locker, 40*time.Millisecond, zap.NewNop())
	r.Start(context.Background(), 10, Fixed(3, 4), "user_1")
	assert.True(t, r.Active())

	time.Sleep(100 * time.Millisecond)
	r.Stop()
	assert.False(t, r.Active())

	// two ticks x two seats
	assert.Equal(t, 4, locker.count())
	locker.AssertCalled(t, "RequestLock", int64(10), int64(3), "user_1")
	locker.AssertCalled(t, "RequestLock", int64(10), int64(4), "user_1")
}

func TestRenewer_StartTwiceReplaces(t *testing.T) {
	locker := new(MockLocker)
	locker.On("RequestLock", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	r := NewRenewer(locker, 50*time.Millisecond, zap.NewNop())
	defer r.Stop()

	r.Start(context.Background(), 1, Fixed(7), "u")
	r.Start(context.Background(), 1, Fixed(7), "u")

	time.Sleep(175 * time.Millisecond)
	n := locker.count()

	// one cycle ticks three times in 175ms; two stacked cycles would tick six
	assert.GreaterOrEqual(t, n, 2)
	assert.LessOrEqual(t, n, 4)
}

func TestRenewer_StopIsTotal(t *testing.T) {
	locker := new(MockLocker)
	locker.On("RequestLock", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	r := NewRenewer(locker, 20*time.Millisecond, zap.NewNop())
	r.Start(context.Background(), 1, Fixed(1, 2, 3), "u")
	time.Sleep(50 * time.Millisecond)
	r.Stop()
	r.Stop()

	after := locker.count()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, locker.count())
}

func TestRenewer_ContextCancelStopsCycle(t *testing.T) {
	locker := new(MockLocker)
	locker.On("RequestLock", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	r := NewRenewer(locker, 10*time.Millisecond, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx, 1, Fixed(1), "u")
	cancel()

	time.Sleep(30 * time.Millisecond)
	n := locker.count()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, n, locker.count())
	r.Stop()
}

func TestRenewer_FailuresDoNotStopCycle(t *testing.T) {
	locker := new(MockLocker)
	locker.On("RequestLock", mock.Anything, mock.Anything, mock.Anything).Return(assert.AnError)

	r := NewRenewer(locker, 15*time.Millisecond, zap.NewNop())
	r.Start(context.Background(), 1, Fixed(1), "u")
	defer r.Stop()

	assert.Eventually(t, func() bool { return locker.count() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestRenewer_EmptySeatsOnlyStops(t *testing.T) {
	locker := new(MockLocker)
	r := NewRenewer(locker, time.Hour, zap.NewNop())

	r.Start(context.Background(), 1, Fixed(1), "u")
	assert.True(t, r.Active())

	r.Start(context.Background(), 1, nil, "u")
	assert.False(t, r.Active())

	r.Start(context.Background(), 1, Fixed(1), "u")
	r.Start(context.Background(), 1, Fixed(), "u")
	assert.False(t, r.Active())
	locker.AssertNotCalled(t, "RequestLock", mock.Anything, mock.Anything, mock.Anything)
}

func TestRenewer_ReadsSeatsEveryCycle(t *testing.T) {
	locker := new(MockLocker)
	locker.On("RequestLock", int64(1), mock.AnythingOfType("int64"), "u").Return(nil)

	var mu sync.Mutex
	held := []int64{3, 4}
	seats := func() []int64 {
		mu.Lock()
		defer mu.Unlock()
		return append([]int64(nil), held...)
	}

	r := NewRenewer(locker, 20*time.Millisecond, zap.NewNop())
	r.Start(context.Background(), 1, seats, "u")
	defer r.Stop()

	assert.Eventually(t, func() bool { return locker.count() >= 2 }, time.Second, 5*time.Millisecond)

	// seat 3 released during checkout
	mu.Lock()
	held = []int64{4}
	mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	released, kept := locker.countFor(3), locker.countFor(4)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, released, locker.countFor(3))
	assert.Greater(t, locker.countFor(4), kept)

	// nothing held: the cycle stays up but sends nothing
	mu.Lock()
	held = nil
	mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	n := locker.count()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, n, locker.count())
	assert.True(t, r.Active())
}
