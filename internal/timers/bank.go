package timers

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// Tick describes one countdown step for a held seat.
type Tick struct {
	SeatID     int64
	SeatNumber string
	ExpiresAt  time.Time
	Remaining  time.Duration
}

func (t Tick) Display() string { return FormatRemaining(t.Remaining) }

// FormatRemaining renders m:ss with zero-padded seconds.
func FormatRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}

type Handler interface {
	OnTick(Tick)
	OnWarning(Tick)
	OnExpired(Tick)
}

// Funcs adapts plain functions to Handler; nil fields are skipped.
type Funcs struct {
	Tick    func(Tick)
	Warning func(Tick)
	Expired func(Tick)
}

func (f Funcs) OnTick(t Tick) {
	if f.Tick != nil {
		f.Tick(t)
	}
}

func (f Funcs) OnWarning(t Tick) {
	if f.Warning != nil {
		f.Warning(t)
	}
}

func (f Funcs) OnExpired(t Tick) {
	if f.Expired != nil {
		f.Expired(t)
	}
}

// Seat is what the bank needs to count down one hold.
type Seat struct {
	ID        int64
	Number    string
	ExpiresAt time.Time
}

type Options struct {
	Interval   time.Duration
	WarnBefore time.Duration
	Now        func() time.Time
}

// Bank keeps one cancellable countdown per seat id.
type Bank struct {
	handler    Handler
	interval   time.Duration
	warnBefore time.Duration
	now        func() time.Time

	mu     sync.Mutex
	timers map[int64]*timer
}

type timer struct {
	seat   Seat
	warned bool
	stop   chan struct{}
	once   sync.Once
}

func (t *timer) cancel() { t.once.Do(func() { close(t.stop) }) }

func (t *timer) stopped() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

func NewBank(h Handler, opts Options) *Bank {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.WarnBefore <= 0 {
		opts.WarnBefore = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Bank{
		handler:    h,
		interval:   opts.Interval,
		warnBefore: opts.WarnBefore,
		now:        opts.Now,
		timers:     make(map[int64]*timer),
	}
}

// Start begins counting down seat. A running timer with the same expiry is
// left alone; a different expiry restarts it. Seats without an expiry are
// not tracked.
func (b *Bank) Start(seat Seat) {
	if seat.ExpiresAt.IsZero() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if cur, ok := b.timers[seat.ID]; ok {
		if cur.seat.ExpiresAt.Equal(seat.ExpiresAt) {
			return
		}
		cur.cancel()
	}
	t := &timer{seat: seat, stop: make(chan struct{})}
	b.timers[seat.ID] = t
	go b.run(t)
}

func (b *Bank) Stop(seatID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.timers[seatID]; ok {
		t.cancel()
		delete(b.timers, seatID)
	}
}

func (b *Bank) StopAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, t := range b.timers {
		t.cancel()
		delete(b.timers, id)
	}
}

// Sync makes the running timers match seats exactly.
func (b *Bank) Sync(seats []Seat) {
	want := make(map[int64]bool, len(seats))
	for _, s := range seats {
		if s.ExpiresAt.IsZero() {
			continue
		}
		want[s.ID] = true
		b.Start(s)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, t := range b.timers {
		if !want[id] {
			t.cancel()
			delete(b.timers, id)
		}
	}
}

// Active lists the seat ids with a running countdown.
func (b *Bank) Active() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int64, 0, len(b.timers))
	for id := range b.timers {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (b *Bank) run(t *timer) {
	// first tick right away so a lapsed hold is dropped without waiting
	if !b.tick(t) {
		return
	}
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if !b.tick(t) {
				return
			}
		}
	}
}

func (b *Bank) tick(t *timer) bool {
	remaining := t.seat.ExpiresAt.Sub(b.now())
	tk := Tick{
		SeatID:     t.seat.ID,
		SeatNumber: t.seat.Number,
		ExpiresAt:  t.seat.ExpiresAt,
		Remaining:  remaining,
	}

	if remaining <= 0 {
		b.mu.Lock()
		if b.timers[t.seat.ID] != t {
			b.mu.Unlock()
			return false
		}
		delete(b.timers, t.seat.ID)
		t.cancel()
		b.mu.Unlock()

		tk.Remaining = 0
		b.handler.OnExpired(tk)
		return false
	}

	if t.stopped() {
		return false
	}
	b.handler.OnTick(tk)
	if remaining <= b.warnBefore && !t.warned {
		t.warned = true
		b.handler.OnWarning(tk)
	}
	return true
}
