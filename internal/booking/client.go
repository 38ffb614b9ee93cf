// Package booking wires the client subsystem together: one transport
// session, the seat store, the subscription manager, the intent publisher,
// the expiry timers and the keep-alive renewer.
package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/seat-sync/internal/config"
	"github.com/DoyleJ11/seat-sync/internal/identity"
	"github.com/DoyleJ11/seat-sync/internal/keepalive"
	"github.com/DoyleJ11/seat-sync/internal/logger"
	"github.com/DoyleJ11/seat-sync/internal/metrics"
	"github.com/DoyleJ11/seat-sync/internal/notify"
	"github.com/DoyleJ11/seat-sync/internal/publisher"
	"github.com/DoyleJ11/seat-sync/internal/seatmap"
	"github.com/DoyleJ11/seat-sync/internal/subscription"
	"github.com/DoyleJ11/seat-sync/internal/timers"
	"github.com/DoyleJ11/seat-sync/internal/transport"
)

var (
	ErrSeatTaken   = errors.New("seat is locked by someone else")
	ErrNoTrip      = errors.New("no trip open")
	ErrNothingHeld = errors.New("no seats held")
	ErrClosed      = errors.New("client closed")
)

type Options struct {
	// Dialer overrides the STOMP-over-websocket dialer built from config.
	Dialer   transport.Dialer
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Notifier notify.Notifier
	Guests   *identity.Guests
	// OnTick receives every countdown tick of the held seats.
	OnTick func(timers.Tick)
	Now    func() time.Time
}

// Client is the process-wide booking session.
type Client struct {
	cfg      config.ClientConfig
	id       identity.Identity
	log      *zap.Logger
	metrics  *metrics.Metrics
	notifier notify.Notifier
	onTick   func(timers.Tick)
	now      func() time.Time

	session   *transport.Session
	store     *seatmap.Store
	manager   *subscription.Manager
	publisher *publisher.Publisher
	bank      *timers.Bank
	renewer   *keepalive.Renewer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool

	// selMu guards the seats whose hold we gave up locally but which the
	// store may still list: expired countdowns and unlock intents in flight.
	selMu     sync.Mutex
	expired   map[int64]time.Time
	releasing map[int64]bool
}

func New(cfg config.ClientConfig, opts Options) (*Client, error) {
	guests := opts.Guests
	if guests == nil {
		guests = identity.NewGuests()
	}
	id, err := identity.Resolve(cfg.AccessToken, cfg.UserID, guests)
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}

	log := logger.Or(opts.Logger).With(zap.String("identity", id.ID))
	m := metrics.Or(opts.Metrics)

	n := notify.Notifier(notify.Log{L: log.Named("notify")})
	if opts.Notifier != nil {
		n = notify.Multi{n, opts.Notifier}
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = &transport.StompDialer{
			URL:         cfg.BrokerURL,
			AccessToken: cfg.AccessToken,
			Login:       cfg.Login,
			Passcode:    cfg.Passcode,
			HeartBeat:   cfg.HeartBeat,
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		id:       id,
		log:      log,
		metrics:  m,
		notifier: n,
		onTick:   opts.OnTick,
		now:      now,
		ctx:      ctx,
		cancel:   cancel,
	}

	c.session = transport.NewSession(dialer, transport.Options{
		RetryDelay:    cfg.ReconnectDelay,
		MaxRetryDelay: cfg.ReconnectMaxDelay,
		Logger:        log,
		Metrics:       m,
	})
	c.store = seatmap.NewStore(ctx, id.ID)
	c.manager = subscription.New(c.session, c.store, subscription.Options{
		Logger:   log,
		Metrics:  m,
		Notifier: n,
	})
	c.publisher = publisher.New(c.session, log, m)
	c.bank = timers.NewBank(c, timers.Options{
		Interval:   cfg.TickInterval,
		WarnBefore: cfg.WarnBefore,
		Now:        now,
	})
	c.renewer = keepalive.NewRenewer(c.publisher, cfg.KeepAliveInterval, log)

	return c, nil
}

func (c *Client) Identity() identity.Identity { return c.id }

func (c *Client) IsConnected() bool { return c.session.IsConnected() }

// WaitConnected blocks until the session is up or ctx ends.
func (c *Client) WaitConnected(ctx context.Context) error { return c.session.WaitConnected(ctx) }

// Start connects and begins following the session and the store. Calling it
// twice is a no-op.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true

	c.session.Connect(c.ctx)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.manager.Run(c.ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.trackSelection(c.ctx)
	}()

	c.log.Info("booking client started", zap.Bool("guest", c.id.Guest))
	return nil
}

// Close stops keep-alive and timers, drops the connection and ends every
// background goroutine.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.renewer.Stop()
	c.bank.StopAll()
	c.cancel()
	c.wg.Wait()
	c.session.Disconnect()
	c.bank.StopAll()
	<-c.store.Done()
	c.log.Info("booking client closed")
}

// OpenTrip makes tripID the trip whose seats are tracked.
func (c *Client) OpenTrip(tripID int64) error {
	if c.isClosed() {
		return ErrClosed
	}
	if cur := c.manager.CurrentTrip(); cur != 0 && cur != tripID {
		c.renewer.Stop()
		c.bank.StopAll()
	}
	return c.manager.SubscribeToTrip(tripID)
}

// LeaveTrip stops tracking the current trip.
func (c *Client) LeaveTrip() {
	c.renewer.Stop()
	c.bank.StopAll()
	c.manager.UnsubscribeFromTrip()
}

func (c *Client) CurrentTrip() int64 { return c.manager.CurrentTrip() }

func (c *Client) Snapshot() seatmap.Snapshot { return c.store.Snapshot() }

// MySeats is the current selection: seats the broker reports as held by
// this identity.
func (c *Client) MySeats() []seatmap.SeatLock { return c.store.Snapshot().Mine() }

// Watch delivers the latest store snapshot to the returned channel until
// the stop func is called or the client closes.
func (c *Client) Watch(id string) (<-chan seatmap.Snapshot, func()) {
	ch := make(chan seatmap.Snapshot, 1)
	c.store.Send(seatmap.Watch{ID: id, Outbox: ch})
	return ch, func() { c.store.Send(seatmap.Unwatch{ID: id}) }
}

// ToggleSeat asks to release a seat we hold or to lock a free one. Nothing
// changes locally until the broadcast arrives.
func (c *Client) ToggleSeat(seatID int64) error {
	tripID := c.manager.CurrentTrip()
	if tripID == 0 {
		return ErrNoTrip
	}

	snap := c.store.Snapshot()
	if lk, ok := snap.LockOf(seatID); ok {
		if lk.HolderID == c.id.ID {
			return c.Unlock(seatID)
		}
		c.notifier.Notify(notify.Notification{
			Kind:    notify.KindSeatTaken,
			Level:   notify.LevelWarning,
			TripID:  tripID,
			SeatID:  seatID,
			Message: fmt.Sprintf("Seat %s is being selected by another passenger", seatLabel(lk)),
			At:      c.now(),
		})
		return ErrSeatTaken
	}
	return c.Lock(seatID)
}

// Lock publishes a lock intent for seatID on the current trip.
func (c *Client) Lock(seatID int64) error {
	tripID := c.manager.CurrentTrip()
	if tripID == 0 {
		return ErrNoTrip
	}
	c.setReleasing(seatID, false)
	return c.intentResult(tripID, seatID, c.publisher.RequestLock(tripID, seatID, c.id.ID))
}

// Unlock publishes an unlock intent for seatID on the current trip.
func (c *Client) Unlock(seatID int64) error {
	tripID := c.manager.CurrentTrip()
	if tripID == 0 {
		return ErrNoTrip
	}
	// marked first so a renewal racing the broadcast does not re-lock it
	c.setReleasing(seatID, true)
	err := c.publisher.RequestUnlock(tripID, seatID, c.id.ID)
	if err != nil {
		c.setReleasing(seatID, false)
	}
	return c.intentResult(tripID, seatID, err)
}

func (c *Client) intentResult(tripID, seatID int64, err error) error {
	if errors.Is(err, transport.ErrNotConnected) {
		c.notifier.Notify(notify.Notification{
			Kind:    notify.KindNotConnected,
			Level:   notify.LevelError,
			TripID:  tripID,
			SeatID:  seatID,
			Message: "Not connected to the seat service",
			At:      c.now(),
		})
	}
	return err
}

// BeginCheckout keeps the seats we hold locked on the broker until
// EndCheckout, LeaveTrip or Close. Each renewal reads the current
// selection, so seats released or expired meanwhile are left alone.
func (c *Client) BeginCheckout() error {
	tripID := c.manager.CurrentTrip()
	if tripID == 0 {
		return ErrNoTrip
	}
	if len(c.MySeats()) == 0 {
		return ErrNothingHeld
	}
	c.renewer.Start(c.ctx, tripID, c.renewable, c.id.ID)
	return nil
}

func (c *Client) EndCheckout() { c.renewer.Stop() }

func (c *Client) CheckoutActive() bool { return c.renewer.Active() }

// ActiveTimers lists the seat ids with a running countdown.
func (c *Client) ActiveTimers() []int64 { return c.bank.Active() }

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
