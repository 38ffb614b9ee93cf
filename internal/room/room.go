package room

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/seat-sync/internal/engine"
	"github.com/DoyleJ11/seat-sync/internal/logger"
	"github.com/DoyleJ11/seat-sync/internal/metrics"
)

type Msg interface{ isRoomMsg() }

// FromClient carries one lock or unlock intent. Reply, when set, receives
// nil or the arbitration error; it must have capacity 1.
type FromClient struct {
	ClientID string
	Cmd      engine.Command
	Reply    chan error
}

func (FromClient) isRoomMsg() {}

type Join struct {
	ClientID string
	Outbox   chan engine.Event // receives current locks, then every change
}

func (Join) isRoomMsg() {}

type Leave struct{ ClientID string }

func (Leave) isRoomMsg() {}

// Sweep releases every lock that lapsed at or before At.
type Sweep struct{ At time.Time }

func (Sweep) isRoomMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isRoomMsg() {}

type Shutdown struct{}

func (Shutdown) isRoomMsg() {}

type View struct {
	Version    int
	NumClients int
	State      engine.State
}

// Observer sees every committed event batch, off the room goroutine.
type Observer interface {
	Observe(ctx context.Context, events []engine.Event)
}

type Options struct {
	SweepInterval time.Duration
	Now           func() time.Time
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
	Observers     []Observer
}

// Room owns the lock state of one trip.
type Room struct {
	inbox     chan Msg
	state     engine.State
	version   int
	clients   map[string]chan engine.Event
	observed  chan []engine.Event
	observers []Observer
	sweep     time.Duration
	now       func() time.Time
	log       *zap.Logger
	metrics   *metrics.Metrics
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewRoom(parent context.Context, initial engine.State, opts Options) *Room {
	ctx, cancel := context.WithCancel(parent)
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &Room{
		inbox:     make(chan Msg, 64),
		state:     initial,
		clients:   make(map[string]chan engine.Event),
		observed:  make(chan []engine.Event, 256),
		observers: opts.Observers,
		sweep:     opts.SweepInterval,
		now:       opts.Now,
		log:       logger.Or(opts.Logger).Named("room").With(zap.Int64("trip_id", initial.TripID)),
		metrics:   metrics.Or(opts.Metrics),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	r.metrics.ActiveLocks.Add(float64(len(initial.Locks)))

	go r.observe()
	go r.loop()
	return r
}

// Inbox exposes the room so the ws layer and tests can send messages.
func (r *Room) Inbox() chan<- Msg { return r.inbox }

func (r *Room) Done() <-chan struct{} { return r.done }

// Send delivers m unless the room has stopped.
func (r *Room) Send(m Msg) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	select {
	case r.inbox <- m:
		return true
	case <-r.done:
		return false
	}
}

func (r *Room) loop() {
	defer close(r.done)

	var tick <-chan time.Time
	if r.sweep > 0 {
		ticker := time.NewTicker(r.sweep)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case <-tick:
			r.apply(engine.Command{Type: engine.CmdExpire, At: r.now()}, nil)

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Join:
				// Register client + replay current locks immediately
				r.clients[msg.ClientID] = msg.Outbox
				now := r.now()
				for _, lk := range engine.LiveLocks(r.state, now) {
					ev := engine.Event{Type: engine.EvtSeatLocked, TripID: r.state.TripID, Reason: engine.ReasonReplay, Lock: lk, At: now}
					if !r.deliver(msg.ClientID, msg.Outbox, ev) {
						break
					}
				}

			case Leave:
				delete(r.clients, msg.ClientID)

			case FromClient:
				cmd := msg.Cmd
				if cmd.At.IsZero() {
					cmd.At = r.now()
				}
				err := r.apply(cmd, msg.Reply)
				if err != nil {
					r.log.Debug("intent refused",
						zap.String("client_id", msg.ClientID),
						zap.String("command", string(cmd.Type)),
						zap.Int64("seat_id", cmd.SeatID),
						zap.Error(err),
					)
				}

			case Sweep:
				r.apply(engine.Command{Type: engine.CmdExpire, At: msg.At}, nil)

			case GetState:
				msg.Reply <- View{
					Version:    r.version,
					NumClients: len(r.clients),
					State:      r.state,
				}

			case Shutdown:
				r.shutdown()
				return
			}
		}
	}
}

func (r *Room) apply(cmd engine.Command, reply chan error) error {
	events, newState, err := engine.Apply(r.state, cmd)
	if reply != nil {
		reply <- err
	}
	if cmd.Type != engine.CmdExpire {
		r.metrics.LockDecisions.WithLabelValues(string(cmd.Type), outcome(err)).Inc()
	}
	if err != nil || len(events) == 0 {
		return err
	}

	r.metrics.ActiveLocks.Add(float64(len(newState.Locks) - len(r.state.Locks)))
	r.state = newState
	r.version++
	for _, ev := range events {
		r.broadcast(ev)
	}
	r.notifyObservers(events)
	return nil
}

func (r *Room) broadcast(ev engine.Event) {
	for id, ch := range r.clients {
		r.deliver(id, ch, ev)
	}
}

// deliver drops a client whose outbox is full.
func (r *Room) deliver(id string, ch chan engine.Event, ev engine.Event) bool {
	select {
	case ch <- ev:
		return true
	default:
		r.log.Warn("dropping slow subscriber", zap.String("client_id", id))
		close(ch)
		delete(r.clients, id)
		return false
	}
}

func (r *Room) notifyObservers(events []engine.Event) {
	if len(r.observers) == 0 {
		return
	}
	select {
	case r.observed <- events:
	default:
		r.log.Warn("observer queue full, events not recorded", zap.Int("events", len(events)))
	}
}

func (r *Room) observe() {
	for {
		select {
		case <-r.done:
			return
		case events := <-r.observed:
			for _, o := range r.observers {
				o.Observe(r.ctx, events)
			}
		}
	}
}

func (r *Room) shutdown() {
	for id, ch := range r.clients {
		close(ch) // no more events for this client
		delete(r.clients, id)
	}
	r.metrics.ActiveLocks.Sub(float64(len(r.state.Locks)))
	r.cancel()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, engine.ErrSeatTaken):
		return "seat_taken"
	case errors.Is(err, engine.ErrNotHolder):
		return "not_holder"
	case errors.Is(err, engine.ErrNotLocked):
		return "not_locked"
	case errors.Is(err, engine.ErrUnknownSeat):
		return "unknown_seat"
	default:
		return "invalid"
	}
}
