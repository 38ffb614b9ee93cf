package hub

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/seat-sync/internal/engine"
	"github.com/DoyleJ11/seat-sync/internal/logger"
	"github.com/DoyleJ11/seat-sync/internal/room"
)

type HubMsg interface{ isHubMsg() }

type GetRoom struct {
	TripID int64
	Reply  chan *room.Room
}

// EnsureRoom returns the trip's room, creating it on first use.
type EnsureRoom struct {
	TripID int64
	Reply  chan *room.Room
}

type RemoveRoom struct {
	TripID int64
}

// ListRooms replies with the trip ids that currently have a room.
type ListRooms struct {
	Reply chan []int64
}

type ShutdownHub struct{}

func (GetRoom) isHubMsg()     {}
func (EnsureRoom) isHubMsg()  {}
func (RemoveRoom) isHubMsg()  {}
func (ListRooms) isHubMsg()   {}
func (ShutdownHub) isHubMsg() {}

// Restorer loads locks persisted by an earlier broker process.
type Restorer interface {
	Load(ctx context.Context, tripID int64) ([]engine.Lock, error)
}

type Options struct {
	Layout   engine.Layout
	TTL      time.Duration
	Room     room.Options
	Restorer Restorer
	Logger   *zap.Logger
}

type Hub struct {
	inbox  chan HubMsg
	rooms  map[int64]*room.Room
	opts   Options
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewHub(parent context.Context, opts Options) *Hub {
	ctx, cancel := context.WithCancel(parent)
	if opts.Layout.Capacity <= 0 {
		opts.Layout = engine.DefaultLayout
	}
	if opts.TTL <= 0 {
		opts.TTL = 15 * time.Minute
	}
	h := &Hub{
		inbox:  make(chan HubMsg, 64),
		rooms:  make(map[int64]*room.Room),
		opts:   opts,
		log:    logger.Or(opts.Logger).Named("hub"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) Done() <-chan struct{} { return h.done }

// Ensure is the request/reply form of EnsureRoom. It returns nil once the
// hub has stopped.
func (h *Hub) Ensure(tripID int64) *room.Room {
	reply := make(chan *room.Room, 1)
	select {
	case h.inbox <- EnsureRoom{TripID: tripID, Reply: reply}:
	case <-h.done:
		return nil
	}
	select {
	case rm := <-reply:
		return rm
	case <-h.done:
		return nil
	}
}

// Get returns the trip's room without creating one.
func (h *Hub) Get(tripID int64) *room.Room {
	reply := make(chan *room.Room, 1)
	select {
	case h.inbox <- GetRoom{TripID: tripID, Reply: reply}:
	case <-h.done:
		return nil
	}
	select {
	case rm := <-reply:
		return rm
	case <-h.done:
		return nil
	}
}

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case GetRoom:
				msg.Reply <- h.rooms[msg.TripID] // May be nil

			case EnsureRoom:
				if rm := h.rooms[msg.TripID]; rm != nil {
					msg.Reply <- rm
					break
				}
				rm := room.NewRoom(h.ctx, h.initialState(msg.TripID), h.opts.Room)
				h.rooms[msg.TripID] = rm
				h.log.Info("room created", zap.Int64("trip_id", msg.TripID))
				msg.Reply <- rm

			case RemoveRoom:
				if rm := h.rooms[msg.TripID]; rm != nil {
					rm.Send(room.Shutdown{})
					delete(h.rooms, msg.TripID)
				}

			case ListRooms:
				ids := make([]int64, 0, len(h.rooms))
				for id := range h.rooms {
					ids = append(ids, id)
				}
				msg.Reply <- ids

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) initialState(tripID int64) engine.State {
	s := engine.NewState(tripID, h.opts.Layout, h.opts.TTL)
	if h.opts.Restorer == nil {
		return s
	}
	ctx, cancel := context.WithTimeout(h.ctx, 2*time.Second)
	defer cancel()
	locks, err := h.opts.Restorer.Load(ctx, tripID)
	if err != nil {
		h.log.Warn("restoring locks failed, starting empty", zap.Int64("trip_id", tripID), zap.Error(err))
		return s
	}
	return engine.Restore(s, locks)
}

func (h *Hub) shutdown() {
	for _, rm := range h.rooms {
		rm.Send(room.Shutdown{})
	}
	clear(h.rooms)
	h.cancel()
}
