package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/seat-sync/internal/engine"
	"github.com/DoyleJ11/seat-sync/internal/hub"
	"github.com/DoyleJ11/seat-sync/internal/room"
	"github.com/DoyleJ11/seat-sync/pkg/protocol"
)

var errProtocol = errors.New("stomp protocol violation")

const serverName = "seat-sync-broker/1.0"

type subscription struct {
	id          string
	destination string
	tripID      int64
	room        *room.Room
	stop        chan struct{}
}

type session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	conn   net.Conn
	hub    *hub.Hub
	opts   Options
	log    *zap.Logger

	out     chan *frame.Frame
	written chan struct{}
	subs    map[string]*subscription
	// replyTo is the subscription id of the private response queue.
	replyTo string
}

func newSession(ctx context.Context, cancel context.CancelFunc, id string, conn net.Conn, h *hub.Hub, opts Options, log *zap.Logger) *session {
	return &session{
		id:      id,
		ctx:     ctx,
		cancel:  cancel,
		conn:    conn,
		hub:     h,
		opts:    opts,
		log:     log,
		out:     make(chan *frame.Frame, 64),
		written: make(chan struct{}),
		subs:    make(map[string]*subscription),
	}
}

func (s *session) serve() {
	go s.writeLoop()
	// unblock the reader when the session ends from another goroutine
	stop := context.AfterFunc(s.ctx, func() { _ = s.conn.SetReadDeadline(time.Now()) })
	defer stop()
	defer func() {
		s.releaseAll()
		s.cancel()
		<-s.written
	}()

	reader := frame.NewReader(s.conn)

	if err := s.handshake(reader); err != nil {
		s.log.Debug("handshake failed", zap.Error(err))
		return
	}

	for s.ctx.Err() == nil {
		f, err := reader.Read()
		if err != nil {
			if s.ctx.Err() == nil {
				s.log.Debug("read ended", zap.Error(err))
			}
			return
		}
		if f == nil {
			continue // heart-beat
		}
		if done := s.handle(f); done {
			return
		}
	}
}

func (s *session) handshake(reader *frame.Reader) error {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.ConnectTimeout))
	defer s.conn.SetReadDeadline(time.Time{})

	var f *frame.Frame
	for f == nil {
		var err error
		if f, err = reader.Read(); err != nil {
			return err
		}
	}
	if f.Command != frame.CONNECT && f.Command != frame.STOMP {
		s.sendError(fmt.Sprintf("expected CONNECT, got %s", f.Command))
		return errProtocol
	}

	version := negotiateVersion(f.Header.Get(frame.AcceptVersion))
	if version == "" {
		s.sendError("unsupported STOMP version")
		return errProtocol
	}

	s.send(frame.New(frame.CONNECTED,
		frame.Version, version,
		frame.HeartBeat, "0,0",
		frame.Server, serverName,
		frame.Session, s.id,
	))
	s.log.Info("stomp session opened", zap.String("version", version))
	return nil
}

// handle processes one client frame and reports whether the session ends.
func (s *session) handle(f *frame.Frame) bool {
	switch f.Command {
	case frame.SUBSCRIBE:
		s.subscribe(f)
	case frame.UNSUBSCRIBE:
		s.unsubscribe(f.Header.Get(frame.Id))
	case frame.SEND:
		s.intent(f)
	case frame.DISCONNECT:
		s.receipt(f)
		return true
	case frame.ACK, frame.NACK, frame.BEGIN, frame.COMMIT, frame.ABORT:
		// subscriptions are ack:auto and there are no transactions
	default:
		s.sendError(fmt.Sprintf("unsupported command %s", f.Command))
		return true
	}
	s.receipt(f)
	return false
}

func (s *session) subscribe(f *frame.Frame) {
	id := f.Header.Get(frame.Id)
	dest := f.Header.Get(frame.Destination)
	if id == "" || dest == "" {
		s.sendError("SUBSCRIBE requires id and destination")
		return
	}
	if _, dup := s.subs[id]; dup {
		s.unsubscribe(id)
	}

	if dest == protocol.DestSeatResponse {
		s.subs[id] = &subscription{id: id, destination: dest}
		s.replyTo = id
		return
	}

	tripID, ok := protocol.ParseTripSeatsTopic(dest)
	if !ok {
		s.sendError("unknown destination " + dest)
		return
	}
	rm := s.hub.Ensure(tripID)
	if rm == nil {
		s.sendError("broker shutting down")
		return
	}

	sub := &subscription{id: id, destination: dest, tripID: tripID, room: rm, stop: make(chan struct{})}
	outbox := make(chan engine.Event, 256)
	rm.Send(room.Join{ClientID: s.clientID(id), Outbox: outbox})
	s.subs[id] = sub
	go s.forward(sub, outbox)

	s.log.Debug("subscribed", zap.String("destination", dest), zap.String("subscription", id))
}

func (s *session) unsubscribe(id string) {
	sub, ok := s.subs[id]
	if !ok {
		return
	}
	delete(s.subs, id)
	if sub.room != nil {
		sub.room.Send(room.Leave{ClientID: s.clientID(id)})
		close(sub.stop)
	}
	if s.replyTo == id {
		s.replyTo = ""
	}
}

func (s *session) releaseAll() {
	for id := range s.subs {
		s.unsubscribe(id)
	}
}

// forward turns room events into MESSAGE frames. A closed outbox means the
// room dropped this subscriber for lagging, which ends the session.
func (s *session) forward(sub *subscription, outbox <-chan engine.Event) {
	for {
		select {
		case <-sub.stop:
			return
		case <-s.ctx.Done():
			return
		case ev, ok := <-outbox:
			if !ok {
				s.log.Warn("subscriber dropped by room", zap.Int64("trip_id", sub.tripID))
				s.cancel()
				return
			}
			body, err := json.Marshal(toSeatEvent(ev))
			if err != nil {
				s.log.Error("encode seat event", zap.Error(err))
				continue
			}
			s.send(s.message(sub.id, sub.destination, body))
		}
	}
}

func (s *session) intent(f *frame.Frame) {
	dest := f.Header.Get(frame.Destination)
	var cmdType engine.CommandType
	switch dest {
	case protocol.DestSeatLock:
		cmdType = engine.CmdLock
	case protocol.DestSeatUnlock:
		cmdType = engine.CmdUnlock
	case protocol.DestGPSUpdate:
		return
	default:
		s.sendError("unknown destination " + dest)
		return
	}

	req, err := protocol.DecodeLockRequest(f.Body)
	if err != nil {
		s.respond(false, "Invalid seat request")
		return
	}

	rm := s.hub.Ensure(req.TripID)
	if rm == nil {
		s.respond(false, "Seat service unavailable")
		return
	}

	reply := make(chan error, 1)
	if !rm.Send(room.FromClient{
		ClientID: s.id,
		Cmd:      engine.Command{Type: cmdType, SeatID: req.SeatID, HolderID: req.UserID},
		Reply:    reply,
	}) {
		s.respond(false, "Seat service unavailable")
		return
	}

	select {
	case err = <-reply:
	case <-s.ctx.Done():
		return
	}
	if err != nil {
		s.respond(false, refusalMessage(err))
		return
	}
	if cmdType == engine.CmdLock {
		s.respond(true, "Seat locked")
	} else {
		s.respond(true, "Seat released")
	}
}

// respond writes to the private queue if the client subscribed to it.
func (s *session) respond(success bool, message string) {
	if s.replyTo == "" {
		return
	}
	body, _ := json.Marshal(protocol.SeatResponse{Success: success, Message: message})
	s.send(s.message(s.replyTo, protocol.DestSeatResponse, body))
}

func (s *session) receipt(f *frame.Frame) {
	if id := f.Header.Get(frame.Receipt); id != "" {
		s.send(frame.New(frame.RECEIPT, frame.ReceiptId, id))
	}
}

func (s *session) sendError(message string) {
	s.log.Warn("stomp error", zap.String("message", message))
	f := frame.New(frame.ERROR, frame.Message, message, frame.ContentType, "text/plain")
	f.Body = []byte(message)
	f.Header.Set(frame.ContentLength, strconv.Itoa(len(f.Body)))
	s.send(f)
}

func (s *session) message(subID, dest string, body []byte) *frame.Frame {
	f := frame.New(frame.MESSAGE,
		frame.Subscription, subID,
		frame.MessageId, uuid.NewString(),
		frame.Destination, dest,
		frame.ContentType, protocol.ContentTypeJSON,
		frame.ContentLength, strconv.Itoa(len(body)),
	)
	f.Body = body
	return f
}

func (s *session) send(f *frame.Frame) {
	select {
	case s.out <- f:
	case <-s.ctx.Done():
	}
}

func (s *session) writeLoop() {
	defer close(s.written)
	w := frame.NewWriter(s.conn)
	for {
		select {
		case <-s.ctx.Done():
			// flush what is already queued, e.g. a RECEIPT for DISCONNECT
			for {
				select {
				case f := <-s.out:
					if s.write(w, f) != nil {
						return
					}
				default:
					return
				}
			}
		case f := <-s.out:
			if err := s.write(w, f); err != nil {
				s.log.Debug("write failed", zap.Error(err))
				s.cancel()
				return
			}
		}
	}
}

func (s *session) write(w *frame.Writer, f *frame.Frame) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	return w.Write(f)
}

func (s *session) clientID(subID string) string { return s.id + "/" + subID }

func toSeatEvent(ev engine.Event) protocol.SeatEvent {
	if ev.Type == engine.EvtSeatUnlocked {
		return protocol.SeatEvent{
			Type:      protocol.EventSeatUnlocked,
			SeatID:    ev.Lock.SeatID,
			Timestamp: protocol.At(ev.At),
		}
	}
	return protocol.SeatEvent{
		Type:       protocol.EventSeatLocked,
		SeatID:     ev.Lock.SeatID,
		SeatNumber: ev.Lock.SeatNumber,
		LockedBy:   ev.Lock.HolderID,
		Timestamp:  protocol.At(ev.Lock.LockedAt),
		LockExpiry: protocol.At(ev.Lock.ExpiresAt),
	}
}

func refusalMessage(err error) string {
	switch {
	case errors.Is(err, engine.ErrSeatTaken):
		return "Seat already locked by another user"
	case errors.Is(err, engine.ErrNotHolder):
		return "Seat is locked by another user"
	case errors.Is(err, engine.ErrNotLocked):
		return "Seat is not locked"
	case errors.Is(err, engine.ErrUnknownSeat):
		return "Seat does not exist"
	default:
		return "Seat request rejected"
	}
}

// negotiateVersion picks the highest version both sides speak. A missing
// header means a 1.0 client.
func negotiateVersion(accept string) string {
	if accept == "" {
		return "1.0"
	}
	offered := strings.Split(accept, ",")
	for _, v := range []string{"1.2", "1.1", "1.0"} {
		for _, o := range offered {
			if strings.TrimSpace(o) == v {
				return v
			}
		}
	}
	return ""
}
