package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3"

	"github.com/DoyleJ11/seat-sync/pkg/protocol"
)

// StompDialer opens STOMP sessions over a websocket, the way browser
// clients reach the broker's /ws endpoint.
type StompDialer struct {
	URL         string
	AccessToken string
	Login       string
	Passcode    string
	HeartBeat   time.Duration
	DialTimeout time.Duration
}

func (d *StompDialer) Dial(ctx context.Context) (Conn, error) {
	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	header := http.Header{}
	if d.AccessToken != "" {
		header.Set("Authorization", "Bearer "+d.AccessToken)
	}
	ws, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		Subprotocols: protocol.Subprotocols,
		HTTPHeader:   header,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", d.URL, err)
	}

	// the net.Conn outlives the dial context; Close cancels it
	netCtx, netCancel := context.WithCancel(context.Background())
	raw := newWatchedConn(websocket.NetConn(netCtx, ws, websocket.MessageText), netCancel)

	if deadline, ok := ctx.Deadline(); ok {
		_ = raw.SetReadDeadline(deadline)
	}
	sc, err := stomp.Connect(raw, d.connectOptions()...)
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("stomp connect: %w", err)
	}
	_ = raw.SetReadDeadline(time.Time{})

	return &stompConn{conn: sc, raw: raw}, nil
}

func (d *StompDialer) connectOptions() []func(*stomp.Conn) error {
	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.HeartBeat(d.HeartBeat, d.HeartBeat),
	}
	if u, err := url.Parse(d.URL); err == nil && u.Hostname() != "" {
		opts = append(opts, stomp.ConnOpt.Host(u.Hostname()))
	}
	if d.Login != "" {
		opts = append(opts, stomp.ConnOpt.Login(d.Login, d.Passcode))
	}
	if d.AccessToken != "" {
		opts = append(opts, stomp.ConnOpt.Header("Authorization", "Bearer "+d.AccessToken))
	}
	return opts
}

type stompConn struct {
	conn *stomp.Conn
	raw  *watchedConn
}

func (c *stompConn) Send(destination string, body []byte) error {
	return c.conn.Send(destination, protocol.ContentTypeJSON, body)
}

func (c *stompConn) Subscribe(destination string) (Subscription, error) {
	sub, err := c.conn.Subscribe(destination, stomp.AckAuto)
	if err != nil {
		return nil, err
	}
	s := &stompSub{
		sub:  sub,
		out:  make(chan Message, 64),
		stop: make(chan struct{}),
	}
	go s.pump()
	return s, nil
}

func (c *stompConn) Done() <-chan struct{} { return c.raw.done }

func (c *stompConn) Close() error {
	select {
	case <-c.raw.done:
		// link already gone: no receipt will come
		err := c.conn.MustDisconnect()
		if cerr := c.raw.Close(); err == nil {
			err = cerr
		}
		return err
	default:
	}

	disconnected := make(chan error, 1)
	go func() { disconnected <- c.conn.Disconnect() }()

	var err error
	select {
	case err = <-disconnected:
	case <-time.After(2 * time.Second):
		err = fmt.Errorf("stomp disconnect: receipt timeout")
	}
	if cerr := c.raw.Close(); err == nil {
		err = cerr
	}
	return err
}

type stompSub struct {
	sub  *stomp.Subscription
	out  chan Message
	stop chan struct{}
	once sync.Once
}

func (s *stompSub) C() <-chan Message { return s.out }

func (s *stompSub) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.stop:
			return
		case m, ok := <-s.sub.C:
			if !ok {
				return
			}
			msg := Message{Err: m.Err}
			if m.Err == nil {
				msg.Destination = m.Destination
				msg.Body = m.Body
			}
			select {
			case s.out <- msg:
			case <-s.stop:
				return
			}
		}
	}
}

func (s *stompSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		// keep draining so the stomp reader never blocks on this subscription
		go func() {
			for range s.sub.C {
			}
		}()
		if s.sub.Active() {
			err = s.sub.Unsubscribe()
		}
	})
	return err
}

// watchedConn closes done on the first read error or on Close, which is how
// the session notices a dropped connection.
type watchedConn struct {
	net.Conn
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

func newWatchedConn(c net.Conn, cancel context.CancelFunc) *watchedConn {
	return &watchedConn{Conn: c, cancel: cancel, done: make(chan struct{})}
}

func (w *watchedConn) Read(p []byte) (int, error) {
	n, err := w.Conn.Read(p)
	if err != nil {
		w.markDone()
	}
	return n, err
}

func (w *watchedConn) Close() error {
	w.markDone()
	err := w.Conn.Close()
	w.cancel()
	return err
}

func (w *watchedConn) markDone() {
	w.once.Do(func() { close(w.done) })
}
