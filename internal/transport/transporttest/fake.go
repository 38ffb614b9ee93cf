// Package transporttest provides an in-memory broker implementing the
// transport interfaces for tests.
package transporttest

import (
	"context"
	"errors"
	"sync"

	"github.com/DoyleJ11/seat-sync/internal/transport"
)

type Sent struct {
	Destination string
	Body        []byte
}

// Broker hands out fake connections and routes Publish calls to their
// subscriptions.
type Broker struct {
	mu      sync.Mutex
	conns   []*Conn
	sent    []Sent
	dialErr error
	dials   int
	closes  int
	onSend  func(Sent)
	onSub   func(destination string)
}

func NewBroker() *Broker { return &Broker{} }

func (b *Broker) Dial(ctx context.Context) (transport.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	c := &Conn{broker: b, done: make(chan struct{}), subs: make(map[*Sub]struct{})}
	b.conns = append(b.conns, c)
	return c, nil
}

// FailDials makes every following dial fail with err; nil restores.
func (b *Broker) FailDials(err error) {
	b.mu.Lock()
	b.dialErr = err
	b.mu.Unlock()
}

func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Closes counts Close calls made by the client on its connections.
func (b *Broker) Closes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closes
}

// OnSend registers a hook called (outside the broker lock) for every Send.
func (b *Broker) OnSend(fn func(Sent)) {
	b.mu.Lock()
	b.onSend = fn
	b.mu.Unlock()
}

// OnSubscribe registers a hook called (outside the broker lock) after every
// new subscription, e.g. to replay state the way a broker does on join.
func (b *Broker) OnSubscribe(fn func(destination string)) {
	b.mu.Lock()
	b.onSub = fn
	b.mu.Unlock()
}

func (b *Broker) Sent() []Sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Sent(nil), b.sent...)
}

// SentTo counts sends to one destination.
func (b *Broker) SentTo(destination string) int {
	n := 0
	for _, s := range b.Sent() {
		if s.Destination == destination {
			n++
		}
	}
	return n
}

// Publish delivers body to every live subscription on destination and
// returns how many received it.
func (b *Broker) Publish(destination string, body []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.conns {
		for s := range c.subs {
			if s.destination != destination {
				continue
			}
			select {
			case s.ch <- transport.Message{Destination: destination, Body: body}:
				n++
			default:
			}
		}
	}
	return n
}

// Subscribers counts live subscriptions on destination.
func (b *Broker) Subscribers(destination string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.conns {
		for s := range c.subs {
			if s.destination == destination {
				n++
			}
		}
	}
	return n
}

// Drop simulates an unexpected disconnect of every open connection.
func (b *Broker) Drop() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()
	for _, c := range conns {
		c.shutdown()
	}
}

type Conn struct {
	broker *Broker
	done   chan struct{}
	once   sync.Once
	closed bool
	subs   map[*Sub]struct{}
}

func (c *Conn) Send(destination string, body []byte) error {
	b := c.broker
	b.mu.Lock()
	if c.closed {
		b.mu.Unlock()
		return transport.ErrClosed
	}
	s := Sent{Destination: destination, Body: append([]byte(nil), body...)}
	b.sent = append(b.sent, s)
	hook := b.onSend
	b.mu.Unlock()

	if hook != nil {
		hook(s)
	}
	return nil
}

func (c *Conn) Subscribe(destination string) (transport.Subscription, error) {
	b := c.broker
	b.mu.Lock()
	if c.closed {
		b.mu.Unlock()
		return nil, transport.ErrClosed
	}
	s := &Sub{conn: c, destination: destination, ch: make(chan transport.Message, 64)}
	c.subs[s] = struct{}{}
	hook := b.onSub
	b.mu.Unlock()

	if hook != nil {
		hook(destination)
	}
	return s, nil
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Close() error {
	b := c.broker
	b.mu.Lock()
	b.closes++
	for i, x := range b.conns {
		if x == c {
			b.conns = append(b.conns[:i], b.conns[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	c.shutdown()
	return nil
}

func (c *Conn) shutdown() {
	c.once.Do(func() {
		c.broker.mu.Lock()
		c.closed = true
		for s := range c.subs {
			s.closeLocked()
		}
		c.broker.mu.Unlock()
		close(c.done)
	})
}

type Sub struct {
	conn        *Conn
	destination string
	ch          chan transport.Message
	closed      bool
}

func (s *Sub) C() <-chan transport.Message { return s.ch }

func (s *Sub) Unsubscribe() error {
	b := s.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return errors.New("already unsubscribed")
	}
	s.closeLocked()
	return nil
}

func (s *Sub) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	delete(s.conn.subs, s)
	close(s.ch)
}
