package transport

import (
	"context"
	"errors"
)

var (
	ErrNotConnected = errors.New("transport not connected")
	ErrClosed       = errors.New("transport connection closed")
)

// Message is one inbound frame body, or the error that ended a subscription.
type Message struct {
	Destination string
	Body        []byte
	Err         error
}

type Subscription interface {
	// C is closed when the subscription ends for any reason.
	C() <-chan Message
	Unsubscribe() error
}

// Conn is one physical broker connection.
type Conn interface {
	Send(destination string, body []byte) error
	Subscribe(destination string) (Subscription, error)
	// Done is closed once the connection is unusable.
	Done() <-chan struct{}
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }
