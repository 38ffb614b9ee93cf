package notify

import (
	"time"

	"go.uber.org/zap"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

type Kind string

const (
	KindLockRejected Kind = "lock_rejected"
	KindSeatExpiring Kind = "seat_expiring"
	KindSeatExpired  Kind = "seat_expired"
	KindNotConnected Kind = "not_connected"
	KindSeatTaken    Kind = "seat_taken"
)

// Notification is a one-shot, non-blocking message for the user.
type Notification struct {
	Kind    Kind
	Level   Level
	TripID  int64
	SeatID  int64
	Message string
	At      time.Time
}

type Notifier interface {
	Notify(Notification)
}

type Func func(Notification)

func (f Func) Notify(n Notification) { f(n) }

// Chan delivers to a buffered channel and drops when the reader lags.
type Chan chan Notification

func (c Chan) Notify(n Notification) {
	select {
	case c <- n:
	default:
	}
}

// Log writes notifications to a zap logger.
type Log struct {
	L *zap.Logger
}

func (l Log) Notify(n Notification) {
	fields := []zap.Field{
		zap.String("kind", string(n.Kind)),
		zap.Int64("trip_id", n.TripID),
		zap.Int64("seat_id", n.SeatID),
	}
	switch n.Level {
	case LevelError:
		l.L.Error(n.Message, fields...)
	case LevelWarning:
		l.L.Warn(n.Message, fields...)
	default:
		l.L.Info(n.Message, fields...)
	}
}

// Multi fans out to every non-nil notifier.
type Multi []Notifier

func (m Multi) Notify(n Notification) {
	for _, x := range m {
		if x != nil {
			x.Notify(n)
		}
	}
}

// Discard drops everything.
var Discard Notifier = Func(func(Notification) {})
