// Package ledger mirrors broker seat locks into Redis so a restarted broker
// can restore them.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/DoyleJ11/seat-sync/internal/config"
	"github.com/DoyleJ11/seat-sync/internal/engine"
	"github.com/DoyleJ11/seat-sync/internal/logger"
)

func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

type record struct {
	SeatID     int64     `json:"seatId"`
	SeatNumber string    `json:"seatNumber"`
	HolderID   string    `json:"holderId"`
	LockedAt   time.Time `json:"lockedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Ledger keeps one hash per trip: field = seat id, value = JSON lock.
type Ledger struct {
	client *redis.Client
	log    *zap.Logger
	now    func() time.Time
}

func New(client *redis.Client, log *zap.Logger) *Ledger {
	return &Ledger{client: client, log: logger.Or(log).Named("ledger"), now: time.Now}
}

// Observe implements room.Observer.
func (l *Ledger) Observe(ctx context.Context, events []engine.Event) {
	if err := l.Record(ctx, events); err != nil {
		l.log.Warn("ledger write failed", zap.Error(err))
	}
}

// Record applies events to the trip hashes in one pipeline.
func (l *Ledger) Record(ctx context.Context, events []engine.Event) error {
	if len(events) == 0 {
		return nil
	}
	pipe := l.client.TxPipeline()
	for _, ev := range events {
		key := l.key(ev.TripID)
		field := strconv.FormatInt(ev.Lock.SeatID, 10)
		switch ev.Type {
		case engine.EvtSeatLocked:
			body, err := json.Marshal(record{
				SeatID:     ev.Lock.SeatID,
				SeatNumber: ev.Lock.SeatNumber,
				HolderID:   ev.Lock.HolderID,
				LockedAt:   ev.Lock.LockedAt,
				ExpiresAt:  ev.Lock.ExpiresAt,
			})
			if err != nil {
				return fmt.Errorf("encode lock: %w", err)
			}
			pipe.HSet(ctx, key, field, body)
			pipe.ExpireAt(ctx, key, ev.Lock.ExpiresAt.Add(time.Minute))
		case engine.EvtSeatUnlocked:
			pipe.HDel(ctx, key, field)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ledger pipeline: %w", err)
	}
	return nil
}

// Load returns the trip's locks that have not lapsed, implementing
// hub.Restorer.
func (l *Ledger) Load(ctx context.Context, tripID int64) ([]engine.Lock, error) {
	vals, err := l.client.HGetAll(ctx, l.key(tripID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load trip %d: %w", tripID, err)
	}

	now := l.now()
	locks := make([]engine.Lock, 0, len(vals))
	for field, raw := range vals {
		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			l.log.Warn("skipping unreadable ledger entry", zap.Int64("trip_id", tripID), zap.String("field", field), zap.Error(err))
			continue
		}
		if !rec.ExpiresAt.After(now) {
			continue
		}
		locks = append(locks, engine.Lock{
			SeatID:     rec.SeatID,
			SeatNumber: rec.SeatNumber,
			HolderID:   rec.HolderID,
			LockedAt:   rec.LockedAt,
			ExpiresAt:  rec.ExpiresAt,
		})
	}
	return locks, nil
}

func (l *Ledger) key(tripID int64) string {
	return fmt.Sprintf("seatsync:trip:%d:locks", tripID)
}
