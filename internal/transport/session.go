package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/seat-sync/internal/logger"
	"github.com/DoyleJ11/seat-sync/internal/metrics"
)

// Lifecycle is fanned out to watchers on every connect and disconnect.
// Generation increases by one per successful dial.
type Lifecycle struct {
	Connected  bool
	Generation uint64
}

type Options struct {
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// Session owns the single long-lived broker connection of this process and
// redials it whenever it drops.
type Session struct {
	dialer        Dialer
	retryDelay    time.Duration
	maxRetryDelay time.Duration
	log           *zap.Logger
	metrics       *metrics.Metrics

	mu        sync.RWMutex
	conn      Conn
	gen       uint64
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	watchers  map[int]chan Lifecycle
	nextWatch int
}

func NewSession(d Dialer, opts Options) *Session {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.MaxRetryDelay < opts.RetryDelay {
		opts.MaxRetryDelay = opts.RetryDelay
	}
	return &Session{
		dialer:        d,
		retryDelay:    opts.RetryDelay,
		maxRetryDelay: opts.MaxRetryDelay,
		log:           logger.Or(opts.Logger).Named("transport"),
		metrics:       metrics.Or(opts.Metrics),
		watchers:      make(map[int]chan Lifecycle),
	}
}

// Connect starts the dial loop. Calling it again while running is a no-op.
// It does not wait for the first dial; use WaitConnected or Watch.
func (s *Session) Connect(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(loopCtx, s.done)
}

// Disconnect stops the dial loop and closes the connection.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *Session) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil
}

// Watch registers for lifecycle events. A watcher added while connected
// immediately receives the current Connected event.
func (s *Session) Watch() (<-chan Lifecycle, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextWatch
	s.nextWatch++
	ch := make(chan Lifecycle, 8)
	s.watchers[id] = ch
	if s.conn != nil {
		ch <- Lifecycle{Connected: true, Generation: s.gen}
	}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
		})
	}
}

// WaitConnected blocks until the session is connected or ctx ends.
func (s *Session) WaitConnected(ctx context.Context) error {
	events, stop := s.Watch()
	defer stop()
	if s.IsConnected() {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			if ev.Connected {
				return nil
			}
		}
	}
}

func (s *Session) Send(destination string, body []byte) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		s.log.Warn("send dropped while disconnected", zap.String("destination", destination))
		return ErrNotConnected
	}
	if err := conn.Send(destination, body); err != nil {
		return fmt.Errorf("send %s: %w", destination, err)
	}
	return nil
}

func (s *Session) Subscribe(destination string) (Subscription, error) {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		s.log.Warn("subscribe refused while disconnected", zap.String("destination", destination))
		return nil, ErrNotConnected
	}
	sub, err := conn.Subscribe(destination)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", destination, err)
	}
	return sub, nil
}

func (s *Session) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	delay := s.retryDelay
	for {
		conn, err := s.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.metrics.Reconnects.WithLabelValues("failure").Inc()
			s.log.Warn("dial failed", zap.Error(err), zap.Duration("retry_in", delay))
			if !sleep(ctx, delay) {
				return
			}
			delay = min(delay*2, s.maxRetryDelay)
			continue
		}
		s.metrics.Reconnects.WithLabelValues("success").Inc()
		delay = s.retryDelay
		s.attach(conn)

		select {
		case <-conn.Done():
			s.detach()
			if err := conn.Close(); err != nil {
				s.log.Debug("close lost connection", zap.Error(err))
			}
			s.log.Warn("connection lost", zap.Duration("retry_in", delay))
			if !sleep(ctx, delay) {
				return
			}
		case <-ctx.Done():
			s.detach()
			if err := conn.Close(); err != nil {
				s.log.Debug("close", zap.Error(err))
			}
			return
		}
	}
}

func (s *Session) attach(conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.gen++
	s.metrics.Connected.Set(1)
	s.log.Info("connected", zap.Uint64("generation", s.gen))
	s.emitLocked(Lifecycle{Connected: true, Generation: s.gen})
}

func (s *Session) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return
	}
	s.conn = nil
	s.metrics.Connected.Set(0)
	s.emitLocked(Lifecycle{Connected: false, Generation: s.gen})
}

func (s *Session) emitLocked(ev Lifecycle) {
	for id, ch := range s.watchers {
		select {
		case ch <- ev:
		default:
			s.log.Warn("lifecycle watcher lagging, event dropped", zap.Int("watcher", id))
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
