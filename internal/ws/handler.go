package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/seat-sync/internal/hub"
	"github.com/DoyleJ11/seat-sync/internal/identity"
	"github.com/DoyleJ11/seat-sync/internal/logger"
	"github.com/DoyleJ11/seat-sync/internal/metrics"
	"github.com/DoyleJ11/seat-sync/pkg/protocol"
)

type Options struct {
	// OriginPatterns is passed to websocket.Accept; empty means same origin.
	OriginPatterns []string
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

// Handler upgrades /ws requests and runs one STOMP session per connection.
func Handler(h *hub.Hub, opts Options) http.HandlerFunc {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	log := logger.Or(opts.Logger).Named("ws")
	m := metrics.Or(opts.Metrics)

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   protocol.Subprotocols,
			OriginPatterns: opts.OriginPatterns,
		})
		if err != nil {
			log.Debug("websocket accept failed", zap.Error(err))
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		sessionID := uuid.NewString()
		slog := log.With(zap.String("session_id", sessionID))
		if principal := principalOf(r.Header.Get("Authorization")); principal != "" {
			slog = slog.With(zap.String("principal", principal))
		}

		m.Sessions.Inc()
		defer m.Sessions.Dec()

		// the net.Conn outlives the session ctx so queued frames still flush
		s := newSession(ctx, cancel, sessionID, websocket.NetConn(r.Context(), conn, websocket.MessageText), h, opts, slog)
		s.serve()
	}
}

// principalOf names the caller for logs only; tokens are not verified here.
func principalOf(authorization string) string {
	if authorization == "" {
		return ""
	}
	id, err := identity.FromAccessToken(authorization)
	if err != nil {
		return ""
	}
	return id.ID
}
