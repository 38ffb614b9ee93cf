package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/DoyleJ11/seat-sync/internal/audit"
	"github.com/DoyleJ11/seat-sync/internal/config"
	"github.com/DoyleJ11/seat-sync/internal/engine"
	"github.com/DoyleJ11/seat-sync/internal/httpapi"
	"github.com/DoyleJ11/seat-sync/internal/hub"
	"github.com/DoyleJ11/seat-sync/internal/ledger"
	"github.com/DoyleJ11/seat-sync/internal/logger"
	"github.com/DoyleJ11/seat-sync/internal/metrics"
	"github.com/DoyleJ11/seat-sync/internal/room"
	"github.com/DoyleJ11/seat-sync/internal/ws"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.NewLogger(cfg.App.Env)
	logger.Set(log)
	defer logger.Sync()

	if err := cfg.Broker.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	roomOpts := room.Options{
		SweepInterval: cfg.Broker.SweepInterval,
		Logger:        log,
		Metrics:       m,
	}
	hubOpts := hub.Options{
		Layout: engine.Layout{Capacity: cfg.Broker.SeatsPerTrip, PerRow: cfg.Broker.SeatsPerRow},
		TTL:    cfg.Broker.LockTTL,
		Logger: log,
	}

	if cfg.Broker.Redis.Enabled() {
		client := ledger.NewClient(cfg.Broker.Redis)
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		err := ledger.Ping(pingCtx, client)
		pingCancel()
		if err != nil {
			log.Warn("redis unavailable, locks will not persist", zap.Error(err))
		} else {
			l := ledger.New(client, log)
			roomOpts.Observers = append(roomOpts.Observers, l)
			hubOpts.Restorer = l
			log.Info("lock ledger enabled", zap.String("addr", cfg.Broker.Redis.Addr))
		}
		defer client.Close()
	}

	if cfg.Broker.Audit.Enabled() {
		pub, err := audit.Dial(cfg.Broker.Audit, log)
		if err != nil {
			log.Warn("audit feed unavailable", zap.Error(err))
		} else {
			roomOpts.Observers = append(roomOpts.Observers, pub)
			defer pub.Close()
			log.Info("audit feed enabled", zap.String("exchange", cfg.Broker.Audit.Exchange))
		}
	}

	hubOpts.Room = roomOpts
	h := hub.NewHub(ctx, hubOpts)

	// Build the router *with* the hub injected
	handler := httpapi.SetupRoutes(h, httpapi.Options{
		WS: ws.Options{
			OriginPatterns: cfg.Broker.AllowedOrigins,
			Logger:         log,
			Metrics:        m,
		},
	})

	srv := &http.Server{
		Addr:              cfg.Broker.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("listening", zap.String("addr", cfg.Broker.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", zap.Error(err))
	}
	h.Inbox() <- hub.ShutdownHub{}
	<-h.Done()
}
