package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DoyleJ11/seat-sync/internal/hub"
	"github.com/DoyleJ11/seat-sync/internal/ws"
)

type Options struct {
	WS ws.Options
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	Now      func() time.Time
}

func SetupRoutes(h *hub.Hub, opts Options) http.Handler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// Public routes
	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(h, opts.WS))
	r.Get("/trips/{tripID}/locks", TripLocks(h, opts.Now))
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}
