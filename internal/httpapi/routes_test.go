package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DoyleJ11/seat-sync/internal/engine"
	"github.com/DoyleJ11/seat-sync/internal/hub"
	"github.com/DoyleJ11/seat-sync/internal/metrics"
	"github.com/DoyleJ11/seat-sync/internal/room"
)

func newTestRouter(t *testing.T) (http.Handler, *hub.Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	reg := prometheus.NewRegistry()
	h := hub.NewHub(ctx, hub.Options{
		Layout: engine.Layout{Capacity: 8, PerRow: 4},
		TTL:    time.Minute,
		Room:   room.Options{Logger: zap.NewNop(), Metrics: metrics.NewWithRegistry(reg)},
		Logger: zap.NewNop(),
	})
	return SetupRoutes(h, Options{Gatherer: reg}), h
}

func TestHealthz(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "seatsync_broker_active_locks")
}

func TestTripLocks(t *testing.T) {
	r, h := newTestRouter(t)

	t.Run("invalid id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/trips/abc/locks", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown trip has no locks", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/trips/99/locks", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"tripId":99,"version":0,"locks":[]}`, rec.Body.String())
	})

	t.Run("live locks are listed", func(t *testing.T) {
		rm := h.Ensure(4)
		reply := make(chan error, 1)
		rm.Inbox() <- room.FromClient{Cmd: engine.Command{Type: engine.CmdLock, SeatID: 2, HolderID: "user_1"}, Reply: reply}
		require.NoError(t, <-reply)

		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/trips/4/locks", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"seatNumber":"A2"`)
		assert.Contains(t, rec.Body.String(), `"holderId":"user_1"`)
		assert.Contains(t, rec.Body.String(), `"version":1`)
	})
}
