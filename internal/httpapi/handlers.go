package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/DoyleJ11/seat-sync/internal/engine"
	"github.com/DoyleJ11/seat-sync/internal/hub"
	"github.com/DoyleJ11/seat-sync/internal/room"
	"github.com/DoyleJ11/seat-sync/pkg/protocol"
)

type lockView struct {
	SeatID     int64              `json:"seatId"`
	SeatNumber string             `json:"seatNumber"`
	HolderID   string             `json:"holderId"`
	LockedAt   protocol.Timestamp `json:"lockedAt"`
	LockExpiry protocol.Timestamp `json:"lockExpiry"`
}

type tripLocks struct {
	TripID  int64      `json:"tripId"`
	Version int        `json:"version"`
	Locks   []lockView `json:"locks"`
}

// TripLocks lists the live locks of one trip. A trip without a room has
// no locks.
func TripLocks(h *hub.Hub, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tripID, err := strconv.ParseInt(chi.URLParam(r, "tripID"), 10, 64)
		if err != nil || tripID <= 0 {
			http.Error(w, "invalid trip id", http.StatusBadRequest)
			return
		}

		resp := tripLocks{TripID: tripID, Locks: []lockView{}}
		if rm := h.Get(tripID); rm != nil {
			reply := make(chan room.View, 1)
			if !rm.Send(room.GetState{Reply: reply}) {
				http.Error(w, "trip unavailable", http.StatusServiceUnavailable)
				return
			}
			select {
			case view := <-reply:
				resp.Version = view.Version
				for _, lk := range engine.LiveLocks(view.State, now()) {
					resp.Locks = append(resp.Locks, lockView{
						SeatID:     lk.SeatID,
						SeatNumber: lk.SeatNumber,
						HolderID:   lk.HolderID,
						LockedAt:   protocol.At(lk.LockedAt),
						LockExpiry: protocol.At(lk.ExpiresAt),
					})
				}
			case <-rm.Done():
				http.Error(w, "trip unavailable", http.StatusServiceUnavailable)
				return
			case <-r.Context().Done():
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
