package ws

import (
	"fmt"
	"testing"
	"time"

	"github.com/DoyleJ11/seat-sync/internal/engine"
	"github.com/DoyleJ11/seat-sync/pkg/protocol"
)

func TestNegotiateVersion(t *testing.T) {
	cases := map[string]string{
		"":            "1.0",
		"1.0":         "1.0",
		"1.1,1.2":     "1.2",
		"1.0, 1.1":    "1.1",
		"2.0":         "",
		" 1.2 ,1.0  ": "1.2",
	}
	for accept, want := range cases {
		if got := negotiateVersion(accept); got != want {
			t.Fatalf("negotiateVersion(%q) = %q, want %q", accept, got, want)
		}
	}
}

func TestToSeatEvent(t *testing.T) {
	locked := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	lk := engine.Lock{SeatID: 7, SeatNumber: "B3", HolderID: "42", LockedAt: locked, ExpiresAt: locked.Add(15 * time.Minute)}

	ev := toSeatEvent(engine.Event{Type: engine.EvtSeatLocked, TripID: 1, Lock: lk, At: locked})
	if ev.Type != protocol.EventSeatLocked || ev.SeatID != 7 || ev.SeatNumber != "B3" || ev.LockedBy != "42" {
		t.Fatalf("unexpected locked event %+v", ev)
	}
	if !ev.LockExpiry.Time.Equal(lk.ExpiresAt) || !ev.Timestamp.Time.Equal(locked) {
		t.Fatalf("times not carried: %+v", ev)
	}

	un := toSeatEvent(engine.Event{Type: engine.EvtSeatUnlocked, TripID: 1, Lock: lk, At: locked.Add(time.Minute)})
	if un.Type != protocol.EventSeatUnlocked || un.SeatID != 7 || un.LockedBy != "" {
		t.Fatalf("unexpected unlocked event %+v", un)
	}
}

func TestRefusalMessage(t *testing.T) {
	if got := refusalMessage(fmt.Errorf("lock: %w", engine.ErrSeatTaken)); got != "Seat already locked by another user" {
		t.Fatalf("wrapped ErrSeatTaken: %q", got)
	}
	if got := refusalMessage(engine.ErrUnknownSeat); got != "Seat does not exist" {
		t.Fatalf("ErrUnknownSeat: %q", got)
	}
	if got := refusalMessage(fmt.Errorf("boom")); got != "Seat request rejected" {
		t.Fatalf("fallback: %q", got)
	}
}
