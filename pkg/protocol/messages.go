package protocol

// Client -> Server (STOMP SEND)
// /app/seat/lock, /app/seat/unlock:
//   tripId: number
//   seatId: number
//   userId: string   // numeric user id as string, or guest_<millis>_<rand>
//
// Server -> Client (STOMP MESSAGE)
// /topic/trips/{tripId}/seats:
//   type: "SEAT_LOCKED" | "SEAT_UNLOCKED"
//   seatId: number
//   seatNumber: string        // SEAT_LOCKED only
//   lockedBy: string          // SEAT_LOCKED only, holderId accepted too
//   timestamp: ISO8601
//   lockExpiry: ISO8601
//
// /user/queue/seat/response (only to the requester, only on rejection):
//   success: boolean
//   message: string

type EventType string

const (
	EventSeatLocked   EventType = "SEAT_LOCKED"
	EventSeatUnlocked EventType = "SEAT_UNLOCKED"
)

// LockRequest is the body of both lock and unlock intents.
type LockRequest struct {
	TripID int64  `json:"tripId" validate:"required,gt=0"`
	SeatID int64  `json:"seatId" validate:"required,gt=0"`
	UserID string `json:"userId" validate:"required,max=128"`
}

type SeatEvent struct {
	Type       EventType `json:"type"`
	SeatID     int64     `json:"seatId"`
	SeatNumber string    `json:"seatNumber,omitempty"`
	LockedBy   string    `json:"lockedBy,omitempty"`
	HolderID   string    `json:"holderId,omitempty"`
	Timestamp  Timestamp `json:"timestamp"`
	LockExpiry Timestamp `json:"lockExpiry"`
}

// Holder returns whoever the event names as lock holder.
func (e SeatEvent) Holder() string {
	if e.LockedBy != "" {
		return e.LockedBy
	}
	return e.HolderID
}

// Known reports whether the event type is one this version understands.
// Unknown types are skipped by consumers, not treated as errors.
func (e SeatEvent) Known() bool {
	return e.Type == EventSeatLocked || e.Type == EventSeatUnlocked
}

type SeatResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
