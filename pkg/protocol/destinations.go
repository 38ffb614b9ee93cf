package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	EndpointPath = "/ws"

	DestSeatLock     = "/app/seat/lock"
	DestSeatUnlock   = "/app/seat/unlock"
	DestGPSUpdate    = "/app/gps/update"
	DestSeatResponse = "/user/queue/seat/response"

	ContentTypeJSON = "application/json"
)

// Subprotocols offered on the websocket upgrade, most preferred first.
var Subprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

const (
	tripTopicPrefix = "/topic/trips/"
	tripTopicSuffix = "/seats"
)

func TripSeatsTopic(tripID int64) string {
	return fmt.Sprintf("%s%d%s", tripTopicPrefix, tripID, tripTopicSuffix)
}

// ParseTripSeatsTopic extracts the trip id from /topic/trips/{tripId}/seats.
func ParseTripSeatsTopic(dest string) (int64, bool) {
	if !strings.HasPrefix(dest, tripTopicPrefix) || !strings.HasSuffix(dest, tripTopicSuffix) {
		return 0, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(dest, tripTopicPrefix), tripTopicSuffix)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
