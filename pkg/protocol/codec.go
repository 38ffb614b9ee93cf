package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var (
	ErrMalformed      = errors.New("malformed payload")
	ErrInvalidRequest = errors.New("invalid request")
)

var validate = validator.New()

// DecodeSeatEvent parses a broadcast body. An unknown type is returned as-is;
// callers check Known.
func DecodeSeatEvent(body []byte) (SeatEvent, error) {
	var ev SeatEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return SeatEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ev.Type == "" {
		return SeatEvent{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return ev, nil
}

func DecodeSeatResponse(body []byte) (SeatResponse, error) {
	var resp SeatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return SeatResponse{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return resp, nil
}

func DecodeLockRequest(body []byte) (LockRequest, error) {
	var req LockRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return LockRequest{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := req.Validate(); err != nil {
		return LockRequest{}, err
	}
	return req, nil
}

func (r LockRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}
