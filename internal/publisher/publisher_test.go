package publisher

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DoyleJ11/seat-sync/internal/metrics"
	"github.com/DoyleJ11/seat-sync/internal/transport"
	"github.com/DoyleJ11/seat-sync/pkg/protocol"
)

type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(destination string, body []byte) error {
	args := m.Called(destination, body)
	return args.Error(0)
}

func (m *MockSender) IsConnected() bool {
	args := m.Called()
	return args.Bool(0)
}

func TestRequestLock_SendsPayload(t *testing.T) {
	s := new(MockSender)
	s.On("IsConnected").Return(true)
	s.On("Send", protocol.DestSeatLock, mock.Anything).Return(nil)

	m := metrics.Discard()
	p := New(s, zap.NewNop(), m)
	require.NoError(t, p.RequestLock(10, 3, "user_1"))

	body := s.Calls[1].Arguments.Get(1).([]byte)
	var req protocol.LockRequest
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, protocol.LockRequest{TripID: 10, SeatID: 3, UserID: "user_1"}, req)
	assert.JSONEq(t, `{"tripId":10,"seatId":3,"userId":"user_1"}`, string(body))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IntentsPublished.WithLabelValues(protocol.DestSeatLock, "sent")))
}

func TestRequestUnlock_UsesUnlockDestination(t *testing.T) {
	s := new(MockSender)
	s.On("IsConnected").Return(true)
	s.On("Send", protocol.DestSeatUnlock, mock.Anything).Return(nil)

	p := New(s, zap.NewNop(), nil)
	require.NoError(t, p.RequestUnlock(10, 3, "user_1"))
	s.AssertExpectations(t)
}

func TestPublish_NotConnected(t *testing.T) {
	s := new(MockSender)
	s.On("IsConnected").Return(false)

	m := metrics.Discard()
	p := New(s, zap.NewNop(), m)
	err := p.RequestLock(10, 3, "user_1")

	assert.ErrorIs(t, err, transport.ErrNotConnected)
	s.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IntentsPublished.WithLabelValues(protocol.DestSeatLock, "not_connected")))
}

func TestPublish_InvalidRequest(t *testing.T) {
	s := new(MockSender)
	p := New(s, zap.NewNop(), nil)

	assert.ErrorIs(t, p.RequestLock(0, 3, "u"), protocol.ErrInvalidRequest)
	assert.ErrorIs(t, p.RequestLock(1, 0, "u"), protocol.ErrInvalidRequest)
	assert.ErrorIs(t, p.RequestUnlock(1, 3, ""), protocol.ErrInvalidRequest)
	s.AssertNotCalled(t, "IsConnected")
}

func TestPublish_SendErrorIsReturned(t *testing.T) {
	boom := errors.New("write failed")
	s := new(MockSender)
	s.On("IsConnected").Return(true)
	s.On("Send", mock.Anything, mock.Anything).Return(boom)

	p := New(s, zap.NewNop(), nil)
	assert.ErrorIs(t, p.RequestLock(1, 1, "u"), boom)
}
