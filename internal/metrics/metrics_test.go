package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithRegistry_RegistersAll(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.EventsReceived.WithLabelValues("SEAT_LOCKED").Inc()
	m.IntentsPublished.WithLabelValues("/app/seat/lock", "sent").Add(2)
	m.Connected.Set(1)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsReceived.WithLabelValues("SEAT_LOCKED")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.IntentsPublished.WithLabelValues("/app/seat/lock", "sent")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Connected))
}

func TestNewWithRegistry_DuplicatePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewWithRegistry(reg)
	assert.Panics(t, func() { NewWithRegistry(reg) })
}

func TestOr(t *testing.T) {
	m := Discard()
	assert.Same(t, m, Or(m))
	assert.NotNil(t, Or(nil))
}
