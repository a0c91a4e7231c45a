package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewForRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	c := NewForRegistry(registry)

	c.VoicePacketsDecoded.Add(3)
	c.UDPAvailable.Set(1)

	assert.InDelta(t, 3.0, testutil.ToFloat64(c.VoicePacketsDecoded), 1e-9)
	assert.InDelta(t, 1.0, testutil.ToFloat64(c.UDPAvailable), 1e-9)

	families, err := registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestDefaultIsIdempotent(t *testing.T) {
	first := Default()
	second := Default()
	assert.Same(t, first, second)
}
