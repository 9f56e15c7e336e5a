package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/gatewaycore/internal/bus"
	"github.com/nextlevelbuilder/gatewaycore/internal/config"
)

func TestDecayFactor_Boundaries(t *testing.T) {
	assert.Equal(t, 1.0, decayFactor(0))
	assert.Equal(t, 1.0, decayFactor(1))
	assert.Equal(t, 0.9, decayFactor(1.5))
	assert.Equal(t, 0.9, decayFactor(7))
	assert.Equal(t, 0.7, decayFactor(30))
	assert.Equal(t, 0.5, decayFactor(90))
	assert.Equal(t, 0.3, decayFactor(365))
	assert.Equal(t, 0.2, decayFactor(366))
}

func TestAccessBoost_CapsAt0_2(t *testing.T) {
	assert.Equal(t, 0.0, accessBoost(0))
	assert.Equal(t, 0.0, accessBoost(9))
	assert.InDelta(t, 0.05, accessBoost(10), 1e-9)
	assert.InDelta(t, 0.15, accessBoost(30), 1e-9)
	assert.Equal(t, 0.2, accessBoost(1000))
}

func TestDecaySession_NilStoreIsNoop(t *testing.T) {
	svc := NewService(bus.New(), nil, nil, nil, nil, config.MemoryConfig{})
	updated, err := svc.DecaySession(context.Background(), "sess-1", "alice")
	require.NoError(t, err)
	assert.Zero(t, updated)
}

func TestCleanupSession_NilStoreIsNoop(t *testing.T) {
	svc := NewService(bus.New(), nil, nil, nil, nil, config.MemoryConfig{})
	deleted, err := svc.CleanupSession(context.Background())
	require.NoError(t, err)
	assert.Zero(t, deleted)
}
