package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/gatewaycore/internal/bus"
	"github.com/nextlevelbuilder/gatewaycore/internal/config"
)

func TestNewService_AppliesDefaults(t *testing.T) {
	svc := NewService(bus.New(), nil, nil, nil, nil, config.MemoryConfig{})
	assert.Equal(t, 4, svc.cfg.MinUserChars)
	assert.Equal(t, 20, svc.cfg.MinAssistantCharsForShortUser)
	assert.Equal(t, 8000, svc.cfg.MaxCombinedChars)
	assert.Equal(t, 8, svc.cfg.MinCandidateChars)
	assert.Equal(t, 2000, svc.cfg.RecentWriteCacheSize)
	assert.Equal(t, 12, svc.cfg.ClusterEveryMessages)
	assert.Equal(t, 300, svc.cfg.ClusterMinIntervalS)
	assert.Equal(t, 0.7, svc.cfg.ClusteringThreshold)
	assert.Equal(t, 3, svc.cfg.MinClusterSize)
	assert.Equal(t, 50, svc.cfg.CompressionThreshold)
	assert.Equal(t, 600, svc.cfg.MaxSummaryLength)
	assert.Equal(t, 86400, svc.cfg.DecayIntervalS)
	assert.Equal(t, 0.15, svc.cfg.MinImportance)
	assert.Equal(t, 100, svc.cfg.ForgettingEvery)
}

func TestNewService_RespectsExplicitConfig(t *testing.T) {
	svc := NewService(bus.New(), nil, nil, nil, nil, config.MemoryConfig{
		MinUserChars:     9,
		ForgettingEvery:  7,
	})
	assert.Equal(t, 9, svc.cfg.MinUserChars)
	assert.Equal(t, 7, svc.cfg.ForgettingEvery)
}

func TestService_Enabled(t *testing.T) {
	disabled := NewService(bus.New(), nil, nil, nil, nil, config.MemoryConfig{})
	assert.False(t, disabled.Enabled())
}

func TestService_Close_NilStoreIsNoop(t *testing.T) {
	svc := NewService(bus.New(), nil, nil, nil, nil, config.MemoryConfig{})
	assert.NoError(t, svc.Close(context.Background()))
}

func TestService_MaybeTriggerMaintenance_NilStoreIsNoop(t *testing.T) {
	svc := NewService(bus.New(), nil, nil, nil, nil, config.MemoryConfig{})
	svc.maybeTriggerMaintenance(context.Background(), "sess-1", "alice")
	assert.Empty(t, svc.counters)
}

func TestService_RunMaintenanceSweep_NilStoreIsNoop(t *testing.T) {
	svc := NewService(bus.New(), nil, nil, nil, nil, config.MemoryConfig{})
	svc.RunMaintenanceSweep(context.Background()) // must not panic despite nil store
}

func TestService_Query_DisabledReturnsEmpty(t *testing.T) {
	svc := NewService(bus.New(), nil, nil, nil, nil, config.MemoryConfig{})
	got, count, err := svc.Query(context.Background(), "q", "sess-1", "alice", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, count)
}

func TestService_GraphSnapshot_DisabledReturnsEmptyShape(t *testing.T) {
	svc := NewService(bus.New(), nil, nil, nil, nil, config.MemoryConfig{})
	nodes, edges, stats, err := svc.GraphSnapshot(context.Background(), "sess-1", "alice")
	require.NoError(t, err)
	assert.NotNil(t, nodes)
	assert.Empty(t, nodes)
	assert.NotNil(t, edges)
	assert.Empty(t, edges)
	assert.NotNil(t, stats)
	assert.Empty(t, stats)
}

func TestSplitSessionUserKey(t *testing.T) {
	sess, user, ok := splitSessionUserKey("sess-1::alice")
	require.True(t, ok)
	assert.Equal(t, "sess-1", sess)
	assert.Equal(t, "alice", user)

	_, _, ok = splitSessionUserKey("no-separator")
	assert.False(t, ok)
}

func TestSplitNonEmptyLines(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitNonEmptyLines("a\nb\nc"))
	assert.Equal(t, []string{"a", "b"}, splitNonEmptyLines("a\n\nb\n"))
	assert.Empty(t, splitNonEmptyLines(""))
	assert.Empty(t, splitNonEmptyLines("\n\n\n"))
}

func TestLRUSet_ContainsAndAdd(t *testing.T) {
	l := newLRUSet(2)
	assert.False(t, l.Contains("a"))
	l.Add("a")
	assert.True(t, l.Contains("a"))
}

func TestLRUSet_EvictsOldestOnOverflow(t *testing.T) {
	l := newLRUSet(2)
	l.Add("a")
	l.Add("b")
	l.Add("c") // evicts "a"
	assert.False(t, l.Contains("a"))
	assert.True(t, l.Contains("b"))
	assert.True(t, l.Contains("c"))
}

func TestLRUSet_AddIsIdempotent(t *testing.T) {
	l := newLRUSet(2)
	l.Add("a")
	l.Add("a")
	l.Add("b")
	assert.True(t, l.Contains("a"))
	assert.True(t, l.Contains("b"))
}

func TestLRUSet_ZeroCapacityDefaults(t *testing.T) {
	l := newLRUSet(0)
	assert.Equal(t, 2000, l.capacity)
}

func TestService_StartSubscribesWritePath(t *testing.T) {
	b := bus.New()
	svc := NewService(b, nil, nil, nil, nil, config.MemoryConfig{})
	svc.Start(b)

	// Firing the event must not panic even with no store wired; it simply
	// degrades to a no-op through onInteractionCompleted's store-nil guard.
	b.Emit(bus.EventInteractionCompleted, map[string]interface{}{
		"session_id":       "sess-1",
		"user_id":          "alice",
		"user_input":       "hello",
		"assistant_output": "hi",
	})
}
