package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/gatewaycore/internal/bus"
	"github.com/nextlevelbuilder/gatewaycore/internal/config"
)

func TestMergeKeys_DedupesPreservingOrder(t *testing.T) {
	out := mergeKeys([]string{"a", "b", "a"}, []string{"b", "c"})
	assert.Equal(t, []string{"a", "b", "c"}, out)
}

func TestMergeKeys_DropsEmptyStrings(t *testing.T) {
	out := mergeKeys([]string{"", "a"}, []string{"", "b"})
	assert.Equal(t, []string{"a", "b"}, out)
}

func TestMergeKeys_BothEmpty(t *testing.T) {
	assert.Empty(t, mergeKeys(nil, nil))
}

func TestWriteTurn_NilStoreDegradesSilently(t *testing.T) {
	svc := NewService(bus.New(), nil, NewClassifier(nil, ""), nil, nil, config.MemoryConfig{})
	err := svc.writeTurn(context.Background(), "sess-1", "alice", strings.Repeat("x", 50), "ok")
	require.NoError(t, err)
}

func TestOnInteractionCompleted_MalformedPayloadIsIgnored(t *testing.T) {
	svc := NewService(bus.New(), nil, nil, nil, nil, config.MemoryConfig{})
	// A non-map payload must be a silent no-op, never a panic.
	svc.onInteractionCompleted(bus.Event{Type: bus.EventInteractionCompleted, Payload: "not a map"})
}

func TestOnInteractionCompleted_DefaultsUserID(t *testing.T) {
	svc := NewService(bus.New(), nil, nil, nil, nil, config.MemoryConfig{})
	// No user_id in the payload and a nil store: must not panic, and must
	// still reach maybeTriggerMaintenance (itself a nil-store no-op).
	svc.onInteractionCompleted(bus.Event{
		Type: bus.EventInteractionCompleted,
		Payload: map[string]interface{}{
			"session_id": "sess-1",
			"user_input": "hi",
		},
	})
}
