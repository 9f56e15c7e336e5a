package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/gatewaycore/internal/bus"
	"github.com/nextlevelbuilder/gatewaycore/internal/config"
)

func TestParamsFor_ShortNoEntities(t *testing.T) {
	p := paramsFor("hi there", nil)
	assert.Equal(t, 800, p.maxTokens)
	assert.Equal(t, 2, p.itemsPerLayer)
	assert.Equal(t, 3, p.recentDays)
}

func TestParamsFor_ModerateComplexity(t *testing.T) {
	p := paramsFor("what did we decide about the launch timeline last week", []string{"launch", "timeline"})
	assert.Equal(t, 1500, p.maxTokens)
	assert.Equal(t, 3, p.itemsPerLayer)
	assert.Equal(t, 7, p.recentDays)
}

func TestParamsFor_HighComplexity(t *testing.T) {
	entities := []string{"a", "b", "c"}
	p := paramsFor("a very long query well beyond the short threshold used to classify complexity tiers here", entities)
	assert.Equal(t, 2500, p.maxTokens)
	assert.Equal(t, 5, p.itemsPerLayer)
	assert.Equal(t, 14, p.recentDays)
}

func TestParamsFor_ReminiscenceMarkerWidensWindow(t *testing.T) {
	base := paramsFor("hi there", nil)
	withMarker := paramsFor("remember hi there", nil)
	assert.Equal(t, base.itemsPerLayer+1, withMarker.itemsPerLayer)
	assert.Equal(t, base.recentDays+3, withMarker.recentDays)
}

func TestParamsFor_CJKReminiscenceMarker(t *testing.T) {
	base := paramsFor("天气怎么样", nil)
	withMarker := paramsFor("之前天气怎么样", nil)
	assert.Equal(t, base.itemsPerLayer+1, withMarker.itemsPerLayer)
}

func TestRowsToItems_SkipsEmptyContent(t *testing.T) {
	rows := []map[string]interface{}{
		{"content": "", "importance": 0.5, "created_at": int64(1)},
		{"content": "kept", "importance": 0.8, "created_at": int64(2)},
	}
	items := rowsToItems("direct", rows)
	require.Len(t, items, 1)
	assert.Equal(t, "kept", items[0].content)
	assert.Equal(t, "direct", items[0].layer)
}

func TestToInt64_Variants(t *testing.T) {
	assert.Equal(t, int64(5), toInt64(int64(5)))
	assert.Equal(t, int64(5), toInt64(int(5)))
	assert.Equal(t, int64(5), toInt64(float64(5.9)))
	assert.Equal(t, int64(0), toInt64("not a number"))
	assert.Equal(t, int64(0), toInt64(nil))
}

func TestFormatRecall_GroupsByLayerHeader(t *testing.T) {
	items := []recallItem{
		{layer: "direct", content: "likes coffee", importance: 0.9, createdAt: 2},
		{layer: "recent", content: "asked about weather", importance: 0.5, createdAt: 1},
	}
	out := formatRecall(items, 10000)
	assert.Contains(t, out, "[DIRECT]")
	assert.Contains(t, out, "[RECENT]")
	assert.Contains(t, out, "likes coffee")
	assert.Contains(t, out, "asked about weather")
}

func TestFormatRecall_TruncatesLongContent(t *testing.T) {
	long := ""
	for i := 0; i < 150; i++ {
		long += "x"
	}
	items := []recallItem{{layer: "direct", content: long, importance: 0.5, createdAt: 1}}
	out := formatRecall(items, 10000)
	assert.NotContains(t, out, long) // full 150-char string must not survive
	assert.True(t, len(out) < len(long)+20)
}

func TestFormatRecall_StopsAtTokenBudget(t *testing.T) {
	items := []recallItem{
		{layer: "direct", content: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", importance: 0.9, createdAt: 2},
		{layer: "direct", content: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", importance: 0.5, createdAt: 1},
	}
	out := formatRecall(items, 1) // budget too small for even one item's estimate beyond zero
	assert.Empty(t, out)
}

func TestFormatRecall_Empty(t *testing.T) {
	assert.Empty(t, formatRecall(nil, 1000))
}

func TestGetContext_DisabledReturnsEmpty(t *testing.T) {
	svc := NewService(bus.New(), nil, nil, nil, nil, config.MemoryConfig{})
	out, err := svc.GetContext(context.Background(), "what did I say", "sess-1", "alice")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRecallDirect_NoEntitiesShortCircuits(t *testing.T) {
	svc := NewService(bus.New(), nil, nil, nil, nil, config.MemoryConfig{})
	items := svc.recallDirect(context.Background(), "alice", nil, recallParams{itemsPerLayer: 3})
	assert.Nil(t, items)
}
