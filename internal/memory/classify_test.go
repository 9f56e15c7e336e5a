package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/gatewaycore/internal/providers"
)

// fakeProvider is a scripted providers.Provider stand-in, the same role the
// teacher's httptest servers play for its channel adapters' HTTP clients.
type fakeProvider struct {
	content string
	err     error
}

func (f *fakeProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &providers.ChatResponse{Content: f.content}, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return f.Chat(ctx, req)
}

func (f *fakeProvider) DefaultModel() string { return "fake-model" }
func (f *fakeProvider) Name() string         { return "fake" }

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func TestClassifier_ShouldRecall_True(t *testing.T) {
	c := NewClassifier(&fakeProvider{content: `{"recall": true}`}, "")
	should, err := c.ShouldRecall(context.Background(), "what's my name again?")
	require.NoError(t, err)
	assert.True(t, should)
}

func TestClassifier_ShouldRecall_False(t *testing.T) {
	c := NewClassifier(&fakeProvider{content: `{"recall": false}`}, "")
	should, err := c.ShouldRecall(context.Background(), "what's 2+2?")
	require.NoError(t, err)
	assert.False(t, should)
}

func TestClassifier_ShouldRecall_MarkdownFencedJSON(t *testing.T) {
	c := NewClassifier(&fakeProvider{content: "```json\n{\"recall\": true}\n```"}, "")
	should, err := c.ShouldRecall(context.Background(), "q")
	require.NoError(t, err)
	assert.True(t, should)
}

func TestClassifier_ShouldRecall_MalformedJSONDefaultsFalse(t *testing.T) {
	c := NewClassifier(&fakeProvider{content: "not json at all"}, "")
	should, err := c.ShouldRecall(context.Background(), "q")
	require.NoError(t, err)
	assert.False(t, should)
}

func TestClassifier_ShouldRecall_ProviderErrorPropagates(t *testing.T) {
	c := NewClassifier(&fakeProvider{err: fakeErr("upstream down")}, "")
	_, err := c.ShouldRecall(context.Background(), "q")
	require.Error(t, err)
}

func TestClassifier_ClassifyWrite_LLMPath(t *testing.T) {
	c := NewClassifier(&fakeProvider{content: `{"has_long_term_state": true, "candidates": [
		{"type": "preference", "content": "likes dark mode", "semantic_keys": ["dark", "mode"]}
	]}`}, "")
	has, candidates, err := c.ClassifyWrite(context.Background(), "I prefer dark mode", "Noted.")
	require.NoError(t, err)
	assert.True(t, has)
	require.Len(t, candidates, 1)
	assert.Equal(t, "preference", candidates[0].Type)
	assert.Equal(t, "likes dark mode", candidates[0].Content)
}

func TestClassifier_ClassifyWrite_DropsDisallowedType(t *testing.T) {
	c := NewClassifier(&fakeProvider{content: `{"has_long_term_state": true, "candidates": [
		{"type": "trivia", "content": "x"},
		{"type": "goal", "content": "ship v2"}
	]}`}, "")
	_, candidates, err := c.ClassifyWrite(context.Background(), "u", "a")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "goal", candidates[0].Type)
}

func TestClassifier_ClassifyWrite_FallsBackToHeuristicOnProviderError(t *testing.T) {
	c := NewClassifier(&fakeProvider{err: fakeErr("down")}, "")
	has, candidates, err := c.ClassifyWrite(context.Background(), "my goal is to launch", "ok")
	require.NoError(t, err)
	assert.True(t, has)
	require.Len(t, candidates, 1)
	assert.Equal(t, "goal", candidates[0].Type)
}

func TestClassifier_ClassifyWrite_NilProviderUsesHeuristic(t *testing.T) {
	c := NewClassifier(nil, "")
	has, candidates, err := c.ClassifyWrite(context.Background(), "I must finish this today", "ok")
	require.NoError(t, err)
	assert.True(t, has)
	require.Len(t, candidates, 1)
	assert.Equal(t, "constraint", candidates[0].Type)
}

func TestHeuristicClassify_NoMarkerPhrase(t *testing.T) {
	has, candidates, err := heuristicClassify("what time is it")
	require.NoError(t, err)
	assert.False(t, has)
	assert.Nil(t, candidates)
}

func TestHeuristicClassify_StopsAtFirstMatch(t *testing.T) {
	_, candidates, err := heuristicClassify("I prefer tea, and my goal is to relax")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "preference", candidates[0].Type) // "prefer" is earlier in markerPhrases than "goal"
}

func TestExtractJSON_StripsFencesAndOuterNoise(t *testing.T) {
	var out struct {
		Recall bool `json:"recall"`
	}
	ok := extractJSON("here you go:\n```json\n{\"recall\": true}\n```\nthanks", &out)
	assert.True(t, ok)
	assert.True(t, out.Recall)
}

func TestExtractJSON_NoBraces(t *testing.T) {
	var out struct{}
	assert.False(t, extractJSON("no braces here", &out))
}
