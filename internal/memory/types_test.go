package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScopedSessionID(t *testing.T) {
	assert.Equal(t, "session_alice::sess-1", ScopedSessionID("sess-1", "alice"))
}

func TestLegacySessionID(t *testing.T) {
	assert.Equal(t, "session_sess-1", LegacySessionID("sess-1"))
}

func TestUserNodeID(t *testing.T) {
	assert.Equal(t, "user_alice", UserNodeID("alice"))
}

func TestNormalizeContent(t *testing.T) {
	cases := map[string]string{
		"  Hello   World  ":   "hello world",
		"Already Lower":       "already lower",
		"multiple\t\nspaces":  "multiple spaces",
		"":                    "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeContent(in), "input %q", in)
	}
}

func TestWriteKey_StableAndCaseInsensitive(t *testing.T) {
	a := WriteKey("alice", "preference", "Likes Coffee")
	b := WriteKey("alice", "preference", "likes coffee")
	assert.Equal(t, a, b, "write key must be case/whitespace insensitive")

	c := WriteKey("bob", "preference", "likes coffee")
	assert.NotEqual(t, a, c, "different user must produce a different key")

	d := WriteKey("alice", "goal", "likes coffee")
	assert.NotEqual(t, a, d, "different type must produce a different key")
}

func TestWriteKey_IsHex64(t *testing.T) {
	k := WriteKey("alice", "goal", "ship the feature")
	assert.Len(t, k, 64)
}

func TestSemanticKeys_LatinTokensMinLengthTwo(t *testing.T) {
	keys := SemanticKeys("I want to ship v2 of the app")
	assert.Contains(t, keys, "want")
	assert.Contains(t, keys, "ship")
	assert.Contains(t, keys, "v2")
	assert.Contains(t, keys, "the")
	assert.Contains(t, keys, "app")
	assert.NotContains(t, keys, "i") // single-char token dropped
	assert.Contains(t, keys, "to")
}

func TestSemanticKeys_CJKPerCharacter(t *testing.T) {
	keys := SemanticKeys("我喜欢咖啡")
	assert.Equal(t, []string{"我", "喜", "欢", "咖", "啡"}, keys)
}

func TestSemanticKeys_MixedLatinAndCJK(t *testing.T) {
	keys := SemanticKeys("I like 咖啡 a lot")
	assert.Contains(t, keys, "like")
	assert.Contains(t, keys, "咖")
	assert.Contains(t, keys, "啡")
	assert.Contains(t, keys, "lot")
}

func TestSemanticKeys_Empty(t *testing.T) {
	assert.Empty(t, SemanticKeys(""))
	assert.Empty(t, SemanticKeys("a a a")) // all single-char tokens
}
