package memory

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nextlevelbuilder/gatewaycore/internal/providers"
)

// Classifier answers the two LLM-gated questions the Memory Service needs:
// the read-path binary recall gate (§4.3 build_system_prompt_with_memory
// step 2) and the write-path long-term-state extraction (§4.4 step 2). It
// satisfies orchestrator.RecallClassifier.
type Classifier struct {
	provider providers.Provider
	model    string
}

// NewClassifier builds a Classifier. model may differ from the chat model
// (memory.classifier_model) — callers pass "" to use the provider default.
func NewClassifier(provider providers.Provider, model string) *Classifier {
	return &Classifier{provider: provider, model: model}
}

const recallClassifierPrompt = `You are a binary classifier. Given a user query, answer whether the assistant needs durable long-term user context (preferences, identity, prior goals) to answer well.
Respond with strict JSON only, no prose: {"recall": true|false}`

// ShouldRecall implements orchestrator.RecallClassifier.
func (c *Classifier) ShouldRecall(ctx context.Context, query string) (bool, error) {
	resp, err := c.provider.Chat(ctx, providers.ChatRequest{
		Model: c.model,
		Messages: []providers.Message{
			{Role: "system", Content: recallClassifierPrompt},
			{Role: "user", Content: query},
		},
		Options: map[string]interface{}{providers.OptMaxTokens: 32, providers.OptTemperature: 0.0},
	})
	if err != nil {
		return false, err
	}

	var out struct {
		Recall bool `json:"recall"`
	}
	if ok := extractJSON(resp.Content, &out); !ok {
		return false, nil
	}
	return out.Recall, nil
}

const writeClassifierPrompt = `You extract durable long-term user state from a conversation turn. Given the user's message and the assistant's reply, decide whether anything worth remembering long-term was stated (a goal, a preference, a hard constraint, an identity fact, or ongoing project state).
Respond with strict JSON only: {"has_long_term_state": bool, "candidates": [{"type": "goal"|"preference"|"constraint"|"identity"|"project_state", "content": "...", "semantic_keys": ["..."]}]}
If nothing qualifies, return {"has_long_term_state": false, "candidates": []}.`

// writeClassifierOutput is the tolerant JSON shape returned by the LLM.
type writeClassifierOutput struct {
	HasLongTermState bool `json:"has_long_term_state"`
	Candidates       []struct {
		Type         string   `json:"type"`
		Content      string   `json:"content"`
		SemanticKeys []string `json:"semantic_keys"`
	} `json:"candidates"`
}

// ClassifyWrite extracts write candidates from one completed turn. On LLM
// failure it falls back to a conservative marker-phrase heuristic (§4.4
// write path step 3) rather than failing the turn.
func (c *Classifier) ClassifyWrite(ctx context.Context, userText, assistantText string) (bool, []Candidate, error) {
	if c.provider != nil {
		resp, err := c.provider.Chat(ctx, providers.ChatRequest{
			Model: c.model,
			Messages: []providers.Message{
				{Role: "system", Content: writeClassifierPrompt},
				{Role: "user", Content: "User: " + userText + "\nAssistant: " + assistantText},
			},
			Options: map[string]interface{}{providers.OptMaxTokens: 512, providers.OptTemperature: 0.0},
		})
		if err == nil {
			var out writeClassifierOutput
			if extractJSON(resp.Content, &out) {
				candidates := make([]Candidate, 0, len(out.Candidates))
				for _, cd := range out.Candidates {
					if !allowedCandidateTypes[cd.Type] {
						continue
					}
					candidates = append(candidates, Candidate{
						Type:         cd.Type,
						Content:      cd.Content,
						SemanticKeys: cd.SemanticKeys,
					})
				}
				return out.HasLongTermState, candidates, nil
			}
		}
	}

	return heuristicClassify(userText)
}

// markerPhrases are scanned in the heuristic fallback (§4.4 step 3): any
// match emits at most one candidate of the matched type, content = user_text.
var markerPhrases = []struct {
	phrase string
	kind   string
}{
	{"prefer", "preference"},
	{"must", "constraint"},
	{"cannot", "constraint"},
	{"can't", "constraint"},
	{"goal", "goal"},
	{"i am", "identity"},
	{"i'm", "identity"},
	{"project", "project_state"},
}

func heuristicClassify(userText string) (bool, []Candidate, error) {
	lower := strings.ToLower(userText)
	for _, m := range markerPhrases {
		if strings.Contains(lower, m.phrase) {
			return true, []Candidate{{
				Type:         m.kind,
				Content:      userText,
				SemanticKeys: SemanticKeys(userText),
			}}, nil
		}
	}
	return false, nil, nil
}

// extractJSON tolerantly parses v from s: strips Markdown code fences, then
// extracts the outermost {...} object before unmarshaling. Returns false on
// any failure (callers treat that as a conservative "no").
func extractJSON(s string, v interface{}) bool {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return false
	}
	return json.Unmarshal([]byte(s[start:end+1]), v) == nil
}
