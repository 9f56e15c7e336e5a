package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/gatewaycore/internal/bus"
	"github.com/nextlevelbuilder/gatewaycore/internal/providers"
)

const summaryPromptTemplate = `Summarize the following conversation for long-term memory. Be concise and factual; capture goals, preferences, and decisions.
%s
Conversation:
%s`

// SummarizeSession runs cold-layer summarization (§4.4): fetch ordered
// layer-0 Messages (skipping the already-summarized count when
// incremental), call the summary LLM with the top Concept contents as
// extra context, and create/extend a Summary node.
func (s *Service) SummarizeSession(ctx context.Context, sessionID, userID string, incremental bool) (string, int, error) {
	if s.store == nil || s.summarizer == nil {
		return "", 0, nil
	}
	scopedSession := ScopedSessionID(sessionID, userID)

	existing, hasExisting := s.findSummary(ctx, scopedSession)
	skip := 0
	priorSummary := ""
	if incremental && hasExisting {
		skip = existing.messageCount
		priorSummary = existing.content
	}

	rows, err := s.store.Query(ctx, `
		MATCH (m:Message)-[:PART_OF_SESSION]->(sess:Session {id: $session_id})
		RETURN m.content AS content, m.created_at AS created_at
		ORDER BY m.created_at ASC
		SKIP $skip
	`, map[string]interface{}{"session_id": scopedSession, "skip": skip})
	if err != nil {
		return "", 0, err
	}
	if len(rows) == 0 {
		return priorSummary, skip, nil
	}

	var convo strings.Builder
	for _, row := range rows {
		content, _ := row["content"].(string)
		convo.WriteString(content)
		convo.WriteString("\n")
	}

	concepts := s.topConceptContents(ctx, scopedSession, 10)
	var conceptBlock string
	if len(concepts) > 0 {
		conceptBlock = "Known topics: " + strings.Join(concepts, "; ")
	}
	if priorSummary != "" {
		conceptBlock += "\nPrevious summary: " + priorSummary
	}

	maxLen := s.cfg.MaxSummaryLength
	if maxLen <= 0 {
		maxLen = 600
	}
	resp, err := s.summarizer.Chat(ctx, providers.ChatRequest{
		Model: s.cfg.SummaryModel,
		Messages: []providers.Message{
			{Role: "user", Content: fmt.Sprintf(summaryPromptTemplate, conceptBlock, convo.String())},
		},
		Options: map[string]interface{}{
			providers.OptTemperature: 0.3,
			providers.OptMaxTokens:   2 * maxLen,
		},
	})
	if err != nil {
		return "", 0, err
	}

	totalCount := skip + len(rows)
	summaryID := existing.id
	if summaryID == "" {
		summaryID = "summary_" + uuid.NewString()
	}
	if err := s.store.UpsertNode(ctx, Node{
		ID: summaryID, Type: NodeSummary, Content: resp.Content, Layer: LayerCold,
		Importance: 0.9, SessionID: scopedSession, CreatedAt: time.Now().Unix(),
		Properties: map[string]interface{}{
			"session_id":    scopedSession,
			"message_count": totalCount,
		},
	}); err != nil {
		return "", 0, err
	}
	_ = s.store.UpsertRelation(ctx, Relation{Type: RelSummarizes, SourceID: summaryID, TargetID: scopedSession})

	s.bus.Emit(bus.EventMemorySummarized, map[string]interface{}{
		"session_id":    sessionID,
		"user_id":       userID,
		"message_count": totalCount,
	})
	return resp.Content, totalCount, nil
}

type summaryRecord struct {
	id           string
	content      string
	messageCount int
}

func (s *Service) findSummary(ctx context.Context, scopedSession string) (summaryRecord, bool) {
	rows, err := s.store.Query(ctx, `
		MATCH (sum:Summary)-[:SUMMARIZES]->(sess:Session {id: $session_id})
		RETURN sum.id AS id, sum.content AS content, sum.message_count AS message_count
		LIMIT 1
	`, map[string]interface{}{"session_id": scopedSession})
	if err != nil || len(rows) == 0 {
		return summaryRecord{}, false
	}
	id, _ := rows[0]["id"].(string)
	content, _ := rows[0]["content"].(string)
	count := int(toInt64(rows[0]["message_count"]))
	return summaryRecord{id: id, content: content, messageCount: count}, true
}

func (s *Service) topConceptContents(ctx context.Context, scopedSession string, limit int) []string {
	rows, err := s.store.Query(ctx, `
		MATCH (c:Concept)<-[:BELONGS_TO]-(:Entity)-[:FROM_MESSAGE]->(:Message)-[:PART_OF_SESSION]->(sess:Session {id: $session_id})
		RETURN DISTINCT c.content AS content
		LIMIT $limit
	`, map[string]interface{}{"session_id": scopedSession, "limit": limit})
	if err != nil {
		return nil
	}
	var out []string
	for _, row := range rows {
		if c, ok := row["content"].(string); ok {
			out = append(out, c)
		}
	}
	return out
}

// shouldCreateSummary implements the maintenance trigger table's row:
// total messages >= compression_threshold AND (no prior summary OR
// new_messages >= threshold/2).
func (s *Service) shouldCreateSummary(ctx context.Context, scopedSession string, totalMessages int) bool {
	threshold := s.cfg.CompressionThreshold
	if threshold <= 0 {
		threshold = 50
	}
	if totalMessages < threshold {
		return false
	}
	existing, ok := s.findSummary(ctx, scopedSession)
	if !ok {
		return true
	}
	return totalMessages-existing.messageCount >= threshold/2
}
