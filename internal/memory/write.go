package memory

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/gatewaycore/internal/bus"
)

// onInteractionCompleted is the write path's bus.Handler, registered for
// bus.EventInteractionCompleted. It never lets a write-path failure
// propagate back to the emitter (§4.1 handler contract) — errors are
// logged and the turn is otherwise unaffected.
func (s *Service) onInteractionCompleted(ev bus.Event) {
	payload, ok := ev.Payload.(map[string]interface{})
	if !ok {
		return
	}
	sessionID, _ := payload["session_id"].(string)
	userID, _ := payload["user_id"].(string)
	userText, _ := payload["user_input"].(string)
	assistantText, _ := payload["assistant_output"].(string)
	if userID == "" {
		userID = "default_user"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.writeTurn(ctx, sessionID, userID, userText, assistantText); err != nil {
		slog.Warn("memory.write_failed", "session_id", sessionID, "error", err)
	}

	s.maybeTriggerMaintenance(ctx, sessionID, userID)
}

// writeTurn runs the full §4.4 write path for one completed turn.
func (s *Service) writeTurn(ctx context.Context, sessionID, userID, userText, assistantText string) error {
	if s.store == nil {
		return nil // memory disabled / graph unreachable: degrade silently
	}

	// 1. code-level gate
	if userText == "" && assistantText == "" {
		return nil
	}
	if len(userText) < s.cfg.MinUserChars && len(assistantText) < s.cfg.MinAssistantCharsForShortUser {
		return nil
	}
	if len(userText)+len(assistantText) > s.cfg.MaxCombinedChars {
		return nil
	}

	// 2-3. classify (LLM, with heuristic fallback on failure)
	hasState, candidates, err := s.classifier.ClassifyWrite(ctx, userText, assistantText)
	if err != nil || !hasState || len(candidates) == 0 {
		return nil
	}

	scopedSession := ScopedSessionID(sessionID, userID)
	s.ensureSessionNode(ctx, scopedSession, userID)

	for _, cand := range candidates {
		s.writeCandidate(ctx, scopedSession, sessionID, userID, cand)
	}
	return nil
}

// writeCandidate applies steps 4-7 of the write path to one candidate.
func (s *Service) writeCandidate(ctx context.Context, scopedSession, sessionID, userID string, cand Candidate) {
	// 4. normalize + synthesize semantic keys
	normalized := NormalizeContent(cand.Content)
	keys := mergeKeys(cand.SemanticKeys, SemanticKeys(cand.Content))

	// 5. recent-write LRU + min length gate
	if len(normalized) < s.cfg.MinCandidateChars {
		return
	}
	writeKey := WriteKey(userID, cand.Type, cand.Content)
	if s.recentWrites.Contains(writeKey) {
		return
	}

	// 6. graph-level dedupe
	if !s.shouldWrite(ctx, userID, scopedSession, normalized, keys) {
		return
	}

	// 7. write: create the Entity node (reusing the id of an existing Entity
	// with the same normalized content, else a fresh "entity_"+uuid) plus a
	// Message node recording the turn it came from, linked FROM_MESSAGE.
	entityID := "entity_" + uuid.NewString()
	if existing, found, _ := s.store.FindNodeByContent(ctx, NodeEntity, normalized); found {
		entityID = existing
	}
	now := time.Now().Unix()
	if err := s.store.UpsertNode(ctx, Node{
		ID: entityID, Type: NodeEntity, Content: normalized, Layer: LayerHot,
		Importance: 0.6, SessionID: scopedSession, CreatedAt: now,
		Properties: map[string]interface{}{
			"memory_type":    cand.Type,
			"semantic_keys":  keys,
			"memory_source":  "interaction.completed",
		},
	}); err != nil {
		slog.Warn("memory.write_entity_failed", "error", err)
		return
	}

	msgID := "message_" + uuid.NewString()
	_ = s.store.UpsertNode(ctx, Node{
		ID: msgID, Type: NodeMessage, Content: cand.Content, Layer: LayerHot,
		Importance: 0.6, SessionID: scopedSession, CreatedAt: now,
	})
	_ = s.store.UpsertRelation(ctx, Relation{Type: RelFromMessage, SourceID: entityID, TargetID: msgID})
	_ = s.store.UpsertRelation(ctx, Relation{Type: RelPartOfSession, SourceID: msgID, TargetID: scopedSession})

	s.recentWrites.Add(writeKey)
	s.bus.Emit(bus.EventMemorySaved, map[string]interface{}{
		"session_id": sessionID,
		"user_id":    userID,
		"type":       cand.Type,
	})
}

// shouldWrite implements the §4.4 step 6 graph-level dedupe decision.
func (s *Service) shouldWrite(ctx context.Context, userID, scopedSession, normalized string, keys []string) bool {
	// 6a. exact content duplicate for this user anywhere → skip.
	dup, err := s.store.Query(ctx, `
		MATCH (n)-[:FROM_MESSAGE*0..1]->(m:Message)-[:PART_OF_SESSION]->(:Session)-[:OWNED_BY]->(:User {id: $user_id})
		WHERE (n:Entity OR n:Message) AND n.content = $content
		RETURN n.id AS id
		LIMIT 1
	`, map[string]interface{}{"user_id": UserNodeID(userID), "content": normalized})
	if err == nil && len(dup) > 0 {
		return false
	}

	// 6b/6c. semantic-key match within this user's sessions: write only if
	// every linked message's content differs from the candidate (state
	// change); if no semantic matches exist at all, write.
	rows, err := s.store.Query(ctx, `
		MATCH (e:Entity)-[:FROM_MESSAGE]->(m:Message)-[:PART_OF_SESSION]->(sess:Session)-[:OWNED_BY]->(u:User {id: $user_id})
		WHERE e.content IN $keys
		RETURN DISTINCT m.content AS content
	`, map[string]interface{}{"user_id": UserNodeID(userID), "keys": keys})
	if err != nil || len(rows) == 0 {
		return true // 6c: no semantic matches
	}
	for _, row := range rows {
		content, _ := row["content"].(string)
		if NormalizeContent(content) == normalized {
			return false // identical message already present under a matched key
		}
	}
	return true // 6b: state change
}

func (s *Service) ensureSessionNode(ctx context.Context, scopedSession, userID string) {
	userNode := UserNodeID(userID)
	now := time.Now().Unix()
	_ = s.store.UpsertNode(ctx, Node{ID: userNode, Type: NodeUser, Content: userID, Layer: LayerHot, Importance: 1, CreatedAt: now})
	_ = s.store.UpsertNode(ctx, Node{ID: scopedSession, Type: NodeSession, Content: scopedSession, Layer: LayerHot, Importance: 1, CreatedAt: now})
	_ = s.store.UpsertRelation(ctx, Relation{Type: RelOwnedBy, SourceID: scopedSession, TargetID: userNode})
}

func mergeKeys(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, k := range append(append([]string{}, a...), b...) {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
