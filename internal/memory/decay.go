package memory

import (
	"context"
	"time"
)

// decayFactor applies the stepwise forgetting curve (§4.4 Forgetting / time
// decay) keyed by node age in days.
func decayFactor(ageDays float64) float64 {
	switch {
	case ageDays <= 1:
		return 1.0
	case ageDays <= 7:
		return 0.9
	case ageDays <= 30:
		return 0.7
	case ageDays <= 90:
		return 0.5
	case ageDays <= 365:
		return 0.3
	default:
		return 0.2
	}
}

// accessBoost reinforces frequently-accessed nodes: +0.05 per 10 accesses,
// capped at +0.2.
func accessBoost(accessCount int64) float64 {
	boost := float64(accessCount/10) * 0.05
	if boost > 0.2 {
		boost = 0.2
	}
	return boost
}

// DecaySession applies the time-decay sweep to every layer-0/layer-1 node
// scoped to the session (§4.4 Forgetting / time decay). Returns the number
// of nodes updated.
func (s *Service) DecaySession(ctx context.Context, sessionID, userID string) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	scopedSession := ScopedSessionID(sessionID, userID)

	rows, err := s.store.Query(ctx, `
		MATCH (n)-[:PART_OF_SESSION|FROM_MESSAGE*0..1]-(sess:Session {id: $session_id})
		WHERE n.layer IN [0, 1] AND n.importance IS NOT NULL
		RETURN DISTINCT n.id AS id, n.importance AS importance, n.access_count AS access_count, n.created_at AS created_at
	`, map[string]interface{}{"session_id": scopedSession})
	if err != nil {
		return 0, err
	}

	now := time.Now().Unix()
	updated := 0
	for _, row := range rows {
		id, _ := row["id"].(string)
		if id == "" {
			continue
		}
		importance, _ := row["importance"].(float64)
		accessCount := toInt64(row["access_count"])
		createdAt := toInt64(row["created_at"])
		ageDays := float64(now-createdAt) / 86400

		newImportance := importance*decayFactor(ageDays) + accessBoost(accessCount)
		if newImportance > 1.0 {
			newImportance = 1.0
		}

		if err := s.store.setImportance(ctx, id, newImportance); err == nil {
			updated++
		}
	}
	return updated, nil
}

// setImportance updates a single node's importance field in place without
// bumping access_count (unlike UpsertNode's MERGE path).
func (s *Store) setImportance(ctx context.Context, id string, importance float64) error {
	sess := s.session(ctx)
	defer sess.Close(ctx)
	_, err := sess.Run(ctx, "MATCH (n {id: $id}) SET n.importance = $importance", map[string]interface{}{
		"id": id, "importance": importance,
	})
	return err
}

// CleanupSession deletes layer-0 non-Message nodes below min_importance, in
// batches of 100, via DETACH DELETE (§4.4 Cleanup). Loops until a batch
// returns fewer than 100 deletions (graph exhausted) or no deletions at all.
func (s *Service) CleanupSession(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	threshold := s.cfg.MinImportance
	if threshold <= 0 {
		threshold = 0.15
	}

	total := 0
	for {
		deleted, err := s.store.DeleteNodesBatch(ctx, threshold, 100)
		if err != nil {
			return total, err
		}
		total += deleted
		if deleted < 100 {
			break
		}
	}
	return total, nil
}
