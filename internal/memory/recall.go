package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// recallParams are the dynamic per-layer limits selected by query
// complexity (§4.4 read path).
type recallParams struct {
	maxTokens    int
	itemsPerLayer int
	recentDays   int
}

var reminiscenceMarkers = []string{
	"before", "just now", "last time", "remember", "said",
	"之前", "刚才", "上次", "记得", "说过",
}

// paramsFor classifies query complexity by extracted-entity count and
// length, then widens the window if a reminiscence marker is present.
func paramsFor(query string, entities []string) recallParams {
	n := utf8.RuneCountInString(query)
	var p recallParams
	switch {
	case len(entities) == 0 && n <= 20:
		p = recallParams{maxTokens: 800, itemsPerLayer: 2, recentDays: 3}
	case len(entities) <= 2 && n <= 80:
		p = recallParams{maxTokens: 1500, itemsPerLayer: 3, recentDays: 7}
	default:
		p = recallParams{maxTokens: 2500, itemsPerLayer: 5, recentDays: 14}
	}

	lower := strings.ToLower(query)
	for _, m := range reminiscenceMarkers {
		if strings.Contains(lower, m) {
			p.itemsPerLayer++
			p.recentDays += 3
			break
		}
	}
	return p
}

// recallItem is one formatted recall result, ready for layer grouping.
type recallItem struct {
	layer      string
	content    string
	importance float64
	createdAt  int64
}

// GetContext implements orchestrator.MemoryRecaller — the §4.4 read path.
// It runs the three parallel graph queries (direct / related / recent),
// merges, sorts by (importance desc, time desc), and formats within a
// token budget. Returns "" (not an error) on a degraded/unreachable graph,
// matching the memory_unavailable error-kind's documented behavior: recall
// degrades gracefully rather than failing the turn.
func (s *Service) GetContext(ctx context.Context, query, sessionID, userID string) (string, error) {
	if s.store == nil {
		return "", nil
	}
	if userID == "" {
		userID = "default_user"
	}
	scopedSession := ScopedSessionID(sessionID, userID)
	entities := SemanticKeys(query)
	params := paramsFor(query, entities)

	var direct, related, recent []recallItem
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); direct = s.recallDirect(ctx, userID, entities, params) }()
	go func() { defer wg.Done(); related = s.recallRelated(ctx, userID, entities, params) }()
	go func() { defer wg.Done(); recent = s.recallRecent(ctx, scopedSession, params) }()
	wg.Wait()

	var items []recallItem
	items = append(items, direct...)
	items = append(items, related...)
	items = append(items, recent...)

	if len(items) == 0 {
		return "", nil
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].importance != items[j].importance {
			return items[i].importance > items[j].importance
		}
		return items[i].createdAt > items[j].createdAt
	})

	return formatRecall(items, params.maxTokens), nil
}

func (s *Service) recallDirect(ctx context.Context, userID string, entities []string, p recallParams) []recallItem {
	if len(entities) == 0 {
		return nil
	}
	rows, err := s.store.Query(ctx, `
		MATCH (e:Entity)-[:FROM_MESSAGE]->(m:Message)-[:PART_OF_SESSION]->(sess:Session)-[:OWNED_BY]->(u:User {id: $user_id})
		WHERE e.content IN $entities
		RETURN DISTINCT m.content AS content, e.importance AS importance, m.created_at AS created_at
		LIMIT $limit
	`, map[string]interface{}{"user_id": UserNodeID(userID), "entities": entities, "limit": p.itemsPerLayer})
	if err != nil {
		return nil
	}
	return rowsToItems("direct", rows)
}

func (s *Service) recallRelated(ctx context.Context, userID string, entities []string, p recallParams) []recallItem {
	if len(entities) == 0 {
		return nil
	}
	rows, err := s.store.Query(ctx, `
		MATCH (e:Entity)-[:SUBJECT_OF|OBJECT_OF]->(:Action)<-[:SUBJECT_OF|OBJECT_OF]-(related:Entity)
		MATCH (related)-[:FROM_MESSAGE]->(m:Message)-[:PART_OF_SESSION]->(sess:Session)-[:OWNED_BY]->(u:User {id: $user_id})
		WHERE e.content IN $entities
		RETURN DISTINCT m.content AS content, related.importance AS importance, m.created_at AS created_at
		LIMIT $limit
	`, map[string]interface{}{"user_id": UserNodeID(userID), "entities": entities, "limit": p.itemsPerLayer})
	if err != nil {
		return nil
	}
	return rowsToItems("related", rows)
}

func (s *Service) recallRecent(ctx context.Context, scopedSession string, p recallParams) []recallItem {
	rows, err := s.store.Query(ctx, `
		MATCH (m:Message)-[:PART_OF_SESSION]->(sess:Session {id: $session_id})
		WHERE m.created_at >= $since
		RETURN m.content AS content, 0.5 AS importance, m.created_at AS created_at
		ORDER BY m.created_at DESC
		LIMIT $limit
	`, map[string]interface{}{
		"session_id": scopedSession,
		"since":      time.Now().Unix() - int64(p.recentDays*86400),
		"limit":      p.itemsPerLayer,
	})
	if err != nil {
		return nil
	}
	return rowsToItems("recent", rows)
}

func rowsToItems(layer string, rows []map[string]interface{}) []recallItem {
	items := make([]recallItem, 0, len(rows))
	for _, row := range rows {
		content, _ := row["content"].(string)
		if content == "" {
			continue
		}
		importance, _ := row["importance"].(float64)
		createdAt := toInt64(row["created_at"])
		items = append(items, recallItem{layer: layer, content: content, importance: importance, createdAt: createdAt})
	}
	return items
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// formatRecall truncates each item to 100 chars, groups by layer header,
// and stops once the estimated token budget (len/1.5 per item) is spent.
func formatRecall(items []recallItem, maxTokens int) string {
	var b strings.Builder
	var tokens float64
	lastLayer := ""
	for _, it := range items {
		content := it.content
		if len(content) > 100 {
			content = content[:100]
		}
		estimate := float64(len(content)) / 1.5
		if tokens+estimate > float64(maxTokens) {
			break
		}
		if it.layer != lastLayer {
			fmt.Fprintf(&b, "\n[%s]\n", strings.ToUpper(it.layer))
			lastLayer = it.layer
		}
		b.WriteString("- ")
		b.WriteString(content)
		b.WriteString("\n")
		tokens += estimate
	}
	return strings.TrimSpace(b.String())
}
