package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Store wraps a Neo4j driver and implements the graph operations the
// write/read/maintenance paths need: upsert-by-id node creation (with
// access-count bump on re-merge, matching the teacher's MERGE semantics),
// relation creation, content-based dedupe lookup, and ad-hoc Cypher.
type Store struct {
	driver   neo4j.DriverWithContext
	database string
}

// NewStore dials uri and ensures the graph's constraints/indexes exist.
func NewStore(ctx context.Context, uri, username, password, database string) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("memory: connect neo4j: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("memory: verify neo4j connectivity: %w", err)
	}
	s := &Store{driver: driver, database: database}
	s.ensureSchema(ctx)
	return s, nil
}

// Close releases the underlying driver.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func (s *Store) session(ctx context.Context) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
}

// ensureSchema creates uniqueness constraints and content/lookup indexes if
// absent. Failures are logged, not fatal — an already-provisioned graph
// (or a Neo4j edition lacking a given index type) must not block startup.
func (s *Store) ensureSchema(ctx context.Context) {
	stmts := []string{
		"CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (n:Entity) REQUIRE n.id IS UNIQUE",
		"CREATE CONSTRAINT action_id IF NOT EXISTS FOR (n:Action) REQUIRE n.id IS UNIQUE",
		"CREATE CONSTRAINT message_id IF NOT EXISTS FOR (n:Message) REQUIRE n.id IS UNIQUE",
		"CREATE CONSTRAINT session_id IF NOT EXISTS FOR (n:Session) REQUIRE n.id IS UNIQUE",
		"CREATE CONSTRAINT time_id IF NOT EXISTS FOR (n:Time) REQUIRE n.id IS UNIQUE",
		"CREATE CONSTRAINT location_id IF NOT EXISTS FOR (n:Location) REQUIRE n.id IS UNIQUE",
		"CREATE INDEX entity_content IF NOT EXISTS FOR (n:Entity) ON (n.content)",
		"CREATE INDEX action_content IF NOT EXISTS FOR (n:Action) ON (n.content)",
		"CREATE INDEX time_content IF NOT EXISTS FOR (n:Time) ON (n.content)",
		"CREATE INDEX location_content IF NOT EXISTS FOR (n:Location) ON (n.content)",
		"CREATE INDEX message_session IF NOT EXISTS FOR (n:Message) ON (n.session_id)",
		"CREATE INDEX message_created IF NOT EXISTS FOR (n:Message) ON (n.created_at)",
		"CREATE INDEX node_importance IF NOT EXISTS FOR (n:Entity) ON (n.importance)",
	}
	sess := s.session(ctx)
	defer sess.Close(ctx)
	for _, stmt := range stmts {
		if _, err := sess.Run(ctx, stmt, nil); err != nil {
			slog.Debug("memory.schema_stmt_skipped", "stmt", stmt, "error", err)
		}
	}
}

// UpsertNode creates node if absent, or bumps access_count and merges
// properties if it already exists (mirrors the teacher connector's
// `ON CREATE SET ... ON MATCH SET n.access_count = n.access_count + 1`).
func (s *Store) UpsertNode(ctx context.Context, n Node) error {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	query := fmt.Sprintf(`
		MERGE (n:%s {id: $id})
		ON CREATE SET
			n.content = $content,
			n.layer = $layer,
			n.importance = $importance,
			n.access_count = $access_count,
			n.session_id = $session_id,
			n.created_at = $created_at
		ON MATCH SET
			n.access_count = n.access_count + 1
		SET n += $properties
	`, string(n.Type))

	props := map[string]interface{}{}
	for k, v := range n.Properties {
		props[k] = v
	}
	if len(n.Embedding) > 0 {
		props["embedding"] = n.Embedding
	}

	params := map[string]interface{}{
		"id":           n.ID,
		"content":      n.Content,
		"layer":        n.Layer,
		"importance":   n.Importance,
		"access_count": n.AccessCount,
		"session_id":   n.SessionID,
		"created_at":   n.CreatedAt,
		"properties":   props,
	}
	_, err := sess.Run(ctx, query, params)
	return err
}

// UpsertRelation MERGEs an edge between two already-existing nodes.
func (s *Store) UpsertRelation(ctx context.Context, r Relation) error {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	query := fmt.Sprintf(`
		MATCH (a {id: $source_id})
		MATCH (b {id: $target_id})
		MERGE (a)-[rel:%s]->(b)
		ON CREATE SET rel.weight = $weight, rel.created_at = $created_at
		SET rel += $properties
	`, string(r.Type))

	_, err := sess.Run(ctx, query, map[string]interface{}{
		"source_id":  r.SourceID,
		"target_id":  r.TargetID,
		"weight":     r.Weight,
		"created_at": time.Now().Unix(),
		"properties": r.Properties,
	})
	return err
}

// FindNodeByContent returns the id of an existing node of type nodeType
// whose content field exactly matches normalized content, if any.
func (s *Store) FindNodeByContent(ctx context.Context, nodeType NodeType, content string) (string, bool, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	query := fmt.Sprintf("MATCH (n:%s {content: $content}) RETURN n.id AS id LIMIT 1", string(nodeType))
	result, err := sess.Run(ctx, query, map[string]interface{}{"content": content})
	if err != nil {
		return "", false, err
	}
	record, err := result.Single(ctx)
	if err != nil {
		return "", false, nil // no match, not an error
	}
	id, _ := record.Get("id")
	idStr, _ := id.(string)
	return idStr, idStr != "", nil
}

// Query runs an arbitrary read-only Cypher statement and returns each
// record as a plain map, for the three-layer recall queries and
// operation-specific RPC responses (memory.graph, get_statistics, ...).
func (s *Store) Query(ctx context.Context, cypher string, params map[string]interface{}) ([]map[string]interface{}, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	var rows []map[string]interface{}
	for result.Next(ctx) {
		rec := result.Record()
		row := make(map[string]interface{}, len(rec.Keys))
		for _, k := range rec.Keys {
			v, _ := rec.Get(k)
			row[k] = v
		}
		rows = append(rows, row)
	}
	return rows, result.Err()
}

// DeleteNodesBatch deletes up to batchSize non-Message nodes (and their
// relations) with importance < threshold, in layer 0 only (§4.4 cleanup).
func (s *Store) DeleteNodesBatch(ctx context.Context, threshold float64, batchSize int) (int, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	query := `
		MATCH (n)
		WHERE n.layer = 0 AND NOT n:Message AND n.importance < $threshold
		WITH n LIMIT $batch
		DETACH DELETE n
		RETURN count(n) AS deleted
	`
	result, err := sess.Run(ctx, query, map[string]interface{}{
		"threshold": threshold,
		"batch":     batchSize,
	})
	if err != nil {
		return 0, err
	}
	record, err := result.Single(ctx)
	if err != nil {
		return 0, nil
	}
	v, _ := record.Get("deleted")
	n, _ := v.(int64)
	return int(n), nil
}

// Stats reports a per-label node count plus total relationship count, for
// the memory.graph RPC response and the doctor/health surface.
func (s *Store) Stats(ctx context.Context) (map[string]int64, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	rows, err := s.Query(ctx, "MATCH (n) RETURN labels(n)[0] AS type, count(n) AS count", nil)
	if err != nil {
		return nil, err
	}
	stats := make(map[string]int64, len(rows)+1)
	for _, row := range rows {
		label, _ := row["type"].(string)
		count, _ := row["count"].(int64)
		if label != "" {
			stats[label] = count
		}
	}

	relRows, err := s.Query(ctx, "MATCH ()-[r]->() RETURN count(r) AS count", nil)
	if err == nil && len(relRows) == 1 {
		count, _ := relRows[0]["count"].(int64)
		stats["_relationships"] = count
	}
	return stats, nil
}
