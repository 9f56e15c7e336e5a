package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"

	"github.com/nextlevelbuilder/gatewaycore/internal/bus"
)

// Embedder computes a dense vector for text. The summary/classifier LLM
// provider does not expose embeddings, so this is injected separately;
// when nil, clustering falls back to a deterministic bag-of-keys vector
// (still L2-normalized, still clusterable) rather than failing outright.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// ClusterSession runs warm-layer clustering (§4.4): fetch layer-0 Entity
// nodes in the session, compute/reuse embeddings, DBSCAN over cosine
// distance, and compose Concept nodes from non-noise clusters.
func (s *Service) ClusterSession(ctx context.Context, sessionID, userID string) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	scopedSession := ScopedSessionID(sessionID, userID)

	rows, err := s.store.Query(ctx, `
		MATCH (e:Entity)-[:FROM_MESSAGE]->(:Message)-[:PART_OF_SESSION]->(sess:Session {id: $session_id})
		RETURN e.id AS id, e.content AS content, e.importance AS importance, e.embedding AS embedding
	`, map[string]interface{}{"session_id": scopedSession})
	if err != nil || len(rows) < s.cfg.MinClusterSize {
		return 0, err
	}

	ids := make([]string, len(rows))
	contents := make([]string, len(rows))
	importances := make([]float64, len(rows))
	vectors := make([][]float64, len(rows))
	for i, row := range rows {
		ids[i], _ = row["id"].(string)
		contents[i], _ = row["content"].(string)
		importances[i], _ = row["importance"].(float64)
		vectors[i] = s.vectorFor(ctx, ids[i], contents[i], row["embedding"])
	}

	eps := 1 - s.cfg.ClusteringThreshold
	if eps <= 0 {
		eps = 0.3
	}
	minSamples := s.cfg.MinClusterSize
	if minSamples <= 0 {
		minSamples = 3
	}
	labels := dbscan(vectors, eps, minSamples)

	clusters := map[int][]int{}
	for i, label := range labels {
		if label < 0 {
			continue // noise
		}
		clusters[label] = append(clusters[label], i)
	}

	created := 0
	for _, members := range clusters {
		if s.composeConcept(ctx, scopedSession, members, ids, contents, importances) {
			created++
		}
	}

	s.bus.Emit(bus.EventMemoryClustered, map[string]interface{}{
		"session_id": sessionID,
		"user_id":    userID,
		"concepts":   created,
	})
	return created, nil
}

// vectorFor returns a cached embedding if present on the node, otherwise
// computes one (via Embedder if configured, else a deterministic bag-of-
// keys fallback) and writes it back — read-before-compute, write-through.
func (s *Service) vectorFor(ctx context.Context, entityID, content string, cached interface{}) []float64 {
	if vec, ok := toFloat64Slice(cached); ok && len(vec) > 0 {
		return l2Normalize(vec)
	}

	var vec []float64
	if s.embedder != nil {
		if v, err := s.embedder.Embed(ctx, content); err == nil {
			vec = v
		}
	}
	if vec == nil {
		vec = bagOfKeysVector(content)
	}
	vec = l2Normalize(vec)

	_ = s.store.UpsertNode(ctx, Node{
		ID: entityID, Type: NodeEntity, Content: content, Layer: LayerHot,
		Embedding: vec,
	})
	return vec
}

func toFloat64Slice(v interface{}) ([]float64, bool) {
	switch t := v.(type) {
	case []float64:
		return t, true
	case []interface{}:
		out := make([]float64, 0, len(t))
		for _, x := range t {
			f, ok := x.(float64)
			if !ok {
				return nil, false
			}
			out = append(out, f)
		}
		return out, true
	default:
		return nil, false
	}
}

// bagOfKeysVector hashes each semantic key into a fixed-width bucket,
// producing a stable vector when no real embedding API is configured.
func bagOfKeysVector(content string) []float64 {
	const dims = 64
	v := make([]float64, dims)
	for _, k := range SemanticKeys(content) {
		var h uint32
		for _, r := range k {
			h = h*31 + uint32(r)
		}
		v[int(h)%dims] += 1
	}
	return v
}

func l2Normalize(v []float64) []float64 {
	norm := floats.Norm(v, 2)
	if norm == 0 {
		return v
	}
	out := append([]float64(nil), v...)
	floats.Scale(1/norm, out)
	return out
}

func cosineDistance(a, b []float64) float64 {
	return 1 - floats.Dot(a, b) // both already L2-normalized, so dot == cosine similarity
}

// dbscan is a direct, dependency-free implementation of the textbook
// algorithm over cosine distance — gonum ships no clustering package, so
// the control flow here is hand-written while the vector math (L2Normalize,
// Dot) uses gonum/floats.
func dbscan(points [][]float64, eps float64, minSamples int) []int {
	n := len(points)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = -2 // unvisited
	}
	visited := make([]bool, n)
	nextCluster := 0

	regionQuery := func(i int) []int {
		var neighbors []int
		for j := 0; j < n; j++ {
			if i != j && cosineDistance(points[i], points[j]) <= eps {
				neighbors = append(neighbors, j)
			}
		}
		return neighbors
	}

	for i := 0; i < n; i++ {
		if visited[i] {
			continue
		}
		visited[i] = true
		neighbors := regionQuery(i)
		if len(neighbors)+1 < minSamples {
			labels[i] = -1 // noise
			continue
		}

		labels[i] = nextCluster
		queue := append([]int{}, neighbors...)
		for q := 0; q < len(queue); q++ {
			j := queue[q]
			if !visited[j] {
				visited[j] = true
				jn := regionQuery(j)
				if len(jn)+1 >= minSamples {
					queue = append(queue, jn...)
				}
			}
			if labels[j] == -2 || labels[j] == -1 {
				labels[j] = nextCluster
			}
		}
		nextCluster++
	}
	return labels
}

// composeConcept creates a Concept node for one DBSCAN cluster: content is
// "Topic: " + the top-3 entities by importance, joined; links members via
// BELONGS_TO, reusing an existing Concept if its content shares a keyword.
func (s *Service) composeConcept(ctx context.Context, scopedSession string, members []int, ids, contents []string, importances []float64) bool {
	type ranked struct {
		content    string
		importance float64
		id         string
	}
	ranks := make([]ranked, len(members))
	for i, m := range members {
		ranks[i] = ranked{content: contents[m], importance: importances[m], id: ids[m]}
	}
	sort.Slice(ranks, func(i, j int) bool { return ranks[i].importance > ranks[j].importance })

	top := ranks
	if len(top) > 3 {
		top = top[:3]
	}
	var topContents []string
	for _, r := range top {
		topContents = append(topContents, r.content)
	}
	conceptContent := "Topic: " + strings.Join(topContents, ", ")

	conceptID := "concept_" + uuid.NewString()
	if existing, found, _ := s.findConceptByKeyword(ctx, topContents); found {
		conceptID = existing
	} else {
		if err := s.store.UpsertNode(ctx, Node{
			ID: conceptID, Type: NodeConcept, Content: conceptContent, Layer: LayerWarm,
			Importance: 0.7, SessionID: scopedSession, CreatedAt: time.Now().Unix(),
		}); err != nil {
			return false
		}
	}

	for _, r := range ranks {
		_ = s.store.UpsertRelation(ctx, Relation{Type: RelBelongsTo, SourceID: r.id, TargetID: conceptID})
	}
	return true
}

// findConceptByKeyword reuses an existing Concept whose content shares a
// keyword substring with any of candidates, instead of creating a duplicate.
func (s *Service) findConceptByKeyword(ctx context.Context, candidates []string) (string, bool, error) {
	for _, c := range candidates {
		rows, err := s.store.Query(ctx, `
			MATCH (n:Concept) WHERE n.content CONTAINS $kw RETURN n.id AS id LIMIT 1
		`, map[string]interface{}{"kw": c})
		if err == nil && len(rows) == 1 {
			if id, ok := rows[0]["id"].(string); ok && id != "" {
				return id, true, nil
			}
		}
	}
	return "", false, nil
}
