package memory

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/nextlevelbuilder/gatewaycore/internal/bus"
	"github.com/nextlevelbuilder/gatewaycore/internal/config"
	"github.com/nextlevelbuilder/gatewaycore/internal/providers"
)

// Service is the Memory Service (§4.4): write-path listener, read-path
// recaller (satisfies orchestrator.MemoryRecaller), and maintenance
// (clustering/summarization/decay/cleanup), all fronted by one Neo4j Store.
// A nil store (graph unreachable or memory.enabled=false) degrades every
// operation to a no-op/empty result rather than erroring — memory_unavailable
// is the caller-facing error kind methods.go surfaces in that case.
type Service struct {
	store      *Store
	classifier *Classifier
	summarizer providers.Provider
	embedder   Embedder
	bus        *bus.Bus
	cfg        config.MemoryConfig

	recentWrites *lruSet

	mu       sync.Mutex
	counters map[string]*sessionCounters
}

type sessionCounters struct {
	messagesSinceCluster int
	lastClusterAt        time.Time
	totalMessages        int
}

// NewService builds a Service. store/classifier/embedder may be nil (the
// composition root constructs store only when memory.neo4j_uri is set);
// summarizer may be nil too, in which case SummarizeSession does nothing.
func NewService(b *bus.Bus, store *Store, classifier *Classifier, summarizer providers.Provider, embedder Embedder, cfg config.MemoryConfig) *Service {
	applyMemoryDefaults(&cfg)
	s := &Service{
		store:        store,
		classifier:   classifier,
		summarizer:   summarizer,
		embedder:     embedder,
		bus:          b,
		cfg:          cfg,
		recentWrites: newLRUSet(cfg.RecentWriteCacheSize),
		counters:     make(map[string]*sessionCounters),
	}
	return s
}

func applyMemoryDefaults(cfg *config.MemoryConfig) {
	if cfg.MinUserChars <= 0 {
		cfg.MinUserChars = 4
	}
	if cfg.MinAssistantCharsForShortUser <= 0 {
		cfg.MinAssistantCharsForShortUser = 20
	}
	if cfg.MaxCombinedChars <= 0 {
		cfg.MaxCombinedChars = 8000
	}
	if cfg.MinCandidateChars <= 0 {
		cfg.MinCandidateChars = 8
	}
	if cfg.RecentWriteCacheSize <= 0 {
		cfg.RecentWriteCacheSize = 2000
	}
	if cfg.ClusterEveryMessages <= 0 {
		cfg.ClusterEveryMessages = 12
	}
	if cfg.ClusterMinIntervalS <= 0 {
		cfg.ClusterMinIntervalS = 300
	}
	if cfg.ClusteringThreshold <= 0 {
		cfg.ClusteringThreshold = 0.7
	}
	if cfg.MinClusterSize <= 0 {
		cfg.MinClusterSize = 3
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = 50
	}
	if cfg.MaxSummaryLength <= 0 {
		cfg.MaxSummaryLength = 600
	}
	if cfg.DecayIntervalS <= 0 {
		cfg.DecayIntervalS = 86400
	}
	if cfg.MinImportance <= 0 {
		cfg.MinImportance = 0.15
	}
	if cfg.ForgettingEvery <= 0 {
		cfg.ForgettingEvery = 100
	}
}

// Enabled reports whether a graph backend is actually wired.
func (s *Service) Enabled() bool { return s.store != nil }

// Start subscribes the write path to interaction.completed. Call once
// during composition-root startup.
func (s *Service) Start(b *bus.Bus) {
	b.On(bus.EventInteractionCompleted, s.onInteractionCompleted)
}

// Close releases the underlying graph connection, if any.
func (s *Service) Close(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	return s.store.Close(ctx)
}

// maybeTriggerMaintenance checks the message-count-driven rows of the
// §4.4 maintenance trigger table and fires clustering/summarization inline.
// The wall-clock-interval row (decay_interval_s) is served by the
// composition root's periodic sweep (RunMaintenanceSweep) instead of here,
// since it depends on wall-clock elapsed time rather than this turn's
// completion. The idle-timer row (idle_cluster_delay_s,
// idle_cluster_min_messages) is not run: neither this function nor
// RunMaintenanceSweep reads those settings.
func (s *Service) maybeTriggerMaintenance(ctx context.Context, sessionID, userID string) {
	if s.store == nil {
		return
	}
	key := sessionID + "::" + userID
	s.mu.Lock()
	c, ok := s.counters[key]
	if !ok {
		c = &sessionCounters{}
		s.counters[key] = c
	}
	c.messagesSinceCluster++
	c.totalMessages++
	dueCluster := c.messagesSinceCluster >= s.cfg.ClusterEveryMessages &&
		time.Since(c.lastClusterAt) >= time.Duration(s.cfg.ClusterMinIntervalS)*time.Second
	if dueCluster {
		c.messagesSinceCluster = 0
		c.lastClusterAt = time.Now()
	}
	total := c.totalMessages
	s.mu.Unlock()

	if dueCluster {
		if _, err := s.ClusterSession(ctx, sessionID, userID); err != nil {
			return
		}
	}

	scopedSession := ScopedSessionID(sessionID, userID)
	if s.shouldCreateSummary(ctx, scopedSession, total) {
		_, _, _ = s.SummarizeSession(ctx, sessionID, userID, true)
	}

	if total%s.cfg.ForgettingEvery == 0 {
		_, _ = s.CleanupSession(ctx)
	}
}

// RunMaintenanceSweep runs the wall-clock-driven maintenance rows (decay
// sweep) across every session this process has seen writes for. The
// composition root calls this from a ticker at a coarser-than-decay
// interval; DecaySession is itself idempotent and cheap to re-run.
func (s *Service) RunMaintenanceSweep(ctx context.Context) {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	keys := make([]string, 0, len(s.counters))
	for k := range s.counters {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	for _, key := range keys {
		sessionID, userID, ok := splitSessionUserKey(key)
		if !ok {
			continue
		}
		_, _ = s.DecaySession(ctx, sessionID, userID)
	}
}

func splitSessionUserKey(key string) (sessionID, userID string, ok bool) {
	for i := 0; i+1 < len(key); i++ {
		if key[i] == ':' && key[i+1] == ':' {
			return key[:i], key[i+2:], true
		}
	}
	return "", "", false
}

// Query is the memory.query RPC surface: GetContext plus a result count.
func (s *Service) Query(ctx context.Context, query, sessionID, userID string, topK int) (string, int, error) {
	context, err := s.GetContext(ctx, query, sessionID, userID)
	if err != nil || context == "" {
		return "", 0, err
	}
	count := len(splitNonEmptyLines(context))
	if topK > 0 && count > topK {
		count = topK
	}
	return context, count, nil
}

func splitNonEmptyLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// GraphSnapshot answers the memory.graph RPC: nodes/edges/stats scoped to
// the requesting user's ownership of the session (§8 scenario 6 — a
// session lookup under a non-owning user must return empty, not another
// user's data). Checks both the canonical scoped id and the legacy
// unscoped id, per §3's session-scoping invariant.
func (s *Service) GraphSnapshot(ctx context.Context, sessionID, userID string) (nodes []map[string]interface{}, edges []map[string]interface{}, stats map[string]int64, err error) {
	if s.store == nil {
		return []map[string]interface{}{}, []map[string]interface{}{}, map[string]int64{}, nil
	}

	owned, err := s.store.Query(ctx, `
		MATCH (sess:Session)-[:OWNED_BY]->(u:User {id: $user_id})
		WHERE sess.id IN [$scoped, $legacy]
		RETURN sess.id AS id
		LIMIT 1
	`, map[string]interface{}{
		"user_id": UserNodeID(userID),
		"scoped":  ScopedSessionID(sessionID, userID),
		"legacy":  LegacySessionID(sessionID),
	})
	if err != nil || len(owned) == 0 {
		return []map[string]interface{}{}, []map[string]interface{}{}, map[string]int64{}, nil
	}
	scopedSession, _ := owned[0]["id"].(string)

	nodeRows, err := s.store.Query(ctx, `
		MATCH (n)-[:PART_OF_SESSION|FROM_MESSAGE|BELONGS_TO|SUMMARIZES*0..2]-(sess:Session {id: $session_id})
		RETURN DISTINCT n.id AS id, labels(n)[0] AS type, n.content AS content, n.importance AS importance
	`, map[string]interface{}{"session_id": scopedSession})
	if err != nil {
		return nil, nil, nil, err
	}

	edgeRows, err := s.store.Query(ctx, `
		MATCH (sess:Session {id: $session_id})<-[:PART_OF_SESSION]-(m)
		MATCH (a)-[r]->(b)
		WHERE a.id = m.id OR b.id = m.id
		RETURN DISTINCT a.id AS source, type(r) AS type, b.id AS target
	`, map[string]interface{}{"session_id": scopedSession})
	if err != nil {
		return nil, nil, nil, err
	}

	statRows, err := s.store.Stats(ctx)
	if err != nil {
		statRows = map[string]int64{}
	}

	return nodeRows, edgeRows, statRows, nil
}

// lruSet is the bounded recent-write cache (§4.4 write path step 5):
// capacity-limited insertion-order dedupe set.
type lruSet struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

func newLRUSet(capacity int) *lruSet {
	if capacity <= 0 {
		capacity = 2000
	}
	return &lruSet{capacity: capacity, order: list.New(), index: make(map[string]*list.Element)}
}

func (l *lruSet) Contains(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.index[key]
	return ok
}

func (l *lruSet) Add(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.index[key]; ok {
		return
	}
	el := l.order.PushBack(key)
	l.index[key] = el
	if l.order.Len() > l.capacity {
		oldest := l.order.Front()
		l.order.Remove(oldest)
		delete(l.index, oldest.Value.(string))
	}
}
