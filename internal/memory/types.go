// Package memory implements the Memory Service (§4.4): a passive listener
// that, for each completed turn, decides via classifier + graph-level
// dedupe whether to write durable long-term state to a Neo4j graph, and
// serves query-time recall through a three-layer graph query (direct /
// related / recent) with dynamic parameters and time-decay maintenance.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// NodeType is one of the fixed graph node labels (§3 Memory Graph).
type NodeType string

const (
	NodeUser    NodeType = "User"
	NodeSession NodeType = "Session"
	NodeMessage NodeType = "Message"
	NodeEntity  NodeType = "Entity"
	NodeAction  NodeType = "Action"
	NodeTime    NodeType = "Time"
	NodeLocation NodeType = "Location"
	NodeConcept NodeType = "Concept"
	NodeSummary NodeType = "Summary"
)

// RelationType is one of the fixed graph relationship labels (§3).
type RelationType string

const (
	RelOwnedBy       RelationType = "OWNED_BY"
	RelPartOfSession RelationType = "PART_OF_SESSION"
	RelFromMessage   RelationType = "FROM_MESSAGE"
	RelSubjectOf     RelationType = "SUBJECT_OF"
	RelObjectOf      RelationType = "OBJECT_OF"
	RelAtTime        RelationType = "AT_TIME"
	RelAtLocation    RelationType = "AT_LOCATION"
	RelBelongsTo     RelationType = "BELONGS_TO"
	RelSummarizes    RelationType = "SUMMARIZES"
)

// Layer indexes the hot/warm/cold tiers (§3 Layer invariant).
const (
	LayerHot  = 0
	LayerWarm = 1
	LayerCold = 2
)

// dedupeableTypes are canonicalized by normalized content before creation
// (§3 Dedupe invariant) — Entity/Action/Time/Location, not Message/Summary.
var dedupeableTypes = map[NodeType]bool{
	NodeEntity:   true,
	NodeAction:   true,
	NodeTime:     true,
	NodeLocation: true,
}

// Node is one graph node, mapped to/from Neo4j properties.
type Node struct {
	ID          string
	Type        NodeType
	Content     string
	Layer       int
	Importance  float64
	AccessCount int64
	CreatedAt   int64 // unix seconds
	SessionID   string
	Embedding   []float64
	Properties  map[string]interface{}
}

// Relation is one graph edge between two existing nodes.
type Relation struct {
	Type       RelationType
	SourceID   string
	TargetID   string
	Weight     float64
	Properties map[string]interface{}
}

// Candidate is one long-term-state write candidate surfaced by the
// write-path classifier (§4.4 write path step 2).
type Candidate struct {
	Type         string // goal | preference | constraint | identity | project_state
	Content      string
	SemanticKeys []string
}

// allowedCandidateTypes is the closed set the write-path classifier must
// stay within; anything else is dropped.
var allowedCandidateTypes = map[string]bool{
	"goal": true, "preference": true, "constraint": true,
	"identity": true, "project_state": true,
}

// ScopedSessionID is the canonical session-node key
// "session_" + "{user_id}::{session_id}" (§3 Session scoping invariant).
func ScopedSessionID(sessionID, userID string) string {
	return "session_" + userID + "::" + sessionID
}

// LegacySessionID is the pre-scoping unscoped form some on-disk/graph
// state may still carry; lookups must check both (§3).
func LegacySessionID(sessionID string) string {
	return "session_" + sessionID
}

// UserNodeID is the canonical User node id for userID.
func UserNodeID(userID string) string {
	return "user_" + userID
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// NormalizeContent trims, lowercases, and collapses internal whitespace —
// the canonical form used for dedupe comparisons and write keys.
func NormalizeContent(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return whitespaceRe.ReplaceAllString(s, " ")
}

// WriteKey is the recent-write LRU / dedupe key: sha256(user_id|type|content).
func WriteKey(userID, memoryType, content string) string {
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{'|'})
	h.Write([]byte(memoryType))
	h.Write([]byte{'|'})
	h.Write([]byte(NormalizeContent(content)))
	return hex.EncodeToString(h.Sum(nil))
}

// isCJK covers the common CJK Unified Ideographs block used to detect
// CJK runs during semantic-key tokenization.
func isCJK(r rune) bool {
	return r >= 0x4E00 && r <= 0x9FFF
}

// SemanticKeys tokenizes normalized content into CJK runs and latin/digit
// tokens of length >= 2 (§4.4 write path step 4).
func SemanticKeys(content string) []string {
	normalized := NormalizeContent(content)
	var keys []string
	var run []rune
	flushLatin := func() {
		if len(run) >= 2 {
			keys = append(keys, string(run))
		}
		run = run[:0]
	}
	for _, r := range normalized {
		switch {
		case isCJK(r):
			flushLatin()
			keys = append(keys, string(r))
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			run = append(run, r)
		default:
			flushLatin()
		}
	}
	flushLatin()
	return keys
}
