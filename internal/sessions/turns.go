package sessions

import (
	"sync"
	"time"
)

// ToolCallRef is one tool call emitted by the LLM within a batch, preserved
// verbatim so a rejected/partially-approved batch can be replayed (§4.5).
type ToolCallRef struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// PendingConfirmation records a HIGH-risk tool call awaiting HITL approval,
// plus the whole batch it was raised from so an approve decision can replay
// it with `approved_call_ids` and SAFE/MODERATE calls can still execute,
// while other HIGH calls chain into a fresh confirmation (§4.5 points 2-5).
type PendingConfirmation struct {
	TurnID       string                 `json:"turn_id"`
	ToolCallID   string                 `json:"tool_call_id"`
	ToolName     string                 `json:"tool_name"`
	Args         map[string]interface{} `json:"args"`
	AllToolCalls []ToolCallRef          `json:"all_tool_calls"`
	CreatedAt    time.Time              `json:"created_at"`

	// UserID/Channel/ChatID/PeerKind carry forward the parked RunRequest's
	// tool-context fields so ResumeConfirmation can rebuild the same
	// workspace-scoped ExecContext the original batch would have used.
	UserID   string `json:"user_id"`
	Channel  string `json:"channel"`
	ChatID   string `json:"chat_id"`
	PeerKind string `json:"peer_kind"`
}

// turnState tracks the in-flight turn for a session, keyed separately from
// the persisted Session so concurrent begin/commit/abort calls serialize
// cleanly without holding the session's history lock.
type turnState struct {
	mu         sync.Mutex
	activeID   string // turn_id currently in-flight, "" if none
	pending    *PendingConfirmation
	completed  map[string]bool // bounded set of recently committed/aborted turn IDs, for idempotent retries
	order      []string
	maxHistory int
}

func newTurnState(maxHistory int) *turnState {
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	return &turnState{completed: make(map[string]bool), maxHistory: maxHistory}
}

func (t *turnState) remember(turnID string) {
	if t.completed[turnID] {
		return
	}
	t.completed[turnID] = true
	t.order = append(t.order, turnID)
	if len(t.order) > t.maxHistory {
		drop := t.order[0]
		t.order = t.order[1:]
		delete(t.completed, drop)
	}
}

func (m *Manager) turnState(key string) *turnState {
	m.turnMu.Lock()
	defer m.turnMu.Unlock()
	if m.turns == nil {
		m.turns = make(map[string]*turnState)
	}
	ts, ok := m.turns[key]
	if !ok {
		ts = newTurnState(1000)
		m.turns[key] = ts
	}
	return ts
}

// BeginTurn starts turn_id as the active turn for the session, appending the
// user message immediately. Returns false if another turn is already active
// (conflict) or turn_id was already seen (duplicate begin).
func (m *Manager) BeginTurn(key, turnID, role, text, userID string) bool {
	ts := m.turnState(key)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.completed[turnID] || ts.activeID == turnID {
		return false
	}
	if ts.activeID != "" {
		return false
	}
	ts.activeID = turnID
	ts.pending = nil

	m.AddMessage(key, messageFor(role, text))
	return true
}

// CommitTurn finalizes turnID with the assistant's output, clearing the
// active-turn marker. Returns false if turnID is not the active turn.
// A repeat commit of an already-committed turnID is a no-op that returns
// true, so retried commits stay idempotent instead of reporting conflict.
func (m *Manager) CommitTurn(key, turnID, assistantContent, userID string) bool {
	ts := m.turnState(key)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.completed[turnID] {
		return true
	}
	if ts.activeID != turnID {
		return false
	}
	ts.activeID = ""
	ts.pending = nil
	ts.remember(turnID)

	m.AddMessage(key, messageFor("assistant", assistantContent))
	_ = m.Save(key)
	return true
}

// AbortTurn discards the active turn without recording an assistant
// message, used on final retry exhaustion or fatal commit failure.
func (m *Manager) AbortTurn(key, turnID string) {
	ts := m.turnState(key)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.activeID != turnID {
		return
	}
	ts.activeID = ""
	ts.pending = nil
	ts.remember(turnID)
}

// SetPendingConfirmation parks turnID awaiting HITL approval of a tool call;
// the turn remains active (not committed) until ClearPendingConfirmation
// resolves it (see orchestrator.Orchestrator.ResolveConfirmation).
func (m *Manager) SetPendingConfirmation(key string, pc PendingConfirmation) {
	ts := m.turnState(key)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.pending = &pc
}

// PendingConfirmationFor returns the parked confirmation for a session, if any.
func (m *Manager) PendingConfirmationFor(key string) *PendingConfirmation {
	ts := m.turnState(key)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.pending
}

// ClearPendingConfirmation removes the parked confirmation after it resolves.
func (m *Manager) ClearPendingConfirmation(key string) {
	ts := m.turnState(key)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.pending = nil
}

// ActiveTurn returns the currently in-flight turn id for a session, "" if none.
func (m *Manager) ActiveTurn(key string) string {
	ts := m.turnState(key)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.activeID
}
