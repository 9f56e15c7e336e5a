// Package orchestrator implements the Conversation Orchestrator (§4.3):
// per-session serialized worker queues, bounded capacity with overflow
// drop, retry-with-backoff, idle-TTL workers, and the turn lifecycle
// (begin/commit/abort) built on top of the Message/Turn Manager.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/gatewaycore/internal/agent"
	"github.com/nextlevelbuilder/gatewaycore/internal/bus"
	"github.com/nextlevelbuilder/gatewaycore/internal/config"
	"github.com/nextlevelbuilder/gatewaycore/internal/gwerr"
	"github.com/nextlevelbuilder/gatewaycore/internal/sessions"
	"github.com/nextlevelbuilder/gatewaycore/internal/tools"
)

// AgentRunner is the injected LLM-loop dependency. agent.Loop implements it.
type AgentRunner interface {
	Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error)
	ResumeConfirmation(ctx context.Context, req agent.RunRequest, pendingCalls []sessions.ToolCallRef, approvedCallIDs map[string]bool) (*agent.RunResult, error)
}

// RecallClassifier answers the binary "does this query need durable user
// context" question that gates expensive memory recall.
type RecallClassifier interface {
	ShouldRecall(ctx context.Context, query string) (bool, error)
}

// MemoryRecaller fetches a formatted context string for a query (§4.4 read path).
type MemoryRecaller interface {
	GetContext(ctx context.Context, query, sessionID, userID string) (string, error)
}

// memoryMarkers bypass the short-query rejection and force a recall attempt
// (English + representative CJK forms, per the glossary).
var memoryMarkers = []string{
	"my name", "who am i", "remember", "my preference", "my profile",
	"记得", "我是谁", "我的名字", "我叫什么", "我叫啥", "我的偏好", "我的设定",
}

// Job is one inbound message scheduled onto a session's worker.
type Job struct {
	Request agent.RunRequest
	Result  chan Outcome

	// resume, when non-nil, marks this job as resuming an already-active
	// parked turn (§4.5 point 5) rather than beginning a fresh one.
	resume *resumeInfo
}

type resumeInfo struct {
	turnID          string
	pendingCalls    []sessions.ToolCallRef
	approvedCallIDs map[string]bool
}

// Outcome is delivered on a Job's Result channel exactly once.
type Outcome struct {
	Result            *agent.RunResult
	Err               error
	NeedsConfirmation *tools.ConfirmationRequired
}

// Orchestrator owns one worker per active session key.
type Orchestrator struct {
	bus      *bus.Bus
	sessions *sessions.Manager
	runner   AgentRunner
	classify RecallClassifier // optional
	memory   MemoryRecaller   // optional
	cfg      config.OrchestratorConfig

	mu      sync.Mutex
	workers map[string]*sessionWorker
}

// New builds an Orchestrator. classify/memory may be nil to disable recall.
func New(b *bus.Bus, sm *sessions.Manager, runner AgentRunner, classify RecallClassifier, memory MemoryRecaller, cfg config.OrchestratorConfig) *Orchestrator {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 32
	}
	if cfg.WorkerIdleTTLS <= 0 {
		cfg.WorkerIdleTTLS = 300
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 2
	}
	if cfg.RetryBaseDelayS <= 0 {
		cfg.RetryBaseDelayS = 1
	}
	if cfg.RetryMaxDelayS <= 0 {
		cfg.RetryMaxDelayS = 30
	}
	if cfg.MinQueryChars <= 0 {
		cfg.MinQueryChars = 6
	}
	if cfg.MaxQueryChars <= 0 {
		cfg.MaxQueryChars = 4000
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = 20
	}
	return &Orchestrator{
		bus:      b,
		sessions: sm,
		runner:   runner,
		classify: classify,
		memory:   memory,
		cfg:      cfg,
		workers:  make(map[string]*sessionWorker),
	}
}

// SessionKeyFor builds the scheduling key "{channel}_{sender}" (§4.3).
func SessionKeyFor(channel, sender string) string {
	return channel + "_" + sender
}

// Submit enqueues req onto its session's worker, lazily spawning one. It
// returns immediately; the caller receives the Outcome on the returned
// channel once the turn completes (or is dropped/parked).
func (o *Orchestrator) Submit(ctx context.Context, req agent.RunRequest) <-chan Outcome {
	out := make(chan Outcome, 1)

	w := o.workerFor(req.SessionKey)
	job := Job{Request: req, Result: out}

	select {
	case w.queue <- job:
	default:
		o.bus.Emit(bus.EventConversationError, map[string]interface{}{
			"session_id": req.SessionKey,
			"error":      "session queue is full",
		})
		out <- Outcome{Err: gwerr.New(gwerr.KindSessionQueueFull, "session queue is full")}
	}
	return out
}

// ResolveConfirmation answers a session's parked PendingConfirmation (the
// §4.5 point 4/5 `tool.confirm` RPC). Rejecting aborts the parked turn
// outright; approving replays the original batch with the approved call
// IDs merged in and resumes the turn from where it parked.
func (o *Orchestrator) ResolveConfirmation(ctx context.Context, sessionKey string, approve bool, approvedCallIDs map[string]bool) <-chan Outcome {
	out := make(chan Outcome, 1)

	pending := o.sessions.PendingConfirmationFor(sessionKey)
	if pending == nil {
		out <- Outcome{Err: gwerr.New(gwerr.KindInternal, "no pending confirmation for session")}
		return out
	}

	if !approve {
		o.sessions.ClearPendingConfirmation(sessionKey)
		o.sessions.AbortTurn(sessionKey, pending.TurnID)
		o.bus.Emit(bus.EventConversationError, map[string]interface{}{
			"session_id": sessionKey,
			"turn_id":    pending.TurnID,
			"error":      "tool call rejected by operator",
		})
		out <- Outcome{Err: gwerr.New(gwerr.KindValidation, "tool call rejected by operator")}
		return out
	}

	merged := make(map[string]bool, len(approvedCallIDs)+1)
	for id := range approvedCallIDs {
		merged[id] = true
	}
	merged[pending.ToolCallID] = true

	o.sessions.ClearPendingConfirmation(sessionKey)

	req := agent.RunRequest{
		SessionKey: sessionKey,
		UserID:     pending.UserID,
		Channel:    pending.Channel,
		ChatID:     pending.ChatID,
		PeerKind:   pending.PeerKind,
	}
	job := Job{
		Request: req,
		Result:  out,
		resume: &resumeInfo{
			turnID:          pending.TurnID,
			pendingCalls:    pending.AllToolCalls,
			approvedCallIDs: merged,
		},
	}

	w := o.workerFor(sessionKey)
	select {
	case w.queue <- job:
	default:
		o.bus.Emit(bus.EventConversationError, map[string]interface{}{
			"session_id": sessionKey,
			"error":      "session queue is full",
		})
		out <- Outcome{Err: gwerr.New(gwerr.KindSessionQueueFull, "session queue is full")}
	}
	return out
}

func (o *Orchestrator) workerFor(key string) *sessionWorker {
	o.mu.Lock()
	defer o.mu.Unlock()

	if w, ok := o.workers[key]; ok {
		return w
	}
	w := &sessionWorker{
		key:   key,
		queue: make(chan Job, o.cfg.MaxQueueSize),
		o:     o,
	}
	o.workers[key] = w
	go w.run()
	return w
}

func (o *Orchestrator) forgetWorker(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.workers, key)
}

// sessionWorker serializes turns for exactly one session key.
type sessionWorker struct {
	key   string
	queue chan Job
	o     *Orchestrator
}

func (w *sessionWorker) run() {
	idle := time.Duration(w.o.cfg.WorkerIdleTTLS) * time.Second
	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		select {
		case job, ok := <-w.queue:
			if !ok {
				return
			}
			if !timer.Stop() {
				<-timer.C
			}
			w.process(job)
			timer.Reset(idle)

		case <-timer.C:
			// Idle with an empty queue: self-terminate. A race where a
			// Submit lands in w.queue right after this check is acceptable
			// (Submit will simply spawn a fresh worker for the next job).
			w.o.forgetWorker(w.key)
			return
		}
	}
}

func (w *sessionWorker) process(job Job) {
	ctx := context.Background()
	req := job.Request
	key := req.SessionKey

	var turnID string
	var result *agent.RunResult
	var confirmReq *tools.ConfirmationRequired
	var err error

	if job.resume != nil {
		turnID = job.resume.turnID
		result, err = w.o.runner.ResumeConfirmation(ctx, req, job.resume.pendingCalls, job.resume.approvedCallIDs)
		if cr, ok := asConfirmationRequired(err); ok {
			confirmReq = cr
			err = nil
		}
	} else {
		turnID = uuid.NewString()

		w.o.sessions.GetOrCreate(key)

		if !w.o.sessions.BeginTurn(key, turnID, "user", req.Message, req.UserID) {
			w.o.bus.Emit(bus.EventConversationError, map[string]interface{}{
				"session_id": key,
				"turn_id":    turnID,
				"error":      "turn conflict: another turn is already active",
			})
			job.Result <- Outcome{Err: gwerr.New(gwerr.KindInternal, "turn conflict")}
			return
		}

		req.ExtraSystemPrompt = w.o.withMemoryPrompt(ctx, req)

		result, confirmReq, err = w.runWithRetry(ctx, req, turnID)
	}

	switch {
	case confirmReq != nil:
		w.o.sessions.SetPendingConfirmation(key, sessions.PendingConfirmation{
			TurnID:       turnID,
			ToolCallID:   confirmReq.ToolCallID,
			ToolName:     confirmReq.ToolName,
			Args:         confirmReq.Args,
			AllToolCalls: confirmReq.AllToolCalls,
			CreatedAt:    time.Now(),
			UserID:       req.UserID,
			Channel:      req.Channel,
			ChatID:       req.ChatID,
			PeerKind:     req.PeerKind,
		})
		job.Result <- Outcome{NeedsConfirmation: confirmReq}
		return

	case err != nil:
		w.o.sessions.AbortTurn(key, turnID)
		w.o.bus.Emit(bus.EventConversationError, map[string]interface{}{
			"session_id":  key,
			"turn_id":     turnID,
			"error":       err.Error(),
			"will_retry":  false,
		})
		job.Result <- Outcome{Err: err}
		return
	}

	if !w.o.sessions.CommitTurn(key, turnID, result.Content, req.UserID) {
		w.o.bus.Emit(bus.EventConversationError, map[string]interface{}{
			"session_id": key,
			"turn_id":    turnID,
			"error":      "commit failed",
		})
		job.Result <- Outcome{Err: gwerr.New(gwerr.KindInternal, "commit_turn failed")}
		return
	}

	w.o.bus.Emit(bus.EventConversationComplete, map[string]interface{}{
		"session_id": key,
		"turn_id":    turnID,
	})
	w.o.bus.Emit(bus.EventInteractionCompleted, map[string]interface{}{
		"session_id":      key,
		"user_id":         req.UserID,
		"channel":         req.Channel,
		"user_input":      req.Message,
		"assistant_output": result.Content,
	})

	job.Result <- Outcome{Result: result}
}

// runWithRetry invokes the LLM loop, retrying on non-confirmation errors up
// to MaxRetries with exponential backoff.
func (w *sessionWorker) runWithRetry(ctx context.Context, req agent.RunRequest, turnID string) (*agent.RunResult, *tools.ConfirmationRequired, error) {
	var lastErr error
	for attempt := 0; attempt <= w.o.cfg.MaxRetries; attempt++ {
		result, err := w.o.runner.Run(ctx, req)
		if err == nil {
			return result, nil, nil
		}

		var confirmReq *tools.ConfirmationRequired
		if cr, ok := asConfirmationRequired(err); ok {
			confirmReq = cr
			return nil, confirmReq, nil
		}

		lastErr = err
		willRetry := attempt < w.o.cfg.MaxRetries
		delay := backoffDelay(attempt, w.o.cfg.RetryBaseDelayS, w.o.cfg.RetryMaxDelayS)

		payload := map[string]interface{}{
			"session_id":  req.SessionKey,
			"turn_id":     turnID,
			"attempt":     attempt,
			"max_retries": w.o.cfg.MaxRetries,
			"will_retry":  willRetry,
		}
		if willRetry {
			payload["retry_delay_s"] = delay.Seconds()
		}
		w.o.bus.Emit(bus.EventConversationError, payload)

		if !willRetry {
			break
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, nil, fmt.Errorf("llm invocation failed after %d attempts: %w", w.o.cfg.MaxRetries+1, lastErr)
}

func backoffDelay(attempt int, base, max float64) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return time.Duration(d * float64(time.Second))
}

func asConfirmationRequired(err error) (*tools.ConfirmationRequired, bool) {
	type unwrapper interface{ Unwrap() error }
	for e := err; e != nil; {
		if cr, ok := e.(*tools.ConfirmationRequired); ok {
			return cr, true
		}
		u, ok := e.(unwrapper)
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return nil, false
}

// withMemoryPrompt implements build_system_prompt_with_memory's recall gate
// and returns the extra system-prompt text to prepend (empty if no recall).
func (o *Orchestrator) withMemoryPrompt(ctx context.Context, req agent.RunRequest) string {
	query := req.Message
	n := len(query)

	forced := false
	lower := strings.ToLower(query)
	for _, m := range memoryMarkers {
		if strings.Contains(lower, m) {
			forced = true
			break
		}
	}

	if !forced && (n < o.cfg.MinQueryChars || n > o.cfg.MaxQueryChars) {
		return req.ExtraSystemPrompt
	}
	if o.classify == nil || o.memory == nil {
		return req.ExtraSystemPrompt
	}

	recall, err := o.classify.ShouldRecall(ctx, query)
	if err != nil || !recall {
		return req.ExtraSystemPrompt
	}

	memCtx, err := o.memory.GetContext(ctx, query, req.SessionKey, req.UserID)
	if err != nil || memCtx == "" {
		return req.ExtraSystemPrompt
	}

	o.bus.Emit(bus.EventMemoryRecalled, map[string]interface{}{
		"session_id": req.SessionKey,
		"user_id":    req.UserID,
	})

	if req.ExtraSystemPrompt == "" {
		return memCtx
	}
	return memCtx + "\n\n" + req.ExtraSystemPrompt
}
