package flow

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/item-flow/internal/model"
)

// CancelStatus classifies the result of a cancellation request.
type CancelStatus string

const (
	CancelInvalidID        CancelStatus = "INVALID_ID"
	CancelNotFound         CancelStatus = "NOT_FOUND"
	CancelAlreadyCancelled CancelStatus = "ALREADY_CANCELLED"
	CancelAlreadyFinished  CancelStatus = "ALREADY_FINISHED"
	CancelAlreadyAborted   CancelStatus = "ALREADY_ABORTED"
	CancelAbortFailed      CancelStatus = "ABORT_FAILED"
	CancelRequested        CancelStatus = "CANCELLATION_REQUESTED"
)

// CancelResult is the answer to one cancellation request.
type CancelResult struct {
	OK      bool              `json:"ok"`
	Status  CancelStatus      `json:"status"`
	Message string            `json:"message"`
	Outcome *model.RunOutcome `json:"outcome,omitempty"`
}

// Token is the cooperative cancellation signal shared between the engine
// and the registry. It only ever fires once.
type Token struct {
	mu     sync.Mutex
	fired  bool
	reason string
}

func (t *Token) fire(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired {
		return
	}
	t.fired = true
	t.reason = reason
}

// Cancelled reports whether the token has fired, with the original reason.
func (t *Token) Cancelled() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason, t.fired
}

// Err returns a RUN_CANCELLED error carrying the original reason once the
// token has fired, nil otherwise. Yield points in the pipeline call this.
func (t *Token) Err() error {
	reason, fired := t.Cancelled()
	if !fired {
		return nil
	}
	if reason == "" {
		reason = "Run cancelled"
	}
	return NewError(CodeRunCancelled, reason)
}

// Run is the live handle returned by BeginRun. Its finalizers are
// idempotent; only the first call has effect.
type Run struct {
	registry *Registry
	state    model.RunState
	token    *Token

	// abort, when set, is invoked once on cancellation to interrupt an
	// in-flight context. Its error surfaces as ABORT_FAILED.
	abort func() error
}

// Token returns the run's cancellation token.
func (r *Run) Token() *Token { return r.token }

// ItemID returns the item the run belongs to.
func (r *Run) ItemID() string { return r.state.ItemID }

// SetAbort installs a hook invoked when cancellation is requested.
func (r *Run) SetAbort(fn func() error) {
	r.registry.mu.Lock()
	defer r.registry.mu.Unlock()
	r.abort = fn
}

// Cancel finalizes the run as cancelled.
func (r *Run) Cancel(reason string) { r.registry.finalize(r, model.RunStatusCancelled, reason) }

// Complete finalizes the run as completed.
func (r *Run) Complete() { r.registry.finalize(r, model.RunStatusCompleted, "") }

// Fail finalizes the run as failed.
func (r *Run) Fail(reason string) { r.registry.finalize(r, model.RunStatusFailed, reason) }

// Registry tracks at most one live run per item id and retains the last
// terminal outcome so repeated queries stay idempotent after finalize.
type Registry struct {
	mu       sync.Mutex
	active   map[string]*Run
	finished map[string]model.RunOutcome
}

// NewRegistry creates an empty run registry.
func NewRegistry() *Registry {
	return &Registry{
		active:   make(map[string]*Run),
		finished: make(map[string]model.RunOutcome),
	}
}

// BeginRun registers a new live run for the item. It fails on an empty id
// or when a live run already exists for the same item.
func (g *Registry) BeginRun(itemID, actor string) (*Run, error) {
	id := strings.TrimSpace(itemID)
	if id == "" {
		return nil, NewError(CodeInvalidTarget, "beginRun requires a non-empty item id")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, live := g.active[id]; live {
		return nil, NewError(CodeRunInFlight, "a run is already in flight for this item")
	}

	now := time.Now()
	run := &Run{
		registry: g,
		token:    &Token{},
		state: model.RunState{
			RunID:     uuid.NewString(),
			ItemID:    id,
			Status:    model.RunStatusRunning,
			Actor:     actor,
			StartedAt: now,
			UpdatedAt: now,
		},
	}
	g.active[id] = run
	return run, nil
}

// RequestCancellation signals the live run for an item, if any.
func (g *Registry) RequestCancellation(itemID, actor, reason string) CancelResult {
	id := strings.TrimSpace(itemID)
	if id == "" {
		return CancelResult{Status: CancelInvalidID, Message: "cancellation requires a valid item id"}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	run, live := g.active[id]
	last := g.lastOutcome(id)

	if !live {
		switch {
		case last != nil && last.Outcome == model.RunStatusCancelled:
			return CancelResult{Status: CancelAlreadyCancelled, Message: "the run has already been cancelled", Outcome: last}
		case last != nil:
			return CancelResult{Status: CancelAlreadyFinished, Message: "the run has already finished and cannot be cancelled", Outcome: last}
		default:
			return CancelResult{Status: CancelNotFound, Message: "no in-flight run exists for the provided item id"}
		}
	}

	if _, fired := run.token.Cancelled(); fired {
		return CancelResult{Status: CancelAlreadyAborted, Message: "cancellation has already been signaled for this run", Outcome: last}
	}

	if strings.TrimSpace(reason) == "" {
		reason = "Cancellation requested via API."
	}

	run.state.Status = model.RunStatusCancelling
	run.state.Reason = reason
	run.state.UpdatedAt = time.Now()
	if a := strings.TrimSpace(actor); a != "" {
		run.state.Actor = a
	}
	run.token.fire(reason)

	if run.abort != nil {
		if err := run.abort(); err != nil {
			zap.L().Error("cancellation: abort hook failed",
				zap.String("item_id", id),
				zap.Error(err),
			)
			return CancelResult{Status: CancelAbortFailed, Message: "failed to propagate cancellation to the running flow", Outcome: last}
		}
	}

	return CancelResult{OK: true, Status: CancelRequested, Message: reason, Outcome: last}
}

// CheckCancellation returns a RUN_CANCELLED error when the item's live run
// has been signaled, nil otherwise.
func (g *Registry) CheckCancellation(itemID string) error {
	id := strings.TrimSpace(itemID)
	if id == "" {
		return nil
	}

	g.mu.Lock()
	run, live := g.active[id]
	g.mu.Unlock()
	if !live {
		return nil
	}
	return run.token.Err()
}

// RunState returns a copy of the live run state for an item.
func (g *Registry) RunState(itemID string) (model.RunState, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	run, live := g.active[strings.TrimSpace(itemID)]
	if !live {
		return model.RunState{}, false
	}
	return run.state, true
}

// Outcome returns the retained terminal outcome for an item.
func (g *Registry) Outcome(itemID string) (model.RunOutcome, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.lastOutcome(strings.TrimSpace(itemID))
	if out == nil {
		return model.RunOutcome{}, false
	}
	return *out, true
}

func (g *Registry) lastOutcome(id string) *model.RunOutcome {
	if out, ok := g.finished[id]; ok {
		cp := out
		return &cp
	}
	return nil
}

func (g *Registry) finalize(r *Run, outcome model.RunStatus, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := r.state.ItemID
	if current, live := g.active[id]; !live || current != r {
		return
	}
	delete(g.active, id)

	if reason == "" {
		reason = r.state.Reason
	}
	g.finished[id] = model.RunOutcome{
		RunID:      r.state.RunID,
		ItemID:     id,
		Outcome:    outcome,
		Actor:      r.state.Actor,
		Reason:     reason,
		StartedAt:  r.state.StartedAt,
		FinishedAt: time.Now(),
	}
}
