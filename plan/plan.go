// Package plan implements the bridge's PlanRegistry (component C6): plan
// artifacts produced by plan-mode agent runs, and the approval state
// machine that governs whether they may proceed to execution.
package plan

import (
	"errors"
	"sync"
	"time"

	"github.com/prompt-dock/bridge/internal/auditlog"
	"github.com/prompt-dock/bridge/internal/logger"
	"github.com/prompt-dock/bridge/internal/metrics"
)

// State is a Plan's position in its approval state machine.
type State string

const (
	StateProposed State = "PROPOSED"
	StateApproved State = "APPROVED"
	StateRejected State = "REJECTED"
	StateExecuted State = "EXECUTED"
	StateExpired  State = "EXPIRED"
)

var (
	// ErrNotFound is returned when a planId has no live entry.
	ErrNotFound = errors.New("plan: not found")
	// ErrOwnershipViolation is returned when a session tries to transition a
	// plan it does not own.
	ErrOwnershipViolation = errors.New("plan: ownership violation")
	// ErrAlreadyTerminal is returned when a transition is attempted against
	// a plan no longer in PROPOSED (for Approve/Reject) or not yet APPROVED
	// (for MarkExecuted).
	ErrAlreadyTerminal = errors.New("plan: already terminal")
)

// sweepAge is how long a PROPOSED plan may sit unapproved before Sweep
// garbage-collects it.
const sweepAge = 30 * time.Minute

// Plan is one plan-mode artifact and its approval lifecycle.
type Plan struct {
	ID                 string
	SessionID          string
	Prompt             string
	Workdir            string
	AgentKind          string
	PlanText           string
	ModifiedFilesHint  []string
	State              State
	CreatedAt          time.Time
	ApprovedAt         time.Time
	RejectedAt         time.Time
	ExecutedAt         time.Time
	RejectionReason    string
}

// Artifact is the plan-mode output handed to Create, decoupled from how the
// AgentSupervisor produced it.
type Artifact struct {
	PlanText          string
	ModifiedFilesHint []string
}

// Registry holds live plans keyed by id.
type Registry struct {
	mu    sync.Mutex
	plans map[string]*Plan

	idSeq int64

	audit *auditlog.Log
	log   logger.Logger

	tick *time.Ticker
	stop chan struct{}
}

// NewRegistry starts a registry with its background sweep loop running.
func NewRegistry(audit *auditlog.Log, log logger.Logger) *Registry {
	r := &Registry{
		plans: make(map[string]*Plan),
		audit: audit,
		log:   log,
		tick:  time.NewTicker(time.Minute),
		stop:  make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Close stops the background sweep.
func (r *Registry) Close() {
	close(r.stop)
	r.tick.Stop()
}

// Create records a new plan in state PROPOSED, owned by sessionID.
func (r *Registry) Create(sessionID, prompt, workdir, agentKind string, artifact Artifact) *Plan {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.idSeq++
	p := &Plan{
		ID:                formatPlanID(r.idSeq),
		SessionID:         sessionID,
		Prompt:            prompt,
		Workdir:           workdir,
		AgentKind:         agentKind,
		PlanText:          artifact.PlanText,
		ModifiedFilesHint: artifact.ModifiedFilesHint,
		State:             StateProposed,
		CreatedAt:         time.Now(),
	}
	r.plans[p.ID] = p

	metrics.PlansCreated.Inc()
	r.logEvent("plan.created", map[string]interface{}{"plan_id": p.ID, "session_id": sessionID, "agent_kind": agentKind})
	return p
}

// Get returns the live plan for planID, or ErrNotFound.
func (r *Registry) Get(planID string) (*Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plans[planID]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

// Approve transitions planID from PROPOSED to APPROVED. Only the owning
// session may do this; the plan must still be PROPOSED.
func (r *Registry) Approve(planID, sessionID string) (*Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.plans[planID]
	if !ok {
		return nil, ErrNotFound
	}
	if p.SessionID != sessionID {
		return nil, ErrOwnershipViolation
	}
	if p.State != StateProposed {
		return nil, ErrAlreadyTerminal
	}

	p.State = StateApproved
	p.ApprovedAt = time.Now()

	metrics.PlanTransitions.WithLabelValues("approved").Inc()
	r.logEvent("plan.approved", map[string]interface{}{"plan_id": planID, "session_id": sessionID})
	return p, nil
}

// Reject transitions planID from PROPOSED to REJECTED and removes it from
// the registry — REJECTED is terminal and not retained.
func (r *Registry) Reject(planID, sessionID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.plans[planID]
	if !ok {
		return ErrNotFound
	}
	if p.SessionID != sessionID {
		return ErrOwnershipViolation
	}
	if p.State != StateProposed {
		return ErrAlreadyTerminal
	}

	delete(r.plans, planID)

	metrics.PlanTransitions.WithLabelValues("rejected").Inc()
	r.logEvent("plan.rejected", map[string]interface{}{"plan_id": planID, "session_id": sessionID, "reason": reason})
	return nil
}

// MarkExecuted transitions planID from APPROVED to EXECUTED. Called by the
// ExecutionCoordinator once the corresponding execution completes; failed
// or aborted executions leave the plan APPROVED.
func (r *Registry) MarkExecuted(planID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.plans[planID]
	if !ok {
		return ErrNotFound
	}
	if p.State != StateApproved {
		return ErrAlreadyTerminal
	}

	p.State = StateExecuted
	p.ExecutedAt = time.Now()

	metrics.PlanTransitions.WithLabelValues("executed").Inc()
	r.logEvent("plan.executed", map[string]interface{}{"plan_id": planID})
	return nil
}

// Sweep removes PROPOSED plans older than 30 minutes, marking them EXPIRED
// in the audit trail before discarding them.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-sweepAge)
	removed := 0
	for id, p := range r.plans {
		if p.State == StateProposed && p.CreatedAt.Before(cutoff) {
			delete(r.plans, id)
			removed++
			metrics.PlanTransitions.WithLabelValues("expired").Inc()
			r.logEvent("plan.expired", map[string]interface{}{"plan_id": id, "session_id": p.SessionID})
		}
	}
	return removed
}

func (r *Registry) sweepLoop() {
	for {
		select {
		case <-r.tick.C:
			r.Sweep()
		case <-r.stop:
			return
		}
	}
}

func (r *Registry) logEvent(action string, data map[string]interface{}) {
	if r.audit != nil {
		_ = r.audit.Append(action, data)
	}
	if r.log != nil {
		r.log.Info(action, logger.Any("data", data))
	}
}

func formatPlanID(seq int64) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	if seq == 0 {
		return "plan-0"
	}
	n := seq
	var buf [16]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = alphabet[n%int64(len(alphabet))]
		n /= int64(len(alphabet))
	}
	return "plan-" + string(buf[i:])
}
