// Package execution implements the bridge's ExecutionCoordinator
// (component C7): the heart of the plan/execute state machine, gluing
// AgentSupervisor, PlanRegistry, and WorkspaceAdapter together behind a
// per-session FIFO execution queue.
package execution

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prompt-dock/bridge/agent"
	"github.com/prompt-dock/bridge/internal/logger"
	"github.com/prompt-dock/bridge/internal/metrics"
	"github.com/prompt-dock/bridge/plan"
	"github.com/prompt-dock/bridge/workspace"
)

var (
	ErrPlanNotApproved          = errors.New("execution: plan not approved")
	ErrOwnershipViolation       = errors.New("execution: ownership violation")
	ErrExecutionNotFound        = errors.New("execution: not found")
	ErrExecutionAlreadyTerminal = errors.New("execution: already terminal")
	ErrWorkdirInvalid           = errors.New("execution: workdir does not exist or is not writable")
)

// State is an Execution's lifecycle stage.
type State string

const (
	StateQueued    State = "QUEUED"
	StateStarting  State = "STARTING"
	StateRunning   State = "RUNNING"
	StateAborted   State = "ABORTED"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

func (s State) terminal() bool {
	switch s {
	case StateAborted, StateCompleted, StateFailed:
		return true
	default:
		return false
	}
}

// Execution is one queued-or-running agent invocation tied to an approved
// Plan.
type Execution struct {
	mu sync.Mutex

	ID        string
	SessionID string
	PlanID    string

	State     State
	StartedAt time.Time
	EndedAt   time.Time
	Err       error

	planSession *agent.PlanSession
}

func (e *Execution) snapshotState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.State
}

// Event is a progress/output notification tagged with its executionId.
type Event struct {
	ExecutionID string
	Type        string // execution-started, execution-progress, file-changed, execution-complete, execution-failed
	Percent     int
	Data        map[string]interface{}
	Timestamp   time.Time
}

// EventFunc receives coordinator-emitted events.
type EventFunc func(Event)

// sessionWorker drains one session's execution queue strictly in FIFO
// order, enforcing the "at most one RUNNING execution per session"
// invariant by construction (a single consumer goroutine).
type sessionWorker struct {
	jobs chan *Execution
}

// Coordinator wires AgentSupervisor, PlanRegistry, and WorkspaceAdapter
// into the plan/execute state machine.
type Coordinator struct {
	mu sync.Mutex

	plans      *plan.Registry
	supervisor *agent.Supervisor
	ws         workspace.Adapter

	executions map[string]*Execution
	workers    map[string]*sessionWorker

	emit EventFunc
	log  logger.Logger

	idSeq int64
}

// NewCoordinator builds a Coordinator. emit may be nil to discard events.
func NewCoordinator(plans *plan.Registry, supervisor *agent.Supervisor, ws workspace.Adapter, emit EventFunc, log logger.Logger) *Coordinator {
	if emit == nil {
		emit = func(Event) {}
	}
	return &Coordinator{
		plans:      plans,
		supervisor: supervisor,
		ws:         ws,
		executions: make(map[string]*Execution),
		workers:    make(map[string]*sessionWorker),
		emit:       emit,
		log:        log,
	}
}

func checkWorkdirWritable(workdir string) error {
	info, err := os.Stat(workdir)
	if err != nil || !info.IsDir() {
		return ErrWorkdirInvalid
	}
	probe := filepath.Join(workdir, ".bridge-write-probe")
	f, err := os.Create(probe)
	if err != nil {
		return ErrWorkdirInvalid
	}
	f.Close()
	os.Remove(probe)
	return nil
}

// SubmitPlanRequest validates workdir, captures workspace status, requests
// a best-effort backup snapshot, starts the agent in plan mode, and wraps
// the resulting plan artifact as a Plan in state PROPOSED.
func (c *Coordinator) SubmitPlanRequest(ctx context.Context, sessionID, prompt, workdir, agentKind, configuredAgentPath string) (*plan.Plan, error) {
	if err := checkWorkdirWritable(workdir); err != nil {
		return nil, err
	}

	if c.ws != nil {
		if _, err := c.ws.Status(ctx, workdir); err != nil && c.log != nil {
			c.log.Warn("execution: workspace status failed", logger.Err(err), logger.String("workdir", workdir))
		}
		if _, err := c.ws.CreateBackupSnapshot(ctx, workdir); err != nil && c.log != nil {
			c.log.Warn("execution: backup snapshot failed", logger.Err(err), logger.String("workdir", workdir))
		}
	}

	executionID := c.nextID("plan-run")
	ps, err := c.supervisor.StartPlan(ctx, executionID, agentKind, configuredAgentPath, prompt, workdir)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(2 * time.Minute)
	for {
		state := ps.State()
		if state == agent.StateAwaitingApproval || state == agent.StateExited {
			break
		}
		if time.Now().After(deadline) {
			_ = c.supervisor.Cancel(ps)
			return nil, fmt.Errorf("execution: %w", agent.ErrAgentNotAvailable)
		}
		time.Sleep(50 * time.Millisecond)
	}

	artifact := plan.Artifact{PlanText: ps.PlanText()}
	p := c.plans.Create(sessionID, prompt, workdir, agentKind, artifact)

	c.mu.Lock()
	c.executions[p.ID] = &Execution{ID: p.ID, SessionID: sessionID, PlanID: p.ID, State: StateQueued, planSession: ps}
	c.mu.Unlock()

	return p, nil
}

// ApprovePlan transitions a plan PROPOSED→APPROVED. It does not yet release
// the agent's interactive approval gate — that happens when ExecutePlan
// reaches the head of the session's queue.
func (c *Coordinator) ApprovePlan(sessionID, planID string) (*plan.Plan, error) {
	return c.plans.Approve(planID, sessionID)
}

// RejectPlan transitions a plan PROPOSED→REJECTED and, if the originating
// agent process is still open for feedback, relays the rejection reason to
// it.
func (c *Coordinator) RejectPlan(sessionID, planID, reason string) error {
	c.mu.Lock()
	holder, ok := c.executions[planID]
	c.mu.Unlock()

	if err := c.plans.Reject(planID, sessionID, reason); err != nil {
		return err
	}

	if ok && holder.planSession != nil && holder.planSession.AwaitsInteractiveApproval() {
		_ = c.supervisor.Reject(holder.planSession, reason)
	}
	c.mu.Lock()
	delete(c.executions, planID)
	c.mu.Unlock()
	return nil
}

// ExecutePlan enqueues planID's execution on sessionID's FIFO queue,
// requiring the plan to be APPROVED and owned by sessionID.
func (c *Coordinator) ExecutePlan(ctx context.Context, sessionID, planID string) (*Execution, error) {
	p, err := c.plans.Get(planID)
	if err != nil {
		return nil, err
	}
	if p.SessionID != sessionID {
		return nil, ErrOwnershipViolation
	}
	if p.State != plan.StateApproved {
		return nil, ErrPlanNotApproved
	}

	c.mu.Lock()
	exec, ok := c.executions[planID]
	if !ok {
		c.mu.Unlock()
		return nil, ErrExecutionNotFound
	}
	exec.mu.Lock()
	exec.State = StateQueued
	exec.mu.Unlock()
	worker := c.ensureWorkerLocked(sessionID)
	c.mu.Unlock()

	metrics.ExecutionQueueDepth.Inc()
	worker.jobs <- exec
	return exec, nil
}

func (c *Coordinator) ensureWorkerLocked(sessionID string) *sessionWorker {
	w, ok := c.workers[sessionID]
	if ok {
		return w
	}
	w = &sessionWorker{jobs: make(chan *Execution, 256)}
	c.workers[sessionID] = w
	go c.drainWorker(w)
	return w
}

func (c *Coordinator) drainWorker(w *sessionWorker) {
	for exec := range w.jobs {
		c.runExecution(exec)
	}
}

func (c *Coordinator) runExecution(exec *Execution) {
	metrics.ExecutionQueueDepth.Dec()

	exec.mu.Lock()
	if exec.State.terminal() {
		exec.mu.Unlock()
		return
	}
	exec.State = StateStarting
	exec.StartedAt = time.Now()
	ps := exec.planSession
	exec.mu.Unlock()

	metrics.ExecutionsStarted.Inc()
	c.emit(Event{ExecutionID: exec.ID, Type: "execution-started", Percent: 0, Timestamp: time.Now()})

	if ps == nil {
		c.finish(exec, StateFailed, errors.New("execution: no agent process bound to plan"))
		return
	}

	if err := c.supervisor.ApproveInteractively(ps, ""); err != nil {
		c.finish(exec, StateFailed, err)
		return
	}
	exec.mu.Lock()
	exec.State = StateRunning
	exec.mu.Unlock()
	c.emit(Event{ExecutionID: exec.ID, Type: "execution-progress", Percent: 10, Timestamp: time.Now()})

	<-ps.WaitDone()

	if exec.snapshotState() == StateAborted {
		c.finish(exec, StateAborted, nil)
		return
	}

	c.emit(Event{ExecutionID: exec.ID, Type: "execution-progress", Percent: 80, Timestamp: time.Now()})

	if c.ws != nil {
		p, err := c.plans.Get(exec.PlanID)
		if err == nil {
			if st, statusErr := c.ws.Status(context.Background(), p.Workdir); statusErr == nil && !st.Clean {
				if _, commitErr := c.ws.Commit(context.Background(), p.Workdir, "prompt-dock automated commit", nil); commitErr != nil && c.log != nil {
					c.log.Warn("execution: auto-commit failed", logger.Err(commitErr))
				}
				for _, f := range st.ChangedFiles {
					c.emit(Event{ExecutionID: exec.ID, Type: "file-changed", Data: map[string]interface{}{"path": f}, Timestamp: time.Now()})
				}
			}
		}
	}
	c.emit(Event{ExecutionID: exec.ID, Type: "execution-progress", Percent: 90, Timestamp: time.Now()})

	_ = c.plans.MarkExecuted(exec.PlanID)
	c.finish(exec, StateCompleted, nil)
}

func (c *Coordinator) finish(exec *Execution, state State, err error) {
	exec.mu.Lock()
	exec.State = state
	exec.EndedAt = time.Now()
	exec.Err = err
	exec.mu.Unlock()

	result := "completed"
	evtType := "execution-complete"
	percent := 100
	if state == StateFailed {
		result = "failed"
		evtType = "execution-failed"
	} else if state == StateAborted {
		result = "aborted"
		evtType = "execution-failed"
	}
	metrics.ExecutionsFinished.WithLabelValues(result).Inc()
	if !exec.StartedAt.IsZero() {
		metrics.ExecutionDuration.Observe(exec.EndedAt.Sub(exec.StartedAt).Seconds())
	}

	data := map[string]interface{}{}
	if err != nil {
		data["error"] = err.Error()
	}
	c.emit(Event{ExecutionID: exec.ID, Type: evtType, Percent: percent, Data: data, Timestamp: time.Now()})
}

// Abort cancels a non-terminal execution's agent process. The execution's
// state flips to ABORTED immediately; the terminal event is deferred until
// the subprocess has actually exited (handled by runExecution's own
// completion path).
func (c *Coordinator) Abort(sessionID, executionID string) error {
	c.mu.Lock()
	exec, ok := c.executions[executionID]
	c.mu.Unlock()
	if !ok {
		return ErrExecutionNotFound
	}
	if exec.SessionID != sessionID {
		return ErrOwnershipViolation
	}

	exec.mu.Lock()
	if exec.State.terminal() {
		exec.mu.Unlock()
		return ErrExecutionAlreadyTerminal
	}
	exec.State = StateAborted
	ps := exec.planSession
	exec.mu.Unlock()

	if ps == nil {
		return nil
	}
	return c.supervisor.Cancel(ps)
}

// EmergencyStop cancels every live subprocess concurrently and rejects all
// queued (non-head) executions with reason.
func (c *Coordinator) EmergencyStop(reason string) int {
	c.mu.Lock()
	var live []*Execution
	for _, exec := range c.executions {
		state := exec.snapshotState()
		if !state.terminal() {
			live = append(live, exec)
		}
	}
	c.mu.Unlock()

	var g errgroup.Group
	for _, exec := range live {
		exec := exec
		g.Go(func() error {
			exec.mu.Lock()
			if exec.State.terminal() {
				exec.mu.Unlock()
				return nil
			}
			exec.State = StateAborted
			ps := exec.planSession
			exec.mu.Unlock()
			if ps != nil {
				_ = c.supervisor.Cancel(ps)
			}
			c.emit(Event{ExecutionID: exec.ID, Type: "execution-failed", Data: map[string]interface{}{"reason": reason}, Timestamp: time.Now()})
			return nil
		})
	}
	_ = g.Wait()

	return len(live)
}

func (c *Coordinator) nextID(prefix string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idSeq++
	return fmt.Sprintf("%s-%d", prefix, c.idSeq)
}
