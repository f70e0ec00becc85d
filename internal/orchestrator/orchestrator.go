// Package orchestrator turns one assessment request into a task DAG and
// drives it to completion through capability-matched agents.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-assess/internal/agent"
	"github.com/nidhogg/nuka-assess/internal/bus"
	"github.com/nidhogg/nuka-assess/internal/protocol"
)

// EventsTopic carries a TaskEvent for every task transition and for each
// assessment reaching a terminal state.
const EventsTopic = "assessment.events"

const senderID = "orchestrator"

// Directory resolves agents. *registry.Registry satisfies it.
type Directory interface {
	bus.Resolver
	FindOneByCapability(capability string) (agent.Agent, error)
}

// Persister receives snapshots asynchronously after state changes. Failures
// are logged and never affect the assessment.
type Persister interface {
	SaveAssessment(ctx context.Context, view StatusView, report *Report) error
}

// Config tunes scheduling.
type Config struct {
	PoolSize       int
	TaskTimeout    time.Duration // zero disables the per-task timeout
	IntakeTimeout  time.Duration
	StatusBasePath string
}

// Orchestrator owns every assessment's task graph. Agents never write task
// state; they return results which the orchestrator records.
type Orchestrator struct {
	dir    Directory
	bus    *bus.Bus
	cfg    Config
	pool   chan struct{} // semaphore shared by all assessments
	logger *zap.Logger

	mu          sync.RWMutex
	assessments map[string]*assessment
	order       []string
	persist     *persistQueue

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an orchestrator dispatching through b to agents found in dir.
func New(dir Directory, b *bus.Bus, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	if cfg.IntakeTimeout <= 0 {
		cfg.IntakeTimeout = 30 * time.Second
	}
	if cfg.StatusBasePath == "" {
		cfg.StatusBasePath = "/api/v1/assessment"
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		dir:         dir,
		bus:         b,
		cfg:         cfg,
		pool:        make(chan struct{}, cfg.PoolSize),
		logger:      logger,
		assessments: make(map[string]*assessment),
		baseCtx:     ctx,
		stop:        stop,
	}
}

// SetPersister installs an optional snapshot sink, replacing any earlier one
// after its pending snapshots are saved.
func (o *Orchestrator) SetPersister(p Persister) {
	var q *persistQueue
	if p != nil {
		q = newPersistQueue(p, o.logger)
	}
	o.mu.Lock()
	prev := o.persist
	o.persist = q
	o.mu.Unlock()
	if prev != nil {
		prev.close()
	}
}

// Initiate resolves the intent, plans the task graph and starts execution in
// the background. Intake failures mark the assessment FAILED and are returned.
func (o *Orchestrator) Initiate(ctx context.Context, req Request) (*Accepted, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, &Error{Kind: KindProtocolViolation, Detail: "query is required"}
	}

	a := newAssessment(uuid.New().String(), req)
	o.mu.Lock()
	o.assessments[a.id] = a
	o.order = append(o.order, a.id)
	o.mu.Unlock()

	a.mu.Lock()
	snap := o.touchLocked(a)
	a.mu.Unlock()
	o.emit(nil, snap)

	o.logger.Info("assessment accepted",
		zap.String("assessment", a.id),
		zap.String("project_url", req.ProjectURL))

	ictx, cancel := context.WithTimeout(ctx, o.cfg.IntakeTimeout)
	defer cancel()

	graph, intent, err := o.intake(ictx, a)
	if err != nil {
		oe := asError("intake", err)
		o.failIntake(a, oe)
		return nil, oe
	}

	a.mu.Lock()
	if a.status.Terminal() {
		a.mu.Unlock()
		return nil, &Error{Kind: KindCancelled, Detail: "assessment cancelled during intake"}
	}
	a.intent = intent
	a.graph = graph
	now := time.Now().UTC()
	var evs []protocol.TaskEvent
	for _, id := range graph.IDs() {
		spec := graph.Spec(id)
		t := &Task{
			ID:           spec.ID,
			Name:         spec.Name,
			TaskType:     spec.TaskType,
			Status:       TaskPending,
			Parameters:   spec.Parameters,
			Dependencies: append([]string{}, spec.Dependencies...),
			Capability:   spec.Capability,
			AssessmentID: a.id,
			CreatedAt:    now,
		}
		a.tasks[id] = t
		evs = append(evs, taskEvent(a.id, t))
	}
	a.status = AssessmentRunning
	snap = o.touchLocked(a)
	a.mu.Unlock()
	o.emit(evs, snap)

	o.logger.Info("assessment planned",
		zap.String("assessment", a.id),
		zap.Strings("aspects", intent.Aspects),
		zap.Int("tasks", len(evs)))

	o.wg.Add(1)
	go o.run(o.baseCtx, a)

	return &Accepted{
		AssessmentID: a.id,
		Message:      "Assessment initiated",
		StatusURL:    fmt.Sprintf("%s/%s/status", strings.TrimRight(o.cfg.StatusBasePath, "/"), a.id),
	}, nil
}

// intake asks the intent agent for a structured intent and the planner for a
// task decomposition.
func (o *Orchestrator) intake(ctx context.Context, a *assessment) (*Graph, *protocol.Intent, error) {
	reply, err := o.ask(ctx, a.id, agent.CapabilityIntentRecognition,
		protocol.IntentRequest{Query: a.query, ProjectURL: a.projectURL})
	if err != nil {
		return nil, nil, fmt.Errorf("intent recognition: %w", err)
	}
	intent, ok := reply.Content.(protocol.Intent)
	if !ok {
		return nil, nil, fmt.Errorf("%w: intent agent answered with %T", protocol.ErrProtocolViolation, reply.Content)
	}

	reply, err = o.ask(ctx, a.id, agent.CapabilityTaskPlanning,
		protocol.PlanRequest{AssessmentID: a.id, Intent: intent})
	if err != nil {
		return nil, nil, fmt.Errorf("task planning: %w", err)
	}
	plan, ok := reply.Content.(protocol.Plan)
	if !ok {
		return nil, nil, fmt.Errorf("%w: planner answered with %T", protocol.ErrProtocolViolation, reply.Content)
	}

	g, err := BuildGraph(plan.Tasks)
	if err != nil {
		return nil, nil, err
	}
	return g, &intent, nil
}

// ask sends a REQUEST to the first agent advertising capability.
func (o *Orchestrator) ask(ctx context.Context, assessmentID, capability string, content protocol.Payload) (protocol.Message, error) {
	target, err := o.dir.FindOneByCapability(capability)
	if err != nil {
		return protocol.Message{}, err
	}
	msg := protocol.NewMessage(senderID, protocol.To(target.ID()), protocol.Request, content).
		WithConversation(assessmentID)
	return o.bus.Request(ctx, target.ID(), msg, o.dir)
}

func (o *Orchestrator) failIntake(a *assessment, oe *Error) {
	a.mu.Lock()
	if a.status.Terminal() {
		a.mu.Unlock()
		return
	}
	a.status = AssessmentFailed
	a.err = oe.Error()
	a.errKind = oe.Kind
	a.finishLocked()
	snap := o.touchLocked(a)
	ev := assessmentEvent(a)
	a.mu.Unlock()
	o.emit([]protocol.TaskEvent{ev}, snap)

	o.logger.Warn("assessment intake failed",
		zap.String("assessment", a.id),
		zap.String("kind", string(oe.Kind)),
		zap.Error(oe))
}

// Status returns a snapshot of the assessment.
func (o *Orchestrator) Status(id string) (StatusView, error) {
	a, err := o.get(id)
	if err != nil {
		return StatusView{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.viewLocked(), nil
}

// Report returns the aggregated report of a completed assessment.
func (o *Orchestrator) Report(id string) (*Report, error) {
	a, err := o.get(id)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status != AssessmentCompleted || a.report == nil {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotCompleted, id, a.status)
	}
	r := *a.report
	return &r, nil
}

// List returns summaries in creation order.
func (o *Orchestrator) List() []Summary {
	o.mu.RLock()
	all := make([]*assessment, 0, len(o.order))
	for _, id := range o.order {
		all = append(all, o.assessments[id])
	}
	o.mu.RUnlock()

	out := make([]Summary, 0, len(all))
	for _, a := range all {
		a.mu.Lock()
		out = append(out, Summary{
			AssessmentID:  a.id,
			Query:         a.query,
			OverallStatus: a.status,
			TaskCount:     len(a.tasks),
			CreatedAt:     a.createdAt,
		})
		a.mu.Unlock()
	}
	return out
}

// Wait blocks until the assessment is terminal or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, id string) (StatusView, error) {
	a, err := o.get(id)
	if err != nil {
		return StatusView{}, err
	}
	select {
	case <-a.done:
		return o.Status(id)
	case <-ctx.Done():
		return StatusView{}, ctx.Err()
	}
}

// Cancel stops an assessment: unstarted tasks become CANCELLED and the agents
// of running tasks receive an advisory CANCEL. Cancelling a terminal
// assessment is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (StatusView, error) {
	a, err := o.get(id)
	if err != nil {
		return StatusView{}, err
	}

	a.mu.Lock()
	if a.status.Terminal() {
		view := a.viewLocked()
		a.mu.Unlock()
		return view, nil
	}
	var evs []protocol.TaskEvent
	var running []*Task
	for _, tid := range a.taskOrderLocked() {
		t := a.tasks[tid]
		switch t.Status {
		case TaskPending, TaskQueued:
			a.setStatusLocked(t, TaskCancelled)
			t.Error = "assessment cancelled"
			t.ErrorKind = KindCancelled
			evs = append(evs, taskEvent(a.id, t))
		case TaskRunning:
			cp := *t
			running = append(running, &cp)
		}
	}
	a.status = AssessmentCancelled
	a.err = "cancelled by request"
	a.errKind = KindCancelled
	a.finishLocked()
	evs = append(evs, assessmentEvent(a))
	snap := o.touchLocked(a)
	view := a.viewLocked()
	a.mu.Unlock()
	o.emit(evs, snap)

	o.logger.Info("assessment cancelled",
		zap.String("assessment", id),
		zap.Int("running", len(running)))

	for _, t := range running {
		o.sendCancel(ctx, a.id, t.AgentID, t.ID, "assessment cancelled")
	}
	return view, nil
}

// sendCancel routes an advisory CANCEL to the agent running taskID.
func (o *Orchestrator) sendCancel(ctx context.Context, assessmentID, agentID, taskID, reason string) {
	if agentID == "" {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	msg := protocol.NewMessage(senderID, protocol.To(agentID), protocol.Cancel,
		protocol.CancelRequest{TaskID: taskID, Reason: reason}).WithConversation(assessmentID)
	reply, err := o.bus.RouteToAgent(cctx, agentID, msg, o.dir)
	if err != nil || reply == nil || reply.Performative != protocol.Confirm {
		o.logger.Warn("cancel not acknowledged",
			zap.String("assessment", assessmentID),
			zap.String("task", taskID),
			zap.String("agent", agentID),
			zap.Error(err))
	}
}

// Shutdown stops scheduling and waits for running assessments to drain and
// their last snapshots to be persisted.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stop()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		o.mu.RLock()
		q := o.persist
		o.mu.RUnlock()
		if q != nil {
			q.close()
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) get(id string) (*assessment, error) {
	o.mu.RLock()
	a, ok := o.assessments[id]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAssessmentNotFound, id)
	}
	return a, nil
}

// touchLocked bumps the version and returns the snapshot to persist.
func (o *Orchestrator) touchLocked(a *assessment) snapshot {
	a.updatedAt = time.Now().UTC()
	a.version++
	var r *Report
	if a.report != nil {
		cp := *a.report
		r = &cp
	}
	return snapshot{view: a.viewLocked(), report: r}
}

// emit publishes events and queues the snapshot for persistence. Call
// without holding a.mu.
func (o *Orchestrator) emit(evs []protocol.TaskEvent, snap snapshot) {
	for _, ev := range evs {
		msg := protocol.NewMessage(senderID, protocol.Broadcast(), protocol.Inform, ev).
			WithConversation(ev.AssessmentID)
		if err := o.bus.Publish(EventsTopic, msg); err != nil && !errors.Is(err, bus.ErrClosed) {
			o.logger.Warn("publish event failed", zap.String("assessment", ev.AssessmentID), zap.Error(err))
		}
	}

	o.mu.RLock()
	q := o.persist
	o.mu.RUnlock()
	if q != nil {
		q.enqueue(snap)
	}
}

func asError(detail string, err error) *Error {
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return wrap(detail, err)
}
