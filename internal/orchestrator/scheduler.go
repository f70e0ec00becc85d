package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-assess/internal/agent"
	"github.com/nidhogg/nuka-assess/internal/protocol"
)

// outcome is what a dispatch goroutine reports back to the run loop.
type outcome struct {
	taskID  string
	result  any
	err     error
	skipped bool // never started; status already settled
}

// run drives one assessment's graph: it queues every ready task, resolves
// an agent for it and dispatches it on the shared pool, then waits for any
// outcome before looking for newly ready tasks. The first failure halts
// further dispatch; tasks already running are allowed to finish.
func (o *Orchestrator) run(ctx context.Context, a *assessment) {
	defer o.wg.Done()

	results := make(chan outcome)
	inflight := 0
	for {
		for _, q := range o.queueReady(a) {
			target, err := o.dir.FindOneByCapability(q.capability)
			if err != nil {
				o.fail(a, q.id, &Error{
					Kind:   KindAgentNotFound,
					Detail: fmt.Sprintf("no agent for capability %s", q.capability),
					Err:    err,
				})
				continue
			}
			inflight++
			go o.dispatch(ctx, a, q.id, target.ID(), results)
		}
		if inflight == 0 {
			break
		}
		out := <-results
		inflight--
		o.record(a, out)
	}
	o.finish(a)
}

type queued struct {
	id         string
	capability string
}

// queueReady moves every ready task PENDING→QUEUED while the assessment is
// running.
func (o *Orchestrator) queueReady(a *assessment) []queued {
	a.mu.Lock()
	if a.status != AssessmentRunning {
		a.mu.Unlock()
		return nil
	}
	var out []queued
	var evs []protocol.TaskEvent
	for _, id := range a.graph.Ready(a.statusOfLocked) {
		t := a.tasks[id]
		if err := a.setStatusLocked(t, TaskQueued); err != nil {
			o.logger.Error("queue task", zap.String("task", id), zap.Error(err))
			continue
		}
		out = append(out, queued{id: id, capability: t.Capability})
		evs = append(evs, taskEvent(a.id, t))
	}
	var snap snapshot
	if len(evs) > 0 {
		snap = o.touchLocked(a)
	}
	a.mu.Unlock()
	if len(evs) > 0 {
		o.emit(evs, snap)
	}
	return out
}

// dispatch waits for a pool slot, marks the task RUNNING and sends it to the
// agent as a REQUEST. An agent that outlives the task timeout is sent an
// advisory CANCEL and the task fails with a timeout.
func (o *Orchestrator) dispatch(ctx context.Context, a *assessment, taskID, agentID string, results chan<- outcome) {
	select {
	case o.pool <- struct{}{}:
	case <-ctx.Done():
		results <- outcome{taskID: taskID, err: ctx.Err()}
		return
	}
	defer func() { <-o.pool }()

	req, ok, err := o.start(a, taskID, agentID)
	if !ok {
		results <- outcome{taskID: taskID, err: err, skipped: err == nil}
		return
	}

	tctx, cancel := ctx, context.CancelFunc(func() {})
	if o.cfg.TaskTimeout > 0 {
		tctx, cancel = context.WithTimeout(ctx, o.cfg.TaskTimeout)
	}
	defer cancel()

	o.logger.Info("dispatching task",
		zap.String("assessment", a.id),
		zap.String("task", taskID),
		zap.String("agent", agentID))

	msg := protocol.NewMessage(senderID, protocol.To(agentID), protocol.Request, req).
		WithConversation(a.id)
	start := time.Now()
	reply, err := o.bus.Request(tctx, agentID, msg, o.dir)
	if err != nil {
		if errors.Is(tctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %v", ErrTaskTimeout, o.cfg.TaskTimeout, err)
			go o.sendCancel(context.Background(), a.id, agentID, taskID, "timeout")
		}
		results <- outcome{taskID: taskID, err: err}
		return
	}
	res, ok := reply.Content.(protocol.TaskResult)
	if !ok || res.TaskID != taskID {
		results <- outcome{taskID: taskID, err: fmt.Errorf("%w: unexpected reply content %T", protocol.ErrProtocolViolation, reply.Content)}
		return
	}
	o.logger.Info("task finished",
		zap.String("assessment", a.id),
		zap.String("task", taskID),
		zap.Duration("took", time.Since(start)))
	results <- outcome{taskID: taskID, result: res.Result}
}

// start moves a queued task to RUNNING and builds its request. ok is false
// when the task must not run: either it was settled meanwhile (err nil) or
// a dependency is not COMPLETED (err set).
func (o *Orchestrator) start(a *assessment, taskID, agentID string) (protocol.TaskRequest, bool, error) {
	a.mu.Lock()
	t := a.tasks[taskID]
	if t.Status != TaskQueued {
		a.mu.Unlock()
		return protocol.TaskRequest{}, false, nil
	}
	if a.status != AssessmentRunning {
		_ = a.setStatusLocked(t, TaskCancelled)
		t.Error = "assessment halted before start"
		t.ErrorKind = KindCancelled
		ev := taskEvent(a.id, t)
		snap := o.touchLocked(a)
		a.mu.Unlock()
		o.emit([]protocol.TaskEvent{ev}, snap)
		return protocol.TaskRequest{}, false, nil
	}

	deps := make(map[string]any, len(t.Dependencies))
	for _, dep := range t.Dependencies {
		d := a.tasks[dep]
		if d.Status != TaskCompleted {
			a.mu.Unlock()
			return protocol.TaskRequest{}, false, fmt.Errorf("%w: %s needs %s which is %s", ErrDependencyUnmet, taskID, dep, d.Status)
		}
		deps[dep] = d.Result
	}

	if err := a.setStatusLocked(t, TaskRunning); err != nil {
		a.mu.Unlock()
		return protocol.TaskRequest{}, false, err
	}
	t.AgentID = agentID
	req := protocol.TaskRequest{
		TaskID:       t.ID,
		AssessmentID: a.id,
		Capability:   t.Capability,
		Parameters:   t.Parameters,
		Context: map[string]any{
			agent.ContextDependencies: deps,
			"task_name":               t.Name,
			"task_type":               t.TaskType,
		},
	}
	ev := taskEvent(a.id, t)
	snap := o.touchLocked(a)
	a.mu.Unlock()
	o.emit([]protocol.TaskEvent{ev}, snap)
	return req, true, nil
}

// record applies a dispatch outcome.
func (o *Orchestrator) record(a *assessment, out outcome) {
	if out.skipped {
		return
	}
	if out.err != nil {
		o.fail(a, out.taskID, asError(fmt.Sprintf("task %s", out.taskID), out.err))
		return
	}

	a.mu.Lock()
	t := a.tasks[out.taskID]
	if err := a.setStatusLocked(t, TaskCompleted); err != nil {
		a.mu.Unlock()
		o.logger.Error("complete task", zap.String("task", out.taskID), zap.Error(err))
		return
	}
	t.Result = out.result
	ev := taskEvent(a.id, t)
	snap := o.touchLocked(a)
	a.mu.Unlock()
	o.emit([]protocol.TaskEvent{ev}, snap)
}

// fail marks the task FAILED and, if the assessment is still running, fails
// it as well. Unstarted tasks stay PENDING.
func (o *Orchestrator) fail(a *assessment, taskID string, oe *Error) {
	a.mu.Lock()
	t := a.tasks[taskID]
	if err := a.setStatusLocked(t, TaskFailed); err != nil {
		a.mu.Unlock()
		o.logger.Error("fail task", zap.String("task", taskID), zap.Error(err))
		return
	}
	t.Error = oe.Error()
	t.ErrorKind = oe.Kind
	evs := []protocol.TaskEvent{taskEvent(a.id, t)}
	if a.status == AssessmentRunning {
		a.status = AssessmentFailed
		a.err = fmt.Sprintf("task %s (%s) failed: %s", t.ID, t.Name, oe.Error())
		a.errKind = oe.Kind
	}
	snap := o.touchLocked(a)
	a.mu.Unlock()
	o.emit(evs, snap)

	o.logger.Warn("task failed",
		zap.String("assessment", a.id),
		zap.String("task", taskID),
		zap.String("kind", string(oe.Kind)),
		zap.Error(oe))
}

// finish settles the assessment once nothing is in flight.
func (o *Orchestrator) finish(a *assessment) {
	a.mu.Lock()
	if a.status == AssessmentRunning {
		if a.allCompletedLocked() {
			a.report = a.aggregateLocked()
			a.status = AssessmentCompleted
		} else {
			a.status = AssessmentFailed
			a.err = "unreachable tasks remain"
			a.errKind = KindTaskDependencyUnmet
		}
	}
	alreadyDone := a.completedAt != nil
	a.finishLocked()
	var evs []protocol.TaskEvent
	if !alreadyDone {
		evs = append(evs, assessmentEvent(a))
	}
	status := a.status
	snap := o.touchLocked(a)
	a.mu.Unlock()
	o.emit(evs, snap)

	o.logger.Info("assessment finished",
		zap.String("assessment", a.id),
		zap.String("status", string(status)))
}

func (a *assessment) allCompletedLocked() bool {
	for _, t := range a.tasks {
		if t.Status != TaskCompleted {
			return false
		}
	}
	return true
}

// aggregateLocked bundles every task result. The report generator's output,
// when present, becomes the summary.
func (a *assessment) aggregateLocked() *Report {
	r := &Report{
		AssessmentID: a.id,
		Project:      a.projectURL,
		TaskIDs:      a.taskOrderLocked(),
		Results:      make(map[string]any, len(a.tasks)),
		GeneratedAt:  time.Now().UTC(),
	}
	if a.intent != nil {
		r.Project = a.intent.ProjectIdentifier
		r.Aspects = append([]string(nil), a.intent.Aspects...)
	}
	for _, id := range r.TaskIDs {
		t := a.tasks[id]
		r.Results[id] = t.Result
		if t.Capability == agent.CapabilityReportGeneration {
			r.Summary = t.Result
		}
	}
	return r
}
