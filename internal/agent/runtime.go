package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-assess/internal/protocol"
)

// State is the lifecycle state of a Runtime.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
)

// Runtime wraps an Agent with a register/deregister lifecycle and tracks
// in-flight tasks so Shutdown can interrupt them. The Runtime, not the bare
// agent, is the handle stored in the registry.
type Runtime struct {
	Agent
	caps []string

	mu       sync.Mutex
	state    State
	inflight map[uint64]context.CancelCauseFunc
	nextID   uint64
	logger   *zap.Logger
}

// NewRuntime snapshots the agent's capabilities and returns a stopped Runtime.
func NewRuntime(a Agent, logger *zap.Logger) *Runtime {
	return &Runtime{
		Agent:    a,
		caps:     append([]string(nil), a.Capabilities()...),
		state:    StateStopped,
		inflight: make(map[uint64]context.CancelCauseFunc),
		logger:   logger.With(zap.String("agent", a.ID())),
	}
}

// Capabilities returns the set captured at construction.
func (r *Runtime) Capabilities() []string {
	return append([]string(nil), r.caps...)
}

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Startup registers the agent. On failure nothing stays registered and the
// runtime remains stopped. Starting a running agent is a no-op.
func (r *Runtime) Startup(_ context.Context, reg Registrar) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateRunning {
		return nil
	}

	meta := map[string]string{
		"name":          r.Name(),
		"registered_at": time.Now().UTC().Format(time.RFC3339),
	}
	if err := reg.Register(r.ID(), r, r.caps, meta); err != nil {
		return fmt.Errorf("startup %s: %w", r.ID(), err)
	}
	r.state = StateRunning
	r.logger.Info("agent started", zap.Strings("capabilities", r.caps))
	return nil
}

// Shutdown deregisters the agent and interrupts in-flight tasks, which then
// fail with a TaskExecutionFailure. A second call is a no-op.
func (r *Runtime) Shutdown(_ context.Context, reg Registrar) error {
	r.mu.Lock()
	if r.state != StateRunning {
		r.mu.Unlock()
		return nil
	}
	r.state = StateStopped
	cancels := make([]context.CancelCauseFunc, 0, len(r.inflight))
	for _, c := range r.inflight {
		cancels = append(cancels, c)
	}
	r.mu.Unlock()

	reg.Deregister(r.ID())
	for _, cancel := range cancels {
		cancel(ErrShutdown)
	}
	r.logger.Info("agent stopped", zap.Int("interrupted", len(cancels)))
	return nil
}

// ExecuteTask runs the wrapped agent's task under a context that Shutdown can
// cancel. Every error comes back as a *TaskExecutionFailure.
func (r *Runtime) ExecuteTask(ctx context.Context, params map[string]any, tctx map[string]any) (any, error) {
	taskID := TaskID(tctx)

	r.mu.Lock()
	if r.state != StateRunning {
		r.mu.Unlock()
		return nil, &TaskExecutionFailure{AgentID: r.ID(), TaskID: taskID, Err: ErrNotRunning}
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	id := r.nextID
	r.nextID++
	r.inflight[id] = cancel
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.inflight, id)
		r.mu.Unlock()
		cancel(nil)
	}()

	result, err := r.Agent.ExecuteTask(runCtx, params, tctx)
	if errors.Is(context.Cause(runCtx), ErrShutdown) {
		return nil, &TaskExecutionFailure{AgentID: r.ID(), TaskID: taskID, Err: ErrShutdown}
	}
	if err != nil {
		var tef *TaskExecutionFailure
		if errors.As(err, &tef) {
			return nil, err
		}
		return nil, &TaskExecutionFailure{AgentID: r.ID(), TaskID: taskID, Err: err}
	}
	return result, nil
}

// HandleMessage routes task requests through the runtime's ExecuteTask so
// they are tracked; everything else goes to the wrapped agent. A stopped
// runtime answers nothing but QUERY_REF.
func (r *Runtime) HandleMessage(ctx context.Context, msg protocol.Message) (*protocol.Message, error) {
	if msg.Performative == protocol.QueryRef {
		return HandleStandard(ctx, r, msg)
	}
	if r.State() != StateRunning {
		return nil, &TaskExecutionFailure{AgentID: r.ID(), Err: ErrNotRunning}
	}
	if _, ok := msg.Content.(protocol.TaskRequest); ok && msg.Performative == protocol.Request {
		return HandleStandard(ctx, r, msg)
	}
	return r.Agent.HandleMessage(ctx, msg)
}

// InFlight returns the number of tasks currently executing.
func (r *Runtime) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}
