// Package agent defines the capability-executor contract every agent
// implements, plus the lifecycle and message-handling helpers shared by
// agent implementations.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/nidhogg/nuka-assess/internal/protocol"
)

// Agent is a capability executor. Implementations must be safe for
// concurrent ExecuteTask calls on distinct tasks and must never touch
// orchestrator state; they return results instead.
type Agent interface {
	ID() string
	Name() string
	// Capabilities is fixed at construction.
	Capabilities() []string
	// HandleMessage is the protocol entry point. It must answer REQUEST and
	// QUERY_REF; callers should go through Dispatch, which converts errors
	// and panics into FAILURE replies.
	HandleMessage(ctx context.Context, msg protocol.Message) (*protocol.Message, error)
	// ExecuteTask runs one task. tctx carries orchestrator context such as
	// the task id and dependency results.
	ExecuteTask(ctx context.Context, params map[string]any, tctx map[string]any) (any, error)
}

// Registrar is the slice of the registry an agent needs for its lifecycle.
type Registrar interface {
	Register(id string, handle Agent, capabilities []string, metadata map[string]string) error
	Deregister(id string)
}

// Context keys the orchestrator places in the task context.
const (
	ContextTaskID       = "task_id"
	ContextAssessmentID = "assessment_id"
	ContextDependencies = "dependencies"
)

var (
	// ErrNotUnderstood signals that a performative/content combination is not
	// interpretable; Dispatch turns it into a NOT_UNDERSTOOD reply.
	ErrNotUnderstood = errors.New("not understood")
	// ErrShutdown is the cause attached to tasks interrupted by Shutdown.
	ErrShutdown = errors.New("agent shut down")
	// ErrNotRunning is returned when a task reaches an agent that is not started.
	ErrNotRunning = errors.New("agent not running")
)

// TaskExecutionFailure wraps any error an agent's ExecuteTask raised or returned.
type TaskExecutionFailure struct {
	AgentID string
	TaskID  string
	Err     error
}

func (e *TaskExecutionFailure) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("agent %s: task execution failed: %v", e.AgentID, e.Err)
	}
	return fmt.Sprintf("agent %s: task %s failed: %v", e.AgentID, e.TaskID, e.Err)
}

func (e *TaskExecutionFailure) Unwrap() error { return e.Err }

// TaskID extracts the task id from a task context.
func TaskID(tctx map[string]any) string {
	if tctx == nil {
		return ""
	}
	id, _ := tctx[ContextTaskID].(string)
	return id
}

// DependencyResults extracts the results of completed dependencies, keyed by task id.
func DependencyResults(tctx map[string]any) map[string]any {
	if tctx == nil {
		return nil
	}
	deps, _ := tctx[ContextDependencies].(map[string]any)
	return deps
}
