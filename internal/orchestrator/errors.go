package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/nidhogg/nuka-assess/internal/agent"
	"github.com/nidhogg/nuka-assess/internal/bus"
	"github.com/nidhogg/nuka-assess/internal/protocol"
	"github.com/nidhogg/nuka-assess/internal/registry"
)

// ErrorKind classifies errors surfaced at the request boundary.
type ErrorKind string

const (
	KindAgentNotFound         ErrorKind = "agent_not_found"
	KindRegistrationConflict  ErrorKind = "registration_conflict"
	KindTaskDependencyUnmet   ErrorKind = "task_dependency_unmet"
	KindTaskExecutionFailure  ErrorKind = "task_execution_failure"
	KindMessageRoutingFailure ErrorKind = "message_routing_failure"
	KindProtocolViolation     ErrorKind = "protocol_violation"
	KindPlanningError         ErrorKind = "planning_error"
	KindTimeout               ErrorKind = "timeout"
	KindCancelled             ErrorKind = "cancelled"
	KindInternal              ErrorKind = "internal"
)

var (
	ErrAssessmentNotFound = errors.New("assessment not found")
	ErrNotCompleted       = errors.New("assessment not completed")
	ErrPlanning           = errors.New("planning error")
	ErrDependencyUnmet    = errors.New("task dependency unmet")
	ErrInvalidTransition  = errors.New("invalid task transition")
	ErrTaskTimeout        = errors.New("task timed out")
)

// Error carries a kind and a human-readable detail to the transport layer.
type Error struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// wrap attaches a kind derived from err.
func wrap(detail string, err error) *Error {
	return &Error{Kind: KindOf(err), Detail: detail, Err: err}
}

// KindOf classifies err.
func KindOf(err error) ErrorKind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	var tef *agent.TaskExecutionFailure
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTaskTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, registry.ErrAgentNotFound):
		return KindAgentNotFound
	case errors.Is(err, bus.ErrMessageRouting):
		return KindMessageRoutingFailure
	case errors.Is(err, ErrPlanning):
		return KindPlanningError
	case errors.Is(err, ErrDependencyUnmet):
		return KindTaskDependencyUnmet
	case errors.As(err, &tef):
		return KindTaskExecutionFailure
	case errors.Is(err, protocol.ErrProtocolViolation):
		return KindProtocolViolation
	}
	return KindInternal
}
