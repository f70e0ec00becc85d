package orchestrator

import "fmt"

// validTransitions defines the task lifecycle.
var validTransitions = map[TaskStatus][]TaskStatus{
	TaskPending: {TaskQueued, TaskCancelled},
	TaskQueued:  {TaskRunning, TaskFailed, TaskCancelled},
	TaskRunning: {TaskCompleted, TaskFailed, TaskCancelled},
}

// Transition returns nil if from→to is a legal task transition.
func Transition(from, to TaskStatus) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("%w: no transitions from %q", ErrInvalidTransition, from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %q → %q", ErrInvalidTransition, from, to)
}
