package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/nidhogg/nuka-assess/internal/protocol"
)

// Dispatch delivers msg to a and guarantees a well-formed outcome: invalid
// messages and ErrNotUnderstood become NOT_UNDERSTOOD, other errors and panics
// become FAILURE, and an unanswered REQUEST or QUERY_REF becomes NOT_UNDERSTOOD.
func Dispatch(ctx context.Context, a Agent, msg protocol.Message) (reply *protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			f := protocol.FailureReply(msg, a.ID(), "panic", fmt.Errorf("handler panic: %v", r))
			reply = &f
		}
	}()

	if err := protocol.Validate(msg); err != nil {
		nu := protocol.NotUnderstoodReply(msg, a.ID(), err.Error())
		return &nu
	}

	out, err := a.HandleMessage(ctx, msg)
	if err != nil {
		if errors.Is(err, ErrNotUnderstood) {
			nu := protocol.NotUnderstoodReply(msg, a.ID(), err.Error())
			return &nu
		}
		var tef *TaskExecutionFailure
		kind := "handler_error"
		if errors.As(err, &tef) {
			kind = "task_execution_failure"
		}
		f := protocol.FailureReply(msg, a.ID(), kind, err)
		return &f
	}
	if out == nil && (msg.Performative == protocol.Request || msg.Performative == protocol.QueryRef) {
		nu := protocol.NotUnderstoodReply(msg, a.ID(), "no reply produced")
		return &nu
	}
	return out
}

// HandleStandard implements the behaviour shared by most agents:
//   - REQUEST with a TaskRequest executes the task and answers INFORM or FAILURE
//   - QUERY_REF answers with the capability list
//   - CANCEL is confirmed (cancellation is advisory)
//   - INFORM and CONFIRM are accepted without reply
//
// Anything else yields ErrNotUnderstood.
func HandleStandard(ctx context.Context, a Agent, msg protocol.Message) (*protocol.Message, error) {
	switch msg.Performative {
	case protocol.Request:
		req, ok := msg.Content.(protocol.TaskRequest)
		if !ok {
			return nil, fmt.Errorf("%w: request content %s", ErrNotUnderstood, kindOf(msg.Content))
		}
		tctx := map[string]any{
			ContextTaskID:       req.TaskID,
			ContextAssessmentID: req.AssessmentID,
		}
		for k, v := range req.Context {
			tctx[k] = v
		}
		result, err := a.ExecuteTask(ctx, req.Parameters, tctx)
		if err != nil {
			return nil, err
		}
		r := protocol.Reply(msg, a.ID(), protocol.Inform, protocol.TaskResult{TaskID: req.TaskID, Result: result})
		return &r, nil
	case protocol.QueryRef:
		r := protocol.Reply(msg, a.ID(), protocol.Inform, protocol.CapabilityList{
			AgentID:      a.ID(),
			Capabilities: a.Capabilities(),
		})
		return &r, nil
	case protocol.Cancel:
		r := protocol.Reply(msg, a.ID(), protocol.Confirm, protocol.Notice{Text: "cancel acknowledged"})
		return &r, nil
	case protocol.Inform, protocol.Confirm:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: performative %s", ErrNotUnderstood, msg.Performative)
}

func kindOf(p protocol.Payload) string {
	if p == nil {
		return "<empty>"
	}
	return p.Kind()
}
