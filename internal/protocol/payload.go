package protocol

import (
	"encoding/json"
	"fmt"
)

// Payload is the typed content of a Message. Each variant names its kind so
// receivers can switch on the concrete type instead of probing fields.
type Payload interface {
	Kind() string
}

const (
	KindTaskRequest   = "task_request"
	KindTaskResult    = "task_result"
	KindFailure       = "failure"
	KindIntentRequest = "intent_request"
	KindIntent        = "intent"
	KindPlanRequest   = "plan_request"
	KindPlan          = "plan"
	KindCancelRequest = "cancel_request"
	KindNotice        = "notice"
	KindStatusQuery   = "status_query"
	KindCapabilities  = "capabilities"
	KindTaskEvent     = "task_event"
)

// TaskRequest asks an agent to execute one task.
type TaskRequest struct {
	TaskID       string         `json:"task_id"`
	AssessmentID string         `json:"assessment_id"`
	Capability   string         `json:"capability"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

func (TaskRequest) Kind() string { return KindTaskRequest }

// TaskResult carries the outcome of a successfully executed task.
type TaskResult struct {
	TaskID string `json:"task_id"`
	Result any    `json:"result,omitempty"`
}

func (TaskResult) Kind() string { return KindTaskResult }

// FailureInfo is the content of a FAILURE message.
type FailureInfo struct {
	Reason    string `json:"reason"`
	ErrorKind string `json:"error_kind,omitempty"`
}

func (FailureInfo) Kind() string { return KindFailure }

// IntentRequest is the raw external request handed to intent recognition.
type IntentRequest struct {
	Query      string `json:"query"`
	ProjectURL string `json:"project_url,omitempty"`
}

func (IntentRequest) Kind() string { return KindIntentRequest }

// Intent is the structured result of intent recognition.
type Intent struct {
	Action            string         `json:"action"`
	ProjectIdentifier string         `json:"project_identifier"`
	Aspects           []string       `json:"aspects"`
	Parameters        map[string]any `json:"parameters,omitempty"`
}

func (Intent) Kind() string { return KindIntent }

// PlanRequest asks a planner to decompose an intent.
type PlanRequest struct {
	AssessmentID string `json:"assessment_id"`
	Intent       Intent `json:"intent"`
}

func (PlanRequest) Kind() string { return KindPlanRequest }

// TaskSpec is one planned task. Dependencies name sibling TaskSpec ids.
type TaskSpec struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	TaskType     string         `json:"task_type"`
	Capability   string         `json:"capability"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
}

// Plan is a task decomposition.
type Plan struct {
	Tasks []TaskSpec `json:"tasks"`
}

func (Plan) Kind() string { return KindPlan }

// CancelRequest asks an agent to stop working on a task. Advisory only.
type CancelRequest struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

func (CancelRequest) Kind() string { return KindCancelRequest }

// Notice is free text, used for NOT_UNDERSTOOD and CONFIRM replies.
type Notice struct {
	Text string `json:"text"`
}

func (Notice) Kind() string { return KindNotice }

// StatusQuery asks for the state of an assessment.
type StatusQuery struct {
	AssessmentID string `json:"assessment_id"`
}

func (StatusQuery) Kind() string { return KindStatusQuery }

// CapabilityList answers a QUERY_REF about what an agent can do.
type CapabilityList struct {
	AgentID      string   `json:"agent_id"`
	Capabilities []string `json:"capabilities"`
}

func (CapabilityList) Kind() string { return KindCapabilities }

// TaskEvent reports a task or assessment state change. TaskID is empty for
// assessment-level events.
type TaskEvent struct {
	AssessmentID string   `json:"assessment_id"`
	TaskID       string   `json:"task_id,omitempty"`
	Name         string   `json:"name,omitempty"`
	Capability   string   `json:"capability,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Status       string   `json:"status"`
	Error        string   `json:"error,omitempty"`
}

func (TaskEvent) Kind() string { return KindTaskEvent }

type envelope struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

func decodeAs[T Payload](body []byte) (Payload, error) {
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	return v, nil
}

var payloadDecoders = map[string]func([]byte) (Payload, error){
	KindTaskRequest:   decodeAs[TaskRequest],
	KindTaskResult:    decodeAs[TaskResult],
	KindFailure:       decodeAs[FailureInfo],
	KindIntentRequest: decodeAs[IntentRequest],
	KindIntent:        decodeAs[Intent],
	KindPlanRequest:   decodeAs[PlanRequest],
	KindPlan:          decodeAs[Plan],
	KindCancelRequest: decodeAs[CancelRequest],
	KindNotice:        decodeAs[Notice],
	KindStatusQuery:   decodeAs[StatusQuery],
	KindCapabilities:  decodeAs[CapabilityList],
	KindTaskEvent:     decodeAs[TaskEvent],
}

func decodePayload(e envelope) (Payload, error) {
	dec, ok := payloadDecoders[e.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown content kind %q", ErrProtocolViolation, e.Kind)
	}
	p, err := dec(e.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrProtocolViolation, e.Kind, err)
	}
	return p, nil
}
