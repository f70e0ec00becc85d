package orchestrator

import (
	"time"

	"github.com/nidhogg/nuka-assess/internal/protocol"
)

// TaskStatus tracks execution state.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// AssessmentStatus is the overall state of an assessment.
type AssessmentStatus string

const (
	AssessmentPending   AssessmentStatus = "pending"
	AssessmentRunning   AssessmentStatus = "running"
	AssessmentCompleted AssessmentStatus = "completed"
	AssessmentFailed    AssessmentStatus = "failed"
	AssessmentCancelled AssessmentStatus = "cancelled"
)

// Terminal reports whether the assessment has finished.
func (s AssessmentStatus) Terminal() bool {
	return s == AssessmentCompleted || s == AssessmentFailed || s == AssessmentCancelled
}

// Task is one unit of orchestrated work. Only the orchestrator mutates it.
type Task struct {
	ID           string         `json:"task_id"`
	Name         string         `json:"name"`
	TaskType     string         `json:"task_type"`
	Status       TaskStatus     `json:"status"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Dependencies []string       `json:"dependencies"`
	Capability   string         `json:"assigned_capability"`
	AgentID      string         `json:"agent_id,omitempty"`
	Result       any            `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	ErrorKind    ErrorKind      `json:"error_kind,omitempty"`
	AssessmentID string         `json:"assessment_id"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// Request is an inbound assessment request.
type Request struct {
	Query      string `json:"query"`
	ProjectURL string `json:"project_url,omitempty"`
}

// Accepted is returned once an assessment has been planned and started.
type Accepted struct {
	AssessmentID string `json:"assessment_id"`
	Message      string `json:"message"`
	StatusURL    string `json:"status_url"`
}

// Report is the aggregated outcome of a completed assessment.
type Report struct {
	AssessmentID string         `json:"assessment_id"`
	Project      string         `json:"project"`
	Aspects      []string       `json:"aspects,omitempty"`
	TaskIDs      []string       `json:"task_ids"`
	Results      map[string]any `json:"results"`
	Summary      any            `json:"summary,omitempty"`
	GeneratedAt  time.Time      `json:"generated_at"`
}

// TaskView is the per-task part of a status snapshot.
type TaskView struct {
	TaskID       string     `json:"task_id"`
	Name         string     `json:"name"`
	Status       TaskStatus `json:"status"`
	Capability   string     `json:"capability"`
	AgentID      string     `json:"agent_id,omitempty"`
	Dependencies []string   `json:"dependencies"`
	Result       any        `json:"result,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// StatusView is a point-in-time snapshot of an assessment.
type StatusView struct {
	AssessmentID  string           `json:"assessment_id"`
	Query         string           `json:"query"`
	ProjectURL    string           `json:"project_url,omitempty"`
	Intent        *protocol.Intent `json:"intent,omitempty"`
	OverallStatus AssessmentStatus `json:"overall_status"`
	Error         string           `json:"error,omitempty"`
	ErrorKind     ErrorKind        `json:"error_kind,omitempty"`
	Tasks         []TaskView       `json:"tasks"`
	Version       int64            `json:"version"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
}

// Summary is one row of the assessment listing.
type Summary struct {
	AssessmentID  string           `json:"assessment_id"`
	Query         string           `json:"query"`
	OverallStatus AssessmentStatus `json:"overall_status"`
	TaskCount     int              `json:"task_count"`
	CreatedAt     time.Time        `json:"created_at"`
}
