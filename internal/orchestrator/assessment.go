package orchestrator

import (
	"sync"
	"time"

	"github.com/nidhogg/nuka-assess/internal/protocol"
)

// assessment is the orchestrator-owned state of one request. All fields are
// guarded by mu.
type assessment struct {
	mu sync.Mutex

	id         string
	query      string
	projectURL string
	intent     *protocol.Intent
	status     AssessmentStatus
	err        string
	errKind    ErrorKind
	graph      *Graph
	tasks      map[string]*Task
	report     *Report
	version    int64

	createdAt   time.Time
	updatedAt   time.Time
	completedAt *time.Time

	done     chan struct{}
	doneOnce sync.Once
}

type snapshot struct {
	view   StatusView
	report *Report
}

func newAssessment(id string, req Request) *assessment {
	now := time.Now().UTC()
	return &assessment{
		id:         id,
		query:      req.Query,
		projectURL: req.ProjectURL,
		status:     AssessmentPending,
		tasks:      make(map[string]*Task),
		createdAt:  now,
		updatedAt:  now,
		done:       make(chan struct{}),
	}
}

func (a *assessment) statusOfLocked(id string) TaskStatus {
	if t, ok := a.tasks[id]; ok {
		return t.Status
	}
	return ""
}

func (a *assessment) taskOrderLocked() []string {
	if a.graph == nil {
		return nil
	}
	return a.graph.IDs()
}

// setStatusLocked applies a validated transition and stamps timestamps.
func (a *assessment) setStatusLocked(t *Task, to TaskStatus) error {
	if err := Transition(t.Status, to); err != nil {
		return err
	}
	now := time.Now().UTC()
	switch {
	case to == TaskRunning:
		t.StartedAt = &now
	case to.Terminal():
		t.CompletedAt = &now
	}
	t.Status = to
	return nil
}

func (a *assessment) finishLocked() {
	now := time.Now().UTC()
	a.completedAt = &now
	a.doneOnce.Do(func() { close(a.done) })
}

func (a *assessment) viewLocked() StatusView {
	v := StatusView{
		AssessmentID:  a.id,
		Query:         a.query,
		ProjectURL:    a.projectURL,
		OverallStatus: a.status,
		Error:         a.err,
		ErrorKind:     a.errKind,
		Tasks:         make([]TaskView, 0, len(a.tasks)),
		Version:       a.version,
		CreatedAt:     a.createdAt,
		UpdatedAt:     a.updatedAt,
		CompletedAt:   a.completedAt,
	}
	if a.intent != nil {
		in := *a.intent
		v.Intent = &in
	}
	for _, id := range a.taskOrderLocked() {
		t := a.tasks[id]
		v.Tasks = append(v.Tasks, TaskView{
			TaskID:       t.ID,
			Name:         t.Name,
			Status:       t.Status,
			Capability:   t.Capability,
			AgentID:      t.AgentID,
			Dependencies: append([]string{}, t.Dependencies...),
			Result:       t.Result,
			Error:        t.Error,
		})
	}
	return v
}

func taskEvent(assessmentID string, t *Task) protocol.TaskEvent {
	return protocol.TaskEvent{
		AssessmentID: assessmentID,
		TaskID:       t.ID,
		Name:         t.Name,
		Capability:   t.Capability,
		Dependencies: append([]string(nil), t.Dependencies...),
		Status:       string(t.Status),
		Error:        t.Error,
	}
}

func assessmentEvent(a *assessment) protocol.TaskEvent {
	name := a.projectURL
	if a.intent != nil && a.intent.ProjectIdentifier != "" {
		name = a.intent.ProjectIdentifier
	}
	return protocol.TaskEvent{
		AssessmentID: a.id,
		Name:         name,
		Status:       string(a.status),
		Error:        a.err,
	}
}
