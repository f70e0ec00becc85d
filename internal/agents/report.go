package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-assess/internal/agent"
	"github.com/nidhogg/nuka-assess/internal/protocol"
	"github.com/nidhogg/nuka-assess/internal/rag"
)

// Archiver stores report text for later retrieval. *rag.Index satisfies it.
type Archiver interface {
	Store(ctx context.Context, collection, content string, metadata map[string]any) (string, error)
}

// ReportSection is one dependency's contribution to a report.
type ReportSection struct {
	TaskID string `json:"task_id"`
	Result any    `json:"result"`
}

// ReportSummary is the result of the report generation task.
type ReportSummary struct {
	Project   string          `json:"project"`
	Aspects   []string        `json:"aspects,omitempty"`
	TaskIDs   []string        `json:"task_ids"`
	Sections  []ReportSection `json:"sections"`
	Text      string          `json:"text"`
	ArchiveID string          `json:"archive_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ReportAgent summarizes the results of every task the report depends on.
type ReportAgent struct {
	id       string
	archiver Archiver
	logger   *zap.Logger
}

// NewReportAgent creates the report generator. archiver may be nil.
func NewReportAgent(id string, archiver Archiver, logger *zap.Logger) *ReportAgent {
	if id == "" {
		id = "report-agent"
	}
	return &ReportAgent{id: id, archiver: archiver, logger: logger}
}

func (a *ReportAgent) ID() string             { return a.id }
func (a *ReportAgent) Name() string           { return "ReportAgent" }
func (a *ReportAgent) Capabilities() []string { return []string{agent.CapabilityReportGeneration} }

func (a *ReportAgent) HandleMessage(ctx context.Context, msg protocol.Message) (*protocol.Message, error) {
	return agent.HandleStandard(ctx, a, msg)
}

// ExecuteTask builds the summary. Archiving is best effort.
func (a *ReportAgent) ExecuteTask(ctx context.Context, params map[string]any, tctx map[string]any) (any, error) {
	deps := agent.DependencyResults(tctx)
	ids := make([]string, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	s := ReportSummary{
		TaskIDs:   ids,
		Sections:  make([]ReportSection, 0, len(ids)),
		CreatedAt: time.Now().UTC(),
	}
	s.Project, _ = params["project"].(string)
	s.Aspects = stringList(params["aspects"])
	for _, id := range ids {
		s.Sections = append(s.Sections, ReportSection{TaskID: id, Result: deps[id]})
	}
	s.Text = fmt.Sprintf("Assessment of %s covering %s from %d task results: %s",
		orDefault(s.Project, "unknown project"),
		orDefault(strings.Join(s.Aspects, ", "), "no aspects"),
		len(ids), strings.Join(ids, ", "))

	if a.archiver != nil {
		id, err := a.archiver.Store(ctx, rag.CollReports, s.Text, map[string]any{
			"project":       s.Project,
			"assessment_id": tctx[agent.ContextAssessmentID],
			"aspects":       s.Aspects,
		})
		if err != nil {
			a.logger.Warn("report archive failed", zap.String("project", s.Project), zap.Error(err))
		} else {
			s.ArchiveID = id
		}
	}
	return s, nil
}

func stringList(v any) []string {
	switch x := v.(type) {
	case []string:
		return append([]string(nil), x...)
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
