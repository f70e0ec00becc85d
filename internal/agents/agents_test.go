package agents

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-assess/internal/agent"
	"github.com/nidhogg/nuka-assess/internal/bus"
	"github.com/nidhogg/nuka-assess/internal/orchestrator"
	"github.com/nidhogg/nuka-assess/internal/protocol"
	"github.com/nidhogg/nuka-assess/internal/rag"
	"github.com/nidhogg/nuka-assess/internal/registry"
)

func TestRecognize(t *testing.T) {
	tests := []struct {
		query, url  string
		wantAspects []string
		wantProject string
	}{
		{"assess project X", "https://example.com/X", DefaultAspects, "https://example.com/X"},
		{"check activity and web presence of https://github.com/a/b", "", []string{AspectActivity, AspectWebPresence}, "https://github.com/a/b"},
		{"any known CVE or license issues?", "", []string{AspectSecurity, AspectLicense}, "any known CVE or license issues?"},
		{"research the maintainers of x", "", []string{AspectActivity}, "research the maintainers of x"},
		{"is it inactive?", "", DefaultAspects, "is it inactive?"},
		{"CVE-2024-1234 and web search mentions", "", []string{AspectSecurity, AspectWebPresence}, "CVE-2024-1234 and web search mentions"},
		{"项目安全吗", "", []string{AspectSecurity}, "项目安全吗"},
	}
	for _, tt := range tests {
		in := Recognize(tt.query, tt.url)
		assert.Equal(t, tt.wantAspects, in.Aspects, tt.query)
		assert.Equal(t, tt.wantProject, in.ProjectIdentifier, tt.query)
		assert.Equal(t, "assess_project", in.Action)
	}
}

func TestIntentAgentAnswersRequest(t *testing.T) {
	a := NewIntentAgent("")
	msg := protocol.NewMessage("orch", protocol.To(a.ID()), protocol.Request,
		protocol.IntentRequest{Query: "security review", ProjectURL: "https://example.com/p"})
	reply := agent.Dispatch(context.Background(), a, msg)
	require.NotNil(t, reply)
	require.Equal(t, protocol.Inform, reply.Performative)
	intent := reply.Content.(protocol.Intent)
	assert.Equal(t, []string{AspectSecurity}, intent.Aspects)
	assert.Equal(t, msg.MessageID, reply.InReplyTo)
}

func specIDs(p protocol.Plan) map[string][]string {
	out := make(map[string][]string, len(p.Tasks))
	for _, t := range p.Tasks {
		out[t.ID] = t.Dependencies
	}
	return out
}

func TestPlannerActivityAndWebPresence(t *testing.T) {
	plan, err := NewPlannerAgent("").Plan(protocol.Intent{
		ProjectIdentifier: "https://example.com/X",
		Aspects:           []string{AspectActivity, AspectWebPresence},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		TaskCollectCommits: nil,
		TaskAssessActivity: {TaskCollectCommits},
		TaskWebSearch:      nil,
		TaskGenerateReport: {TaskAssessActivity, TaskWebSearch},
	}, specIDs(plan))

	_, err = orchestrator.BuildGraph(plan.Tasks)
	assert.NoError(t, err)
}

func TestPlannerAllAspectsWithKnowledge(t *testing.T) {
	plan, err := NewPlannerAgent("", WithKnowledgeRecall()).Plan(protocol.Intent{
		ProjectIdentifier: "p",
		Aspects:           []string{AspectActivity, AspectSecurity, AspectLicense, AspectWebPresence, AspectActivity, "unknown"},
	})
	require.NoError(t, err)
	deps := specIDs(plan)
	assert.Len(t, deps, 9)
	assert.ElementsMatch(t, []string{TaskAssessActivity, TaskAssessSecurity, TaskAssessLicense, TaskWebSearch, TaskRecallKnowledge},
		deps[TaskGenerateReport])
	for _, ts := range plan.Tasks {
		assert.Equal(t, "p", ts.Parameters["project"], ts.ID)
	}
}

func TestPlannerRejectsUnknownAspects(t *testing.T) {
	p := NewPlannerAgent("")
	_, err := p.Plan(protocol.Intent{Aspects: []string{"astrology"}})
	assert.Error(t, err)

	msg := protocol.NewMessage("orch", protocol.To(p.ID()), protocol.Request,
		protocol.PlanRequest{AssessmentID: "a", Intent: protocol.Intent{Aspects: []string{"astrology"}}})
	reply := agent.Dispatch(context.Background(), p, msg)
	require.NotNil(t, reply)
	assert.Equal(t, protocol.Failure, reply.Performative)
}

type fakeArchiver struct {
	content string
	meta    map[string]any
	err     error
}

func (f *fakeArchiver) Store(_ context.Context, collection, content string, meta map[string]any) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.content, f.meta = content, meta
	return "archive-1", nil
}

func TestReportAgentSummarizesDependencies(t *testing.T) {
	arch := &fakeArchiver{}
	a := NewReportAgent("", arch, zap.NewNop())
	out, err := a.ExecuteTask(context.Background(),
		map[string]any{"project": "p", "aspects": []string{"activity"}},
		map[string]any{
			agent.ContextAssessmentID: "as-1",
			agent.ContextDependencies: map[string]any{"web-search": "w", "assess-activity": "a"},
		})
	require.NoError(t, err)
	s := out.(ReportSummary)
	assert.Equal(t, []string{"assess-activity", "web-search"}, s.TaskIDs)
	assert.Equal(t, "archive-1", s.ArchiveID)
	assert.Contains(t, s.Text, "assess-activity, web-search")
	assert.Equal(t, s.Text, arch.content)
	assert.Equal(t, "as-1", arch.meta["assessment_id"])

	arch.err = errors.New("qdrant down")
	out, err = a.ExecuteTask(context.Background(), nil, nil)
	require.NoError(t, err, "archiving is best effort")
	assert.Empty(t, out.(ReportSummary).ArchiveID)
}

type fakeRetriever struct {
	match map[string]string
}

func (f *fakeRetriever) Query(_ context.Context, collections []string, query string, topK int, match map[string]string) ([]rag.Result, error) {
	f.match = match
	return []rag.Result{{ID: "1", Content: "prior report about " + query, Source: collections[0]}}, nil
}

func TestKnowledgeAgent(t *testing.T) {
	r := &fakeRetriever{}
	a := NewKnowledgeAgent("", r)

	_, err := a.ExecuteTask(context.Background(), map[string]any{}, nil)
	assert.Error(t, err)

	out, err := a.ExecuteTask(context.Background(), map[string]any{"query": "x", "project": "p", "top_k": 3}, nil)
	require.NoError(t, err)
	res := out.(map[string]any)["matches"].([]rag.Result)
	require.Len(t, res, 1)
	assert.Equal(t, "prior report about x", res[0].Content)
	assert.Equal(t, map[string]string{"project": "p"}, r.match)
}

func TestPlaceholderEchoes(t *testing.T) {
	p := NewPlaceholder("osv-agent", agent.CapabilityOSVData)
	out, err := p.ExecuteTask(context.Background(), map[string]any{"k": "v"}, map[string]any{
		agent.ContextTaskID:       "t",
		agent.ContextDependencies: map[string]any{"b": 1, "a": 2},
	})
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.Equal(t, "t", m["task_id"])
	assert.Equal(t, []string{"a", "b"}, m["dependencies"])
}

func TestDefaultsRunFullAssessment(t *testing.T) {
	reg := registry.New(zap.NewNop())
	b := bus.New(zap.NewNop())
	defer b.Close()
	for _, a := range Defaults(Options{}) {
		require.NoError(t, agent.NewRuntime(a, zap.NewNop()).Startup(context.Background(), reg))
	}
	o := orchestrator.New(reg, b, orchestrator.Config{PoolSize: 4, TaskTimeout: 5 * time.Second}, zap.NewNop())

	acc, err := o.Initiate(context.Background(), orchestrator.Request{
		Query: "assess project X", ProjectURL: "https://example.com/X",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	view, err := o.Wait(ctx, acc.AssessmentID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.AssessmentCompleted, view.OverallStatus)
	assert.Len(t, view.Tasks, 8)

	rep, err := o.Report(acc.AssessmentID)
	require.NoError(t, err)
	summary := rep.Summary.(ReportSummary)
	assert.Len(t, summary.TaskIDs, 4)
	assert.Equal(t, "https://example.com/X", summary.Project)
}
