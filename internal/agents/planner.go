package agents

import (
	"context"
	"fmt"

	"github.com/nidhogg/nuka-assess/internal/agent"
	"github.com/nidhogg/nuka-assess/internal/protocol"
)

// Task ids produced by the planner. They are unique within one plan.
const (
	TaskCollectCommits         = "collect-commits"
	TaskAssessActivity         = "assess-activity"
	TaskCollectVulnerabilities = "collect-vulnerabilities"
	TaskAssessSecurity         = "assess-security"
	TaskCollectLicense         = "collect-license"
	TaskAssessLicense          = "assess-license"
	TaskWebSearch              = "web-search"
	TaskRecallKnowledge        = "recall-knowledge"
	TaskGenerateReport         = "generate-report"
)

// PlannerAgent decomposes an intent into a task DAG: one collect/assess
// chain per aspect, with a final report depending on every leaf.
type PlannerAgent struct {
	id        string
	knowledge bool
}

// PlannerOption configures a PlannerAgent.
type PlannerOption func(*PlannerAgent)

// WithKnowledgeRecall adds a knowledge retrieval task feeding the report.
func WithKnowledgeRecall() PlannerOption {
	return func(p *PlannerAgent) { p.knowledge = true }
}

// NewPlannerAgent creates the task planning agent.
func NewPlannerAgent(id string, opts ...PlannerOption) *PlannerAgent {
	if id == "" {
		id = "planner-agent"
	}
	p := &PlannerAgent{id: id}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *PlannerAgent) ID() string             { return p.id }
func (p *PlannerAgent) Name() string           { return "PlannerAgent" }
func (p *PlannerAgent) Capabilities() []string { return []string{agent.CapabilityTaskPlanning} }

func (p *PlannerAgent) HandleMessage(ctx context.Context, msg protocol.Message) (*protocol.Message, error) {
	if req, ok := msg.Content.(protocol.PlanRequest); ok && msg.Performative == protocol.Request {
		plan, err := p.Plan(req.Intent)
		if err != nil {
			return nil, err
		}
		r := protocol.Reply(msg, p.id, protocol.Inform, plan)
		return &r, nil
	}
	return agent.HandleStandard(ctx, p, msg)
}

// ExecuteTask plans the intent found in params["intent"].
func (p *PlannerAgent) ExecuteTask(_ context.Context, params map[string]any, _ map[string]any) (any, error) {
	intent, ok := params["intent"].(protocol.Intent)
	if !ok {
		return nil, fmt.Errorf("planner: params carry no intent")
	}
	return p.Plan(intent)
}

// Plan builds the task list for intent. Unknown aspects are skipped; an
// intent with no known aspect cannot be planned.
func (p *PlannerAgent) Plan(intent protocol.Intent) (protocol.Plan, error) {
	base := map[string]any{"project": intent.ProjectIdentifier}
	param := func(extra map[string]any) map[string]any {
		out := make(map[string]any, len(base)+len(extra))
		for k, v := range base {
			out[k] = v
		}
		for k, v := range extra {
			out[k] = v
		}
		return out
	}
	task := func(id, name, typ, capability string, params map[string]any, deps ...string) protocol.TaskSpec {
		return protocol.TaskSpec{
			ID:           id,
			Name:         name,
			TaskType:     typ,
			Capability:   capability,
			Parameters:   param(params),
			Dependencies: deps,
		}
	}

	var tasks []protocol.TaskSpec
	var leaves []string
	seen := make(map[string]bool)
	for _, aspect := range intent.Aspects {
		if seen[aspect] {
			continue
		}
		seen[aspect] = true
		switch aspect {
		case AspectActivity:
			tasks = append(tasks,
				task(TaskCollectCommits, "Collect commit history", "data_retrieval", agent.CapabilityGitHubData,
					map[string]any{"data_type": "commits"}),
				task(TaskAssessActivity, "Assess project activity", "evaluation", agent.CapabilityActivityEvaluation,
					map[string]any{"metric": "activity"}, TaskCollectCommits))
			leaves = append(leaves, TaskAssessActivity)
		case AspectSecurity:
			tasks = append(tasks,
				task(TaskCollectVulnerabilities, "Collect known vulnerabilities", "data_retrieval", agent.CapabilityOSVData,
					map[string]any{"data_type": "vulnerabilities"}),
				task(TaskAssessSecurity, "Assess security posture", "evaluation", agent.CapabilitySecurityEvaluation,
					map[string]any{"metric": "security"}, TaskCollectVulnerabilities))
			leaves = append(leaves, TaskAssessSecurity)
		case AspectLicense:
			tasks = append(tasks,
				task(TaskCollectLicense, "Collect license information", "data_retrieval", agent.CapabilityGitHubData,
					map[string]any{"data_type": "license"}),
				task(TaskAssessLicense, "Assess license compliance", "evaluation", agent.CapabilityLicenseEvaluation,
					map[string]any{"metric": "license_compliance"}, TaskCollectLicense))
			leaves = append(leaves, TaskAssessLicense)
		case AspectWebPresence:
			tasks = append(tasks,
				task(TaskWebSearch, "Search the web for the project", "data_retrieval", agent.CapabilityWebSearch,
					map[string]any{"query": intent.ProjectIdentifier}))
			leaves = append(leaves, TaskWebSearch)
		}
	}
	if len(tasks) == 0 {
		return protocol.Plan{}, fmt.Errorf("planner: no plannable aspect in %v", intent.Aspects)
	}

	if p.knowledge {
		tasks = append(tasks, task(TaskRecallKnowledge, "Recall prior knowledge", "retrieval", agent.CapabilityKnowledge,
			map[string]any{"query": intent.ProjectIdentifier, "top_k": 5}))
		leaves = append(leaves, TaskRecallKnowledge)
	}

	tasks = append(tasks, task(TaskGenerateReport, "Generate assessment report", "reporting", agent.CapabilityReportGeneration,
		map[string]any{"aspects": append([]string(nil), intent.Aspects...)}, leaves...))
	return protocol.Plan{Tasks: tasks}, nil
}
