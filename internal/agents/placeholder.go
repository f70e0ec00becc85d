package agents

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-assess/internal/agent"
	"github.com/nidhogg/nuka-assess/internal/rag"
)

// NewPlaceholder returns an executor for capabilities whose concrete logic
// lives outside this service. It echoes its parameters and the ids of the
// dependencies it received.
func NewPlaceholder(id string, capabilities ...string) *agent.Func {
	return agent.NewFunc(id, id, capabilities, func(_ context.Context, params map[string]any, tctx map[string]any) (any, error) {
		deps := agent.DependencyResults(tctx)
		ids := make([]string, 0, len(deps))
		for dep := range deps {
			ids = append(ids, dep)
		}
		sort.Strings(ids)
		return map[string]any{
			"status":       "placeholder",
			"task_id":      agent.TaskID(tctx),
			"task_type":    tctx["task_type"],
			"parameters":   params,
			"dependencies": ids,
		}, nil
	})
}

// Options selects optional agent dependencies.
type Options struct {
	Index  *rag.Index // enables knowledge recall and report archiving when set
	Logger *zap.Logger
}

// Defaults returns the agents that cover every capability the planner
// emits.
func Defaults(opts Options) []agent.Agent {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var plannerOpts []PlannerOption
	var archiver Archiver
	if opts.Index != nil {
		plannerOpts = append(plannerOpts, WithKnowledgeRecall())
		archiver = opts.Index
	}

	out := []agent.Agent{
		NewIntentAgent(""),
		NewPlannerAgent("", plannerOpts...),
		NewReportAgent("", archiver, logger),
		NewPlaceholder("github-agent", agent.CapabilityGitHubData),
		NewPlaceholder("osv-agent", agent.CapabilityOSVData),
		NewPlaceholder("search-agent", agent.CapabilityWebSearch),
		NewPlaceholder("activity-evaluator", agent.CapabilityActivityEvaluation),
		NewPlaceholder("security-evaluator", agent.CapabilitySecurityEvaluation),
		NewPlaceholder("license-evaluator", agent.CapabilityLicenseEvaluation),
	}
	if opts.Index != nil {
		out = append(out, NewKnowledgeAgent("", opts.Index))
	}
	return out
}
