// Package agents contains the agents bundled with the assessment server.
package agents

import (
	"context"
	"regexp"
	"strings"

	"github.com/nidhogg/nuka-assess/internal/agent"
	"github.com/nidhogg/nuka-assess/internal/protocol"
)

// Evaluation aspects understood by the planner.
const (
	AspectActivity    = "activity"
	AspectSecurity    = "security"
	AspectLicense     = "license_compliance"
	AspectWebPresence = "web_presence"
)

// DefaultAspects is used when a query names no aspect.
var DefaultAspects = []string{AspectActivity, AspectSecurity, AspectLicense, AspectWebPresence}

// aspectKeywords match whole words so "research" is not a search request
// and "inactive" is not about activity. CJK terms have no word boundaries.
var aspectKeywords = []struct {
	aspect  string
	pattern *regexp.Regexp
}{
	{AspectActivity, regexp.MustCompile(`\b(?:activity|active|commits?|maintain(?:s|ed|er|ers|ance)?|contributors?)\b|活跃`)},
	{AspectSecurity, regexp.MustCompile(`\b(?:security|secure|vulnerab\w*|cves?|osv)\b|安全`)},
	{AspectLicense, regexp.MustCompile(`\b(?:licen[cs]es?|licensing|compliance)\b|许可`)},
	{AspectWebPresence, regexp.MustCompile(`\b(?:web[ _]presence|popularity|community|mentions?|search(?:es)?)\b`)},
}

var urlPattern = regexp.MustCompile(`https?://[^\s"'<>]+`)

// IntentAgent turns a free-text query into a structured intent by keyword
// detection.
type IntentAgent struct {
	id string
}

// NewIntentAgent creates the intent recognition agent.
func NewIntentAgent(id string) *IntentAgent {
	if id == "" {
		id = "intent-agent"
	}
	return &IntentAgent{id: id}
}

func (a *IntentAgent) ID() string             { return a.id }
func (a *IntentAgent) Name() string           { return "IntentAgent" }
func (a *IntentAgent) Capabilities() []string { return []string{agent.CapabilityIntentRecognition} }

func (a *IntentAgent) HandleMessage(ctx context.Context, msg protocol.Message) (*protocol.Message, error) {
	if req, ok := msg.Content.(protocol.IntentRequest); ok && msg.Performative == protocol.Request {
		r := protocol.Reply(msg, a.id, protocol.Inform, Recognize(req.Query, req.ProjectURL))
		return &r, nil
	}
	return agent.HandleStandard(ctx, a, msg)
}

// ExecuteTask recognizes params["query"] and params["project_url"].
func (a *IntentAgent) ExecuteTask(_ context.Context, params map[string]any, _ map[string]any) (any, error) {
	q, _ := params["query"].(string)
	u, _ := params["project_url"].(string)
	return Recognize(q, u), nil
}

// Recognize extracts aspects and the project identifier from a query. The
// identifier is projectURL, else the first URL in the query, else the query.
func Recognize(query, projectURL string) protocol.Intent {
	lower := strings.ToLower(query)
	var aspects []string
	for _, ak := range aspectKeywords {
		if ak.pattern.MatchString(lower) {
			aspects = append(aspects, ak.aspect)
		}
	}
	if len(aspects) == 0 {
		aspects = append([]string(nil), DefaultAspects...)
	}

	project := strings.TrimSpace(projectURL)
	if project == "" {
		project = urlPattern.FindString(query)
	}
	if project == "" {
		project = strings.TrimSpace(query)
	}

	return protocol.Intent{
		Action:            "assess_project",
		ProjectIdentifier: project,
		Aspects:           aspects,
		Parameters:        map[string]any{"query": query},
	}
}
