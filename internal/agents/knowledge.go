package agents

import (
	"context"
	"fmt"

	"github.com/nidhogg/nuka-assess/internal/agent"
	"github.com/nidhogg/nuka-assess/internal/protocol"
	"github.com/nidhogg/nuka-assess/internal/rag"
)

// Retriever searches stored knowledge. *rag.Index satisfies it.
type Retriever interface {
	Query(ctx context.Context, collections []string, query string, topK int, match map[string]string) ([]rag.Result, error)
}

// KnowledgeAgent answers knowledge_retrieval tasks from the vector index:
// prior reports and documents about the same project.
type KnowledgeAgent struct {
	id        string
	retriever Retriever
}

// NewKnowledgeAgent creates the retrieval agent.
func NewKnowledgeAgent(id string, retriever Retriever) *KnowledgeAgent {
	if id == "" {
		id = "knowledge-agent"
	}
	return &KnowledgeAgent{id: id, retriever: retriever}
}

func (a *KnowledgeAgent) ID() string             { return a.id }
func (a *KnowledgeAgent) Name() string           { return "KnowledgeAgent" }
func (a *KnowledgeAgent) Capabilities() []string { return []string{agent.CapabilityKnowledge} }

func (a *KnowledgeAgent) HandleMessage(ctx context.Context, msg protocol.Message) (*protocol.Message, error) {
	return agent.HandleStandard(ctx, a, msg)
}

// ExecuteTask reads query, optional project and top_k from params.
func (a *KnowledgeAgent) ExecuteTask(ctx context.Context, params map[string]any, _ map[string]any) (any, error) {
	query, _ := params["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("knowledge: query is required")
	}
	topK := 5
	switch v := params["top_k"].(type) {
	case int:
		topK = v
	case float64:
		topK = int(v)
	}
	var match map[string]string
	if project, _ := params["project"].(string); project != "" {
		match = map[string]string{"project": project}
	}

	results, err := a.retriever.Query(ctx, []string{rag.CollKnowledge, rag.CollReports}, query, topK, match)
	if err != nil {
		return nil, fmt.Errorf("knowledge: %w", err)
	}
	return map[string]any{"query": query, "matches": results}, nil
}
