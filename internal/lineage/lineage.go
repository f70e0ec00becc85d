// Package lineage mirrors assessment task graphs into Neo4j so that past
// runs can be explored as (:Assessment)-[:HAS_TASK]->(:Task)-[:DEPENDS_ON]->(:Task).
package lineage

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-assess/internal/protocol"
)

// Graph writes lineage to Neo4j.
type Graph struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// New connects to Neo4j and verifies connectivity.
func New(ctx context.Context, uri, user, password string, logger *zap.Logger) (*Graph, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j: %w", err)
	}
	return &Graph{driver: driver, logger: logger}, nil
}

// Close shuts down the driver.
func (g *Graph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

type statement struct {
	cypher string
	params map[string]any
}

// statements maps one event to the writes that record it.
func statements(ev protocol.TaskEvent) []statement {
	if ev.TaskID == "" {
		return []statement{{
			cypher: `MERGE (a:Assessment {id: $id})
			         SET a.status = $status, a.project = $project, a.error = $error, a.updated_at = datetime()`,
			params: map[string]any{
				"id":      ev.AssessmentID,
				"status":  ev.Status,
				"project": ev.Name,
				"error":   ev.Error,
			},
		}}
	}

	out := []statement{{
		cypher: `MERGE (a:Assessment {id: $assessment})
		         MERGE (t:Task {assessment_id: $assessment, id: $task})
		         SET t.name = $name, t.capability = $capability, t.status = $status,
		             t.error = $error, t.updated_at = datetime()
		         MERGE (a)-[:HAS_TASK]->(t)`,
		params: map[string]any{
			"assessment": ev.AssessmentID,
			"task":       ev.TaskID,
			"name":       ev.Name,
			"capability": ev.Capability,
			"status":     ev.Status,
			"error":      ev.Error,
		},
	}}
	if len(ev.Dependencies) > 0 {
		out = append(out, statement{
			cypher: `MATCH (t:Task {assessment_id: $assessment, id: $task})
			         UNWIND $deps AS dep
			         MERGE (d:Task {assessment_id: $assessment, id: dep})
			         MERGE (t)-[:DEPENDS_ON]->(d)`,
			params: map[string]any{
				"assessment": ev.AssessmentID,
				"task":       ev.TaskID,
				"deps":       ev.Dependencies,
			},
		})
	}
	return out
}

// Record writes one event in a single transaction.
func (g *Graph) Record(ctx context.Context, ev protocol.TaskEvent) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, st := range statements(ev) {
			if _, err := tx.Run(ctx, st.cypher, st.params); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("record lineage %s/%s: %w", ev.AssessmentID, ev.TaskID, err)
	}
	return nil
}

// Handle is a bus handler for assessment events.
func (g *Graph) Handle(ctx context.Context, msg protocol.Message) error {
	ev, ok := msg.Content.(protocol.TaskEvent)
	if !ok {
		return nil
	}
	return g.Record(ctx, ev)
}

// TaskNode is a task as stored in the lineage graph.
type TaskNode struct {
	ID        string   `json:"task_id"`
	Status    string   `json:"status"`
	DependsOn []string `json:"depends_on"`
}

// Tasks returns the stored tasks of an assessment with their dependency edges.
func (g *Graph) Tasks(ctx context.Context, assessmentID string) ([]TaskNode, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (:Assessment {id: $id})-[:HAS_TASK]->(t:Task)
		 OPTIONAL MATCH (t)-[:DEPENDS_ON]->(d:Task)
		 WITH t, d ORDER BY d.id
		 RETURN t.id AS id, coalesce(t.status, '') AS status, collect(d.id) AS deps
		 ORDER BY id`,
		map[string]any{"id": assessmentID})
	if err != nil {
		return nil, fmt.Errorf("query lineage %s: %w", assessmentID, err)
	}

	var out []TaskNode
	for result.Next(ctx) {
		rec := result.Record()
		id, _ := rec.Get("id")
		status, _ := rec.Get("status")
		deps, _ := rec.Get("deps")

		n := TaskNode{DependsOn: []string{}}
		n.ID, _ = id.(string)
		n.Status, _ = status.(string)
		if list, ok := deps.([]any); ok {
			for _, v := range list {
				if s, ok := v.(string); ok {
					n.DependsOn = append(n.DependsOn, s)
				}
			}
		}
		out = append(out, n)
	}
	return out, result.Err()
}
