package lineage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nidhogg/nuka-assess/internal/protocol"
)

func TestStatementsForAssessmentEvent(t *testing.T) {
	st := statements(protocol.TaskEvent{AssessmentID: "a", Name: "proj", Status: "completed"})
	require.Len(t, st, 1)
	assert.Contains(t, st[0].cypher, "MERGE (a:Assessment")
	assert.Equal(t, "proj", st[0].params["project"])
}

func TestStatementsForTaskEvent(t *testing.T) {
	st := statements(protocol.TaskEvent{AssessmentID: "a", TaskID: "t1", Status: "pending"})
	require.Len(t, st, 1, "no dependency edges without dependencies")
	assert.Contains(t, st[0].cypher, "HAS_TASK")

	st = statements(protocol.TaskEvent{AssessmentID: "a", TaskID: "t2", Status: "pending", Dependencies: []string{"t1"}})
	require.Len(t, st, 2)
	assert.Contains(t, st[1].cypher, "DEPENDS_ON")
	assert.Equal(t, []string{"t1"}, st[1].params["deps"])
}
