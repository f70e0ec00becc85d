package vectorstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadConversion(t *testing.T) {
	in := map[string]any{
		"content":  "weekly commits rising",
		"score":    0.75,
		"count":    3,
		"archived": true,
		"aspects":  []string{"activity", "security"},
	}
	values, err := toValues(in)
	require.NoError(t, err)

	out := fromValues(values)
	assert.Equal(t, "weekly commits rising", out["content"])
	assert.Equal(t, 0.75, out["score"])
	assert.Equal(t, int64(3), out["count"])
	assert.Equal(t, true, out["archived"])
	assert.Equal(t, []any{"activity", "security"}, out["aspects"])
}

func TestPayloadRejectsUnsupportedTypes(t *testing.T) {
	_, err := toValues(map[string]any{"nested": map[string]any{"x": 1}})
	assert.Error(t, err)
}
