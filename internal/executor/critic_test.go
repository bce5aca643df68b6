package executor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coordcore/core/internal/registry"
	coorderrors "github.com/coordcore/core/pkg/errors"
)

func TestBasicCritic_SkipsWhenNoInputSchemaDeclared(t *testing.T) {
	c := NewBasicCritic()
	err := c.Check(context.Background(), ProposedStep{Input: json.RawMessage(`not json`)}, registry.ToolSchema{}, PlanState{})
	require.NoError(t, err)
}

func TestBasicCritic_RejectsMalformedInput(t *testing.T) {
	c := NewBasicCritic()
	schema := registry.ToolSchema{InputSchema: []byte(`{"type":"object"}`)}

	err := c.Check(context.Background(), ProposedStep{
		QualifiedName: "srv-a.search",
		Input:         json.RawMessage(`{not valid`),
	}, schema, PlanState{})

	require.Error(t, err)
	assert.Equal(t, coorderrors.KindInvalidArguments, coorderrors.KindOf(err))
}

func TestBasicCritic_AcceptsValidInput(t *testing.T) {
	c := NewBasicCritic()
	schema := registry.ToolSchema{InputSchema: []byte(`{"type":"object"}`)}

	err := c.Check(context.Background(), ProposedStep{
		QualifiedName: "srv-a.search",
		Input:         json.RawMessage(`{"query":"hi"}`),
	}, schema, PlanState{})

	require.NoError(t, err)
}
