package tool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maestro/internal/domain"
)

// echoTool is a minimal tool with an optional parameter schema.
type echoTool struct {
	name   string
	params json.RawMessage
}

func (t *echoTool) Name() string        { return t.name }
func (t *echoTool) Description() string { return "echoes its message back" }

func (t *echoTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: t.name, Description: t.Description(), Parameters: t.params}
}

func (t *echoTool) Execute(_ context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	var p struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	return &domain.ToolResult{Content: p.Msg}, nil
}

var echoSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"msg": {"type": "string"}},
	"required": ["msg"]
}`)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&echoTool{name: "echo", params: echoSchema}))

	got, err := r.Get("echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", got.Name())
}

func TestRegistryDuplicateName(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&echoTool{name: "echo"}))
	assert.Error(t, r.Register(&echoTool{name: "echo"}))
}

func TestRegistryGetUnknown(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Get("nope")
	assert.True(t, errors.Is(err, domain.ErrToolNotFound))
}

func TestRegistrySchemasSorted(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&echoTool{name: "zeta"}))
	require.NoError(t, r.Register(&echoTool{name: "alpha"}))
	require.NoError(t, r.Register(&echoTool{name: "mid"}))

	schemas := r.Schemas()
	require.Len(t, schemas, 3)
	assert.Equal(t, "alpha", schemas[0].Name)
	assert.Equal(t, "mid", schemas[1].Name)
	assert.Equal(t, "zeta", schemas[2].Name)
}

func TestSchemaValidationRejectsBadParams(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&echoTool{name: "echo", params: echoSchema}))

	got, err := r.Get("echo")
	require.NoError(t, err)

	// Missing required "msg".
	res, err := got.Execute(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "schema validation failed")

	// Not JSON at all.
	res, err = got.Execute(context.Background(), json.RawMessage(`{broken`))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	// Valid params pass through to the inner tool.
	res, err = got.Execute(context.Background(), json.RawMessage(`{"msg":"hi"}`))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "hi", res.Content)
}

func TestSchemaValidationSkippedWithoutSchema(t *testing.T) {
	wrapped, err := WithSchemaValidation(&echoTool{name: "bare"})
	require.NoError(t, err)

	// No schema means no wrapper.
	_, ok := wrapped.(*echoTool)
	assert.True(t, ok)
}

func TestParseParams(t *testing.T) {
	type p struct {
		A string `json:"a"`
	}

	got, errRes := ParseParams[p](json.RawMessage(`{"a":"x"}`))
	require.Nil(t, errRes)
	assert.Equal(t, "x", got.A)

	_, errRes = ParseParams[p](json.RawMessage(`{`))
	require.NotNil(t, errRes)
	assert.True(t, errRes.IsError)
}

func TestRequireFields(t *testing.T) {
	assert.NoError(t, RequireFields("a", "1", "b", "2"))
	assert.EqualError(t, RequireFields("a", "1", "b", ""), "'b' is required")
	assert.Error(t, RequireFields("a"))
}
