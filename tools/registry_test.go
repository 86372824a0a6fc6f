package tools_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/core/protocol"
	"github.com/loomworks/loom/tools"
)

func echoHandler(_ context.Context, args json.RawMessage) (tools.Result, error) {
	return tools.Result{Content: string(args)}, nil
}

func TestRegistry_Register(t *testing.T) {
	r := tools.NewRegistry()

	err := r.Register(protocol.Tool{Name: "echo"}, echoHandler)
	require.NoError(t, err)

	err = r.Register(protocol.Tool{Name: "echo"}, echoHandler)
	assert.ErrorIs(t, err, tools.ErrAlreadyExists)

	err = r.Register(protocol.Tool{}, echoHandler)
	assert.ErrorIs(t, err, tools.ErrEmptyName)
}

func TestRegistry_Replace(t *testing.T) {
	r := tools.NewRegistry()

	err := r.Replace(protocol.Tool{Name: "echo"}, echoHandler)
	assert.ErrorIs(t, err, tools.ErrNotFound)

	require.NoError(t, r.Register(protocol.Tool{Name: "echo"}, echoHandler))

	replaced := func(_ context.Context, _ json.RawMessage) (tools.Result, error) {
		return tools.Result{Content: "replaced"}, nil
	}
	require.NoError(t, r.Replace(protocol.Tool{Name: "echo"}, replaced))

	result, err := r.Execute(context.Background(), "echo", nil)
	require.NoError(t, err)
	assert.Equal(t, "replaced", result.Content)
}

func TestRegistry_Execute(t *testing.T) {
	r := tools.NewRegistry()
	require.NoError(t, r.Register(protocol.Tool{Name: "echo"}, echoHandler))

	result, err := r.Execute(context.Background(), "echo", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, result.Content)

	_, err = r.Execute(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, tools.ErrNotFound)
}

func TestRegistry_ExecuteHandlerError(t *testing.T) {
	r := tools.NewRegistry()
	boom := errors.New("boom")
	require.NoError(t, r.Register(protocol.Tool{Name: "bad"},
		func(_ context.Context, _ json.RawMessage) (tools.Result, error) {
			return tools.Result{}, boom
		}))

	_, err := r.Execute(context.Background(), "bad", nil)
	assert.ErrorIs(t, err, boom)
}

func TestRegistry_RequiresApproval(t *testing.T) {
	r := tools.NewRegistry()
	require.NoError(t, r.Register(protocol.Tool{Name: "safe"}, echoHandler))
	require.NoError(t, r.Register(protocol.Tool{Name: "gated", RequiresApproval: true}, echoHandler))

	assert.False(t, r.RequiresApproval("safe"))
	assert.True(t, r.RequiresApproval("gated"))
	assert.True(t, r.RequiresApproval("unknown"))
}

func TestRegistry_ListSorted(t *testing.T) {
	r := tools.NewRegistry()
	require.NoError(t, r.Register(protocol.Tool{Name: "b"}, echoHandler))
	require.NoError(t, r.Register(protocol.Tool{Name: "a"}, echoHandler))
	require.NoError(t, r.Register(protocol.Tool{Name: "c"}, echoHandler))

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].Name)
	assert.Equal(t, "b", list[1].Name)
	assert.Equal(t, "c", list[2].Name)
}
