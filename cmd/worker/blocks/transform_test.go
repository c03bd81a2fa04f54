package blocks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpilot/worker/common/faults"
	"github.com/blockpilot/worker/common/models"
)

func TestTransform_IdentityPassesDataThrough(t *testing.T) {
	h := NewTransformHandler(newTestProcessor())
	data := map[string]any{"v": "expected", "n": 42.0}

	out, err := h.Execute(context.Background(), testNode(models.KindDataTransform, map[string]any{}), testCtx(data))
	require.NoError(t, err)
	assert.Equal(t, data, out)

	// The output is a copy, not an alias.
	out["v"] = "mutated"
	assert.Equal(t, "expected", data["v"])
}

func TestTransform_Pick(t *testing.T) {
	h := NewTransformHandler(newTestProcessor())
	data := map[string]any{"keep": 1, "drop": 2, "also": 3}

	out, err := h.Execute(context.Background(), testNode(models.KindDataTransform, map[string]any{
		"operation": "pick",
		"fields":    []any{"keep", "also", "missing"},
	}), testCtx(data))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"keep": 1, "also": 3}, out)
}

func TestTransform_Rename(t *testing.T) {
	h := NewTransformHandler(newTestProcessor())

	out, err := h.Execute(context.Background(), testNode(models.KindDataTransform, map[string]any{
		"operation": "rename",
		"mapping":   map[string]any{"old": "new", "missing": "ignored"},
	}), testCtx(map[string]any{"old": "v", "stay": true}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"new": "v", "stay": true}, out)
}

func TestTransform_Merge(t *testing.T) {
	h := NewTransformHandler(newTestProcessor())

	out, err := h.Execute(context.Background(), testNode(models.KindDataTransform, map[string]any{
		"operation": "merge",
		"data":      map[string]any{"added": "yes", "n": "override"},
	}), testCtx(map[string]any{"n": 1, "keep": true}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": "override", "keep": true, "added": "yes"}, out)
}

func TestTransform_TemplateExpandsLeaves(t *testing.T) {
	h := NewTransformHandler(newTestProcessor())

	out, err := h.Execute(context.Background(), testNode(models.KindDataTransform, map[string]any{
		"operation": "template",
		"template": map[string]any{
			"greeting": "hello {{json.name}}",
			"static":   7,
		},
	}), testCtx(map[string]any{"name": "ada"}))
	require.NoError(t, err)
	assert.Equal(t, "hello ada", out["greeting"])
	assert.Equal(t, 7, out["static"])
}

func TestTransform_Expression(t *testing.T) {
	h := NewTransformHandler(newTestProcessor())
	data := map[string]any{"a": 2.0, "b": 3.0}

	t.Run("map result passes through", func(t *testing.T) {
		out, err := h.Execute(context.Background(), testNode(models.KindDataTransform, map[string]any{
			"operation":  "expression",
			"expression": `{"sum": json.a + json.b}`,
		}), testCtx(data))
		require.NoError(t, err)
		assert.Equal(t, 5.0, out["sum"])
	})

	t.Run("scalar result wrapped", func(t *testing.T) {
		out, err := h.Execute(context.Background(), testNode(models.KindDataTransform, map[string]any{
			"operation":  "expression",
			"expression": `json.a * json.b`,
		}), testCtx(data))
		require.NoError(t, err)
		assert.Equal(t, 6.0, out["result"])
	})

	t.Run("compile error is validation", func(t *testing.T) {
		_, err := h.Execute(context.Background(), testNode(models.KindDataTransform, map[string]any{
			"operation":  "expression",
			"expression": `json.a +`,
		}), testCtx(data))
		require.Error(t, err)
		assert.Equal(t, faults.KindValidation, faults.KindOf(err))
	})
}

func TestTransform_JSONPatch(t *testing.T) {
	h := NewTransformHandler(newTestProcessor())

	out, err := h.Execute(context.Background(), testNode(models.KindDataTransform, map[string]any{
		"operation": "json_patch",
		"patch": []any{
			map[string]any{"op": "add", "path": "/added", "value": "yes"},
			map[string]any{"op": "remove", "path": "/drop"},
			map[string]any{"op": "replace", "path": "/n", "value": 9},
		},
	}), testCtx(map[string]any{"n": 1, "drop": true}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": 9.0, "added": "yes"}, out)
}

func TestTransform_JSONPatchFailureIsNotTransient(t *testing.T) {
	h := NewTransformHandler(newTestProcessor())

	_, err := h.Execute(context.Background(), testNode(models.KindDataTransform, map[string]any{
		"operation": "json_patch",
		"patch": []any{
			map[string]any{"op": "remove", "path": "/missing"},
		},
	}), testCtx(map[string]any{"n": 1}))
	require.Error(t, err)
	assert.Equal(t, faults.KindHandler, faults.KindOf(err))
	assert.False(t, faults.IsTransient(err))
}

func TestTransform_UnknownOperation(t *testing.T) {
	h := NewTransformHandler(newTestProcessor())

	_, err := h.Execute(context.Background(), testNode(models.KindDataTransform, map[string]any{
		"operation": "zip",
	}), testCtx(nil))
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}
