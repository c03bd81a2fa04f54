package blocks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpilot/worker/cmd/worker/sandbox"
	"github.com/blockpilot/worker/common/faults"
	"github.com/blockpilot/worker/common/models"
	"github.com/blockpilot/worker/common/repository"
)

type fakeRunner struct {
	req sandbox.RunRequest
	res *sandbox.RunResult
	err error
}

func (f *fakeRunner) Run(_ context.Context, req sandbox.RunRequest) (*sandbox.RunResult, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

func seedScript(store *repository.MemoryStore) {
	store.SeedUserCode(&repository.UserCode{
		ID:       "code-1",
		UserID:   "user-1",
		Language: "javascript",
		Source:   "console.log(JSON.stringify({answer: 42}))",
	})
}

func TestCustom_RunsStoredScript(t *testing.T) {
	store := repository.NewMemoryStore()
	seedScript(store)
	runner := &fakeRunner{res: &sandbox.RunResult{
		Output:   map[string]any{"answer": 42.0},
		Duration: 120 * time.Millisecond,
	}}

	h := NewCustomHandler(newTestProcessor(), store, runner)
	data := map[string]any{"input": "x"}
	out, err := h.Execute(context.Background(), testNode(models.KindCustom, map[string]any{
		"codeId":    "code-1",
		"timeoutMs": 2000,
	}), testCtx(data))
	require.NoError(t, err)

	assert.Equal(t, 42.0, out["answer"])
	assert.Equal(t, int64(120), out["duration_ms"])

	assert.Equal(t, "javascript", runner.req.Language)
	assert.Contains(t, runner.req.Source, "42")
	assert.Equal(t, data, runner.req.Input)
	assert.Equal(t, 2*time.Second, runner.req.Timeout)
}

func TestCustom_RequiresCodeID(t *testing.T) {
	h := NewCustomHandler(newTestProcessor(), repository.NewMemoryStore(), &fakeRunner{})
	_, err := h.Execute(context.Background(), testNode(models.KindCustom, map[string]any{}), testCtx(nil))
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}

func TestCustom_RejectsForeignCode(t *testing.T) {
	store := repository.NewMemoryStore()
	store.SeedUserCode(&repository.UserCode{ID: "code-2", UserID: "someone-else", Language: "python", Source: "print(1)"})

	h := NewCustomHandler(newTestProcessor(), store, &fakeRunner{})
	_, err := h.Execute(context.Background(), testNode(models.KindCustom, map[string]any{
		"codeId": "code-2",
	}), testCtx(nil))
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}

func TestCustom_UnknownCodeFailsNonTransient(t *testing.T) {
	h := NewCustomHandler(newTestProcessor(), repository.NewMemoryStore(), &fakeRunner{})
	_, err := h.Execute(context.Background(), testNode(models.KindCustom, map[string]any{
		"codeId": "nope",
	}), testCtx(nil))
	require.Error(t, err)
	assert.Equal(t, faults.KindHandler, faults.KindOf(err))
	assert.False(t, faults.IsTransient(err))
}

func TestCustom_SandboxFaultsPassThrough(t *testing.T) {
	store := repository.NewMemoryStore()
	seedScript(store)
	runner := &fakeRunner{err: faults.Deadline("", errors.New("script exceeded 30s wall clock"))}

	h := NewCustomHandler(newTestProcessor(), store, runner)
	_, err := h.Execute(context.Background(), testNode(models.KindCustom, map[string]any{
		"codeId": "code-1",
	}), testCtx(nil))
	require.Error(t, err)
	assert.Equal(t, faults.KindDeadline, faults.KindOf(err))
}

func TestCustom_PlainRunnerErrorWrapped(t *testing.T) {
	store := repository.NewMemoryStore()
	seedScript(store)
	runner := &fakeRunner{err: errors.New("script exited 1: boom")}

	h := NewCustomHandler(newTestProcessor(), store, runner)
	_, err := h.Execute(context.Background(), testNode(models.KindCustom, map[string]any{
		"codeId": "code-1",
	}), testCtx(nil))
	require.Error(t, err)
	assert.Equal(t, faults.KindHandler, faults.KindOf(err))
	assert.False(t, faults.IsTransient(err))
}
