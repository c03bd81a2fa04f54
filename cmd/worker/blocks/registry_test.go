package blocks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpilot/worker/common/faults"
	"github.com/blockpilot/worker/common/models"
)

type staticHandler struct {
	kind string
	out  map[string]any
}

func (h staticHandler) Kind() string { return h.kind }

func (h staticHandler) Execute(context.Context, *models.Node, *ExecContext) (map[string]any, error) {
	return h.out, nil
}

func TestRegistry_ResolveIsCaseInsensitive(t *testing.T) {
	reg := NewRegistryBuilder().
		Register(staticHandler{kind: "HTTP_REQUEST", out: map[string]any{"ok": true}}).
		Build()

	for _, kind := range []string{"HTTP_REQUEST", "http_request", " Http_Request "} {
		out, err := reg.Resolve(kind).Execute(context.Background(), testNode(kind, nil), testCtx(nil))
		require.NoError(t, err, "kind %q", kind)
		assert.Equal(t, true, out["ok"])
	}
}

func TestRegistry_UnknownKindFails(t *testing.T) {
	reg := NewRegistryBuilder().Build()

	h := reg.Resolve("NO_SUCH_BLOCK")
	require.NotNil(t, h)

	_, err := h.Execute(context.Background(), testNode("NO_SUCH_BLOCK", nil), testCtx(nil))
	require.Error(t, err)
	assert.Equal(t, faults.KindUnknownBlock, faults.KindOf(err))
	assert.False(t, faults.IsTransient(err))
}

func TestRegistry_LaterRegistrationWins(t *testing.T) {
	reg := NewRegistryBuilder().
		Register(staticHandler{kind: "CONDITION", out: map[string]any{"v": "first"}}).
		Register(staticHandler{kind: "condition", out: map[string]any{"v": "second"}}).
		Build()

	out, err := reg.Resolve("CONDITION").Execute(context.Background(), testNode("CONDITION", nil), testCtx(nil))
	require.NoError(t, err)
	assert.Equal(t, "second", out["v"])
}

func TestRegistry_KindsSorted(t *testing.T) {
	reg := NewRegistryBuilder().
		Register(staticHandler{kind: "SCHEDULE"}).
		Register(staticHandler{kind: "CONDITION"}).
		Register(staticHandler{kind: "HTTP_REQUEST"}).
		Build()

	assert.Equal(t, []string{"CONDITION", "HTTP_REQUEST", "SCHEDULE"}, reg.Kinds())
}

func TestBackoff_DelayCurve(t *testing.T) {
	b := DefaultBackoff()

	cases := []struct {
		attempt int
		base    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{9, 5 * time.Second},
	}
	for _, tc := range cases {
		d := b.Delay(tc.attempt)
		assert.GreaterOrEqual(t, d, tc.base, "attempt %d", tc.attempt)
		// Jitter adds at most 10%.
		assert.LessOrEqual(t, d, tc.base+tc.base/10, "attempt %d", tc.attempt)
	}
}

func TestBackoff_SleepHonoursContext(t *testing.T) {
	b := Backoff{Base: time.Minute, Factor: 2, Cap: time.Minute}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := b.Sleep(ctx, 1)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
