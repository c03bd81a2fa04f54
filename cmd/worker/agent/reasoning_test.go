package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpilot/worker/cmd/worker/llm"
	"github.com/blockpilot/worker/common/repository"
)

type testLogger struct{}

func (testLogger) Info(msg string, keysAndValues ...interface{})  {}
func (testLogger) Error(msg string, keysAndValues ...interface{}) {}
func (testLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (testLogger) Debug(msg string, keysAndValues ...interface{}) {}

// scriptedProvider returns canned results in call order and records
// every request it sees.
type scriptedProvider struct {
	name     string
	results  []*llm.Result
	errs     []error
	requests []llm.Request
}

func (p *scriptedProvider) Generate(_ context.Context, req llm.Request) (*llm.Result, error) {
	i := len(p.requests)
	p.requests = append(p.requests, req)
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if i < len(p.results) && p.results[i] != nil {
		return p.results[i], nil
	}
	return &llm.Result{Text: "done"}, nil
}

func (p *scriptedProvider) Healthy(context.Context) bool { return true }
func (p *scriptedProvider) Name() string                 { return p.name }

type stubSelector struct {
	prov llm.Provider
	err  error
}

func (s stubSelector) Select(context.Context, string) (llm.Provider, error) {
	return s.prov, s.err
}

func balanceTool(t *testing.T, result string) llm.ToolDef {
	t.Helper()
	return llm.ToolDef{
		Name:        "get_balance",
		Description: "Reads the balance of an address",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"address": map[string]interface{}{"type": "string"},
			},
		},
		Invoke: func(_ context.Context, params map[string]interface{}) (string, error) {
			return result, nil
		},
	}
}

func TestEngine_FullPipeline(t *testing.T) {
	prov := &scriptedProvider{
		name: "openai",
		results: []*llm.Result{
			{Text: "1. Look up the balance\n2. Then call the tool\n3. Finally summarize the result for the user"},
			{Text: "Selected tools: [get_balance with address: 0xabc123]"},
			{Text: "The balance is 1.5 ETH"},
		},
	}
	store := repository.NewMemoryStore()
	engine := NewEngine(stubSelector{prov: prov}, store, testLogger{})

	out, err := engine.Run(context.Background(), Request{
		Prompt:   "What is the balance of 0xabc123?",
		Provider: "openai",
		Tools:    []llm.ToolDef{balanceTool(t, `{"balance":"1.5"}`)},
		MaxSteps: 3,
		UserID:   "user-1",
	})
	require.NoError(t, err)

	require.Len(t, out.ToolCalls, 1)
	assert.Equal(t, "get_balance", out.ToolCalls[0].Name)
	assert.Equal(t, "0xabc123", out.ToolCalls[0].Parameters["address"])
	assert.Equal(t, `{"balance":"1.5"}`, out.ToolCalls[0].Result)

	assert.GreaterOrEqual(t, len(out.Steps), 3)
	assert.LessOrEqual(t, len(out.Steps), 6)
	assert.Equal(t, "plan", out.Steps[0].Phase)
	assert.Equal(t, "select_tools", out.Steps[1].Phase)
	assert.Equal(t, "execute", out.Steps[2].Phase)
	assert.Equal(t, "conclude", out.Steps[len(out.Steps)-1].Phase)
	for i, step := range out.Steps {
		assert.Equal(t, i+1, step.Step, "step ordinal at index %d", i)
	}

	assert.GreaterOrEqual(t, out.Confidence, 0.0)
	assert.LessOrEqual(t, out.Confidence, 1.0)
	assert.Contains(t, out.Text, "1.5 ETH")

	// Plan and selection calls use their pinned sampling parameters.
	require.Len(t, prov.requests, 3)
	assert.InDelta(t, 0.3, prov.requests[0].Temperature, 0.001)
	assert.Equal(t, 500, prov.requests[0].MaxTokens)
	assert.InDelta(t, 0.2, prov.requests[1].Temperature, 0.001)
}

func TestEngine_DeliberateModeReflects(t *testing.T) {
	store := repository.NewMemoryStore()
	store.SeedPlan("user-pro", "pro")

	prov := &scriptedProvider{name: "openai", results: []*llm.Result{
		{Text: "1. Answer directly"},
		{Text: "This is a long and thorough answer that easily clears the substance threshold for reflection."},
	}}
	engine := NewEngine(stubSelector{prov: prov}, store, testLogger{})

	out, err := engine.Run(context.Background(), Request{
		Prompt:       "explain something",
		ThinkingMode: ModeDeliberate,
		MaxSteps:     5,
		UserID:       "user-pro",
	})
	require.NoError(t, err)
	assert.Contains(t, out.Path, "reflect")
}

func TestEngine_FastModeSkipsReflection(t *testing.T) {
	store := repository.NewMemoryStore()
	store.SeedPlan("user-pro", "pro")

	prov := &scriptedProvider{name: "openai"}
	engine := NewEngine(stubSelector{prov: prov}, store, testLogger{})

	out, err := engine.Run(context.Background(), Request{
		Prompt:       "explain something",
		ThinkingMode: ModeFast,
		MaxSteps:     5,
		UserID:       "user-pro",
	})
	require.NoError(t, err)
	assert.NotContains(t, out.Path, "reflect")
}

func TestEngine_UnentitledUserSkipsReflection(t *testing.T) {
	store := repository.NewMemoryStore()
	store.SeedPlan("user-free", "free")

	prov := &scriptedProvider{name: "openai"}
	engine := NewEngine(stubSelector{prov: prov}, store, testLogger{})

	out, err := engine.Run(context.Background(), Request{
		Prompt:       "explain something",
		ThinkingMode: ModeDeliberate,
		MaxSteps:     5,
		UserID:       "user-free",
	})
	require.NoError(t, err)
	assert.NotContains(t, out.Path, "reflect")
}

func TestEngine_StepBudgetBoundsTranscript(t *testing.T) {
	store := repository.NewMemoryStore()
	store.SeedPlan("user-pro", "pro")

	prov := &scriptedProvider{name: "openai", results: []*llm.Result{
		{Text: "1. plan"},
		{Text: "Selected tools: [get_balance]"},
		{Text: "answer"},
	}}
	engine := NewEngine(stubSelector{prov: prov}, store, testLogger{})

	out, err := engine.Run(context.Background(), Request{
		Prompt:       "check balance",
		ThinkingMode: ModeDeliberate,
		Tools:        []llm.ToolDef{balanceTool(t, "{}")},
		MaxSteps:     1,
		UserID:       "user-pro",
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out.Steps), 1+2)
	for i, step := range out.Steps {
		assert.Equal(t, i+1, step.Step)
	}
}

func TestEngine_PlanFailureDoesNotAbort(t *testing.T) {
	prov := &scriptedProvider{
		name: "openai",
		errs: []error{errors.New("rate limited")},
		results: []*llm.Result{
			nil,
			{Text: "the answer"},
		},
	}
	engine := NewEngine(stubSelector{prov: prov}, repository.NewMemoryStore(), testLogger{})

	out, err := engine.Run(context.Background(), Request{Prompt: "do it", MaxSteps: 3})
	require.NoError(t, err)

	assert.Equal(t, "plan", out.Steps[0].Phase)
	assert.Zero(t, out.Steps[0].Confidence)
	assert.Equal(t, "the answer", out.Text)
}

func TestEngine_ZeroToolsSkipsSelection(t *testing.T) {
	prov := &scriptedProvider{name: "openai", results: []*llm.Result{
		{Text: "1. just answer"},
		{Text: "the answer"},
	}}
	engine := NewEngine(stubSelector{prov: prov}, repository.NewMemoryStore(), testLogger{})

	out, err := engine.Run(context.Background(), Request{Prompt: "do it", MaxSteps: 3})
	require.NoError(t, err)

	assert.Equal(t, []string{"plan", "execute", "conclude"}, out.Path)
	assert.Empty(t, out.ToolCalls)
	// Only plan and execute hit the provider.
	assert.Len(t, prov.requests, 2)
}

func TestEngine_ModelToolCallNotDuplicated(t *testing.T) {
	prov := &scriptedProvider{
		name: "openai",
		results: []*llm.Result{
			{Text: "1. call the tool"},
			{Text: "Selected tools: [get_balance with address: 0xdef456]"},
			{
				Text:      "balance fetched",
				ToolCalls: []llm.ToolCall{{Name: "get_balance", Parameters: map[string]interface{}{"address": "0xdef456"}, Result: "{}"}},
			},
		},
	}
	engine := NewEngine(stubSelector{prov: prov}, repository.NewMemoryStore(), testLogger{})

	out, err := engine.Run(context.Background(), Request{
		Prompt:   "check balance",
		Tools:    []llm.ToolDef{balanceTool(t, "{}")},
		MaxSteps: 3,
	})
	require.NoError(t, err)
	assert.Len(t, out.ToolCalls, 1)
}

func TestEngine_SelectorErrorSurfaces(t *testing.T) {
	engine := NewEngine(stubSelector{err: errors.New("no healthy provider")}, repository.NewMemoryStore(), testLogger{})

	_, err := engine.Run(context.Background(), Request{Prompt: "do it"})
	require.Error(t, err)
}

func TestParseSelection_MatchingModes(t *testing.T) {
	engine := NewEngine(stubSelector{}, repository.NewMemoryStore(), testLogger{})
	tools := []llm.ToolDef{
		{Name: "get_balance"},
		{Name: "send_transaction"},
		{Name: "swap"},
	}

	cases := []struct {
		name string
		text string
		want []string
	}{
		{"exact id", "Selected tools: [get_balance]", []string{"get_balance"}},
		{"space form", "Selected tools: [get balance]", []string{"get_balance"}},
		{"underscore token", "Selected tools: [transaction]", []string{"send_transaction"}},
		{"case insensitive", "SELECTED TOOLS: [Get_Balance]", []string{"get_balance"}},
		{"short token ignored", "Selected tools: [swap it]", []string{"swap"}},
		{"no match", "Selected tools: []", nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got []string
			for _, sel := range engine.parseSelection(tc.text, tools) {
				got = append(got, sel.tool.Name)
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestHeuristicExtractor(t *testing.T) {
	x := HeuristicExtractor{}

	params := x.Extract("get_balance with address: 0xAbC123dE for USDC, limit 25")
	assert.Equal(t, "0xAbC123dE", params["address"])
	assert.Equal(t, "USDC", params["token"])
	assert.Equal(t, 25, params["limit"])

	params = x.Extract("transfer 1500.75 SEI")
	assert.Equal(t, "1500.75", params["amount"])
	assert.Equal(t, "SEI", params["token"])

	assert.Empty(t, x.Extract("nothing to see here"))
}
