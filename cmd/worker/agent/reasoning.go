// Package agent implements the reasoning loop behind AI_AGENT blocks:
// a provider-backed plan/select/execute/reflect pipeline that records a
// transcript of thinking steps, plus the tool catalogue and config
// parsing the block handler needs to assemble a run.
package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/blockpilot/worker/cmd/worker/llm"
	"github.com/blockpilot/worker/common/metrics"
	"github.com/blockpilot/worker/common/models"
	"github.com/blockpilot/worker/common/repository"
)

// Logger interface for dependency injection
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// ProviderSelector resolves a provider by name, falling back along the
// configured chain when the requested one is unhealthy. *llm.Pool
// satisfies this.
type ProviderSelector interface {
	Select(ctx context.Context, name string) (llm.Provider, error)
}

// Request is one reasoning run.
type Request struct {
	Prompt       string
	SystemPrompt string
	Provider     string
	Model        string
	Temperature  float32
	MaxTokens    int
	Tools        []llm.ToolDef
	MaxSteps     int
	ThinkingMode string
	SessionID    string
	UserID       string
}

// Outcome is the result of a reasoning run together with its
// transcript material.
type Outcome struct {
	Text       string
	Steps      []models.ThinkingStep
	ToolCalls  []llm.ToolCall
	Confidence float64
	Path       []string
	Provider   string
	Model      string
	Usage      llm.Usage
}

// Engine drives the reasoning pipeline. Each phase contributes one
// thinking step with a confidence score; a failed phase scores zero and
// the run continues on whatever data is available.
type Engine struct {
	providers ProviderSelector
	subs      repository.SubscriptionPort
	extractor ParamExtractor
	logger    Logger
	now       func() time.Time
}

// NewEngine creates a reasoning engine.
func NewEngine(providers ProviderSelector, subs repository.SubscriptionPort, logger Logger) *Engine {
	return &Engine{
		providers: providers,
		subs:      subs,
		extractor: HeuristicExtractor{},
		logger:    logger,
		now:       time.Now,
	}
}

// WithExtractor swaps the parameter extraction heuristics.
func (e *Engine) WithExtractor(x ParamExtractor) *Engine {
	e.extractor = x
	return e
}

// Phase names recorded in thinking steps.
const (
	phasePlan     = "plan"
	phaseSelect   = "select_tools"
	phaseExecute  = "execute"
	phaseReflect  = "reflect"
	phaseConclude = "conclude"
)

// selection is the outcome of the tool-selection phase.
type selection struct {
	tool   llm.ToolDef
	params map[string]any
}

// Run executes the pipeline. The step budget bounds the transcript:
// at most maxSteps+2 thinking steps are recorded, the last slot
// reserved for the conclusion.
func (e *Engine) Run(ctx context.Context, req Request) (*Outcome, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("reasoning request requires a prompt")
	}
	if req.MaxSteps < 1 {
		req.MaxSteps = 1
	}

	prov, err := e.providers.Select(ctx, req.Provider)
	if err != nil {
		return nil, err
	}

	out := &Outcome{
		Provider: prov.Name(),
		Model:    req.Model,
	}
	budget := req.MaxSteps + 2

	record := func(phase, content string, confidence float64) {
		if len(out.Steps) >= budget {
			return
		}
		out.Steps = append(out.Steps, models.ThinkingStep{
			Step:       len(out.Steps) + 1,
			Phase:      phase,
			Content:    content,
			Confidence: clampConfidence(confidence),
			At:         e.now().UTC(),
		})
		out.Path = append(out.Path, phase)
		outcome := "ok"
		if confidence == 0 {
			outcome = "failed"
		}
		metrics.AgentSteps.WithLabelValues(phase, outcome).Inc()
	}

	// Plan.
	plan, planConf, err := e.plan(ctx, prov, req)
	if err != nil {
		e.logger.Warn("plan phase failed", "error", err, "provider", prov.Name())
		record(phasePlan, "planning failed: "+err.Error(), 0)
	} else {
		record(phasePlan, plan, planConf)
	}

	// Select tools, only when there are tools to select from.
	var selected []selection
	if len(req.Tools) > 0 {
		var content string
		var conf float64
		selected, content, conf, err = e.selectTools(ctx, prov, req, plan)
		if err != nil {
			e.logger.Warn("tool selection failed", "error", err, "provider", prov.Name())
			record(phaseSelect, "tool selection failed: "+err.Error(), 0)
		} else {
			record(phaseSelect, content, conf)
		}
	}

	// Execute.
	result, err := e.execute(ctx, prov, req, selected)
	if err != nil {
		e.logger.Warn("execute phase failed", "error", err, "provider", prov.Name())
		record(phaseExecute, "execution failed: "+err.Error(), 0)
	} else {
		out.Text = result.Text
		out.ToolCalls = result.ToolCalls
		out.Usage = result.Usage
		record(phaseExecute, executionSummary(result), 0.85)
	}

	// Phase failures degrade the run; a dead context ends it. Without
	// this a cancelled run would fabricate a conclusion from nothing.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// Reflect, gated by thinking mode and plan entitlement. Keep the
	// last budget slot free for the conclusion.
	if req.ThinkingMode == ModeDeliberate && len(out.Steps) < budget-1 {
		allowed, err := e.subs.CanUseDeliberate(ctx, req.UserID)
		if err != nil {
			e.logger.Warn("subscription check failed", "error", err, "user_id", req.UserID)
		} else if allowed {
			critique, conf := reflectOn(out.Text, out.ToolCalls)
			record(phaseReflect, critique, conf)
		}
	}

	// Conclude with the running mean; including the mean itself leaves
	// the overall average unchanged.
	out.Confidence = meanConfidence(out.Steps)
	record(phaseConclude, concludeContent(out.Text), out.Confidence)

	return out, nil
}

// plan asks for a short numbered plan and scores it heuristically.
func (e *Engine) plan(ctx context.Context, prov llm.Provider, req Request) (string, float64, error) {
	prompt := fmt.Sprintf(
		"Produce a numbered plan of 3-5 steps for the following task. Be specific and ordered.\n\nTask: %s",
		req.Prompt,
	)
	if names := toolNames(req.Tools); len(names) > 0 {
		prompt += "\n\nAvailable tools: " + strings.Join(names, ", ")
	}

	res, err := prov.Generate(ctx, llm.Request{
		Model:        req.Model,
		Prompt:       prompt,
		SystemPrompt: "You are a planning assistant. Reply only with the plan.",
		Temperature:  0.3,
		MaxTokens:    500,
		MaxSteps:     1,
	})
	if err != nil {
		return "", 0, err
	}

	return res.Text, scorePlan(res.Text), nil
}

var enumerationPattern = regexp.MustCompile(`(?m)^\s*\d+[.)]`)

var orderingTokens = []string{"first", "then", "next", "finally", "after"}

// scorePlan is the plan-quality heuristic: enumeration, substance,
// explicit ordering.
func scorePlan(plan string) float64 {
	score := 0.4
	if enumerationPattern.MatchString(plan) {
		score += 0.2
	}
	if len(plan) > 100 {
		score += 0.2
	}
	lower := strings.ToLower(plan)
	for _, token := range orderingTokens {
		if strings.Contains(lower, token) {
			score += 0.2
			break
		}
	}
	return clampConfidence(score)
}

// selectTools asks the model which tools apply and parses its answer.
func (e *Engine) selectTools(ctx context.Context, prov llm.Provider, req Request, plan string) ([]selection, string, float64, error) {
	names := toolNames(req.Tools)
	prompt := fmt.Sprintf(
		"Task: %s\n\nPlan:\n%s\n\nAvailable tools: %s\n\nWhich tools should be used? Reply with a single line of the form:\nSelected tools: [tool_name with param: value, ...]",
		req.Prompt, plan, strings.Join(names, ", "),
	)

	res, err := prov.Generate(ctx, llm.Request{
		Model:        req.Model,
		Prompt:       prompt,
		SystemPrompt: "You select tools for a task. Reply only with the selection line.",
		Temperature:  0.2,
		MaxTokens:    300,
		MaxSteps:     1,
	})
	if err != nil {
		return nil, "", 0, err
	}

	selected := e.parseSelection(res.Text, req.Tools)

	conf := 0.5
	if len(selected) > 0 {
		conf = 0.9
	}
	var picked []string
	for _, s := range selected {
		picked = append(picked, s.tool.Name)
	}
	content := res.Text
	if len(picked) > 0 {
		content = fmt.Sprintf("%s\n\nMatched: %s", strings.TrimSpace(res.Text), strings.Join(picked, ", "))
	}

	return selected, content, conf, nil
}

var selectedLinePattern = regexp.MustCompile(`(?i)selected tools:\s*\[?([^\]\n]*)\]?`)

var paramHintPattern = regexp.MustCompile(`(?i)\bwith\s+(\w+)\s*[:=]\s*(\S+)`)

// parseSelection matches the model's selection line against the
// available tools. A tool matches on its exact id, its
// space-for-underscore form, or any underscore-separated token longer
// than three characters.
func (e *Engine) parseSelection(text string, tools []llm.ToolDef) []selection {
	line := text
	if m := selectedLinePattern.FindStringSubmatch(text); m != nil {
		line = m[1]
	}
	lower := strings.ToLower(line)

	var out []selection
	for _, tool := range tools {
		name := strings.ToLower(tool.Name)
		matched := strings.Contains(lower, name) ||
			strings.Contains(lower, strings.ReplaceAll(name, "_", " "))
		if !matched {
			for _, token := range strings.Split(name, "_") {
				if len(token) > 3 && strings.Contains(lower, token) {
					matched = true
					break
				}
			}
		}
		if !matched {
			continue
		}

		params := e.extractor.Extract(line)
		for _, hint := range paramHintPattern.FindAllStringSubmatch(line, -1) {
			params[strings.ToLower(hint[1])] = strings.Trim(hint[2], ",.")
		}
		out = append(out, selection{tool: tool, params: params})
	}

	return out
}

// execute runs the main generation with tools bound, then directly
// invokes any tools picked by the selection phase that the model did
// not already call, attaching their outputs.
func (e *Engine) execute(ctx context.Context, prov llm.Provider, req Request, selected []selection) (*llm.Result, error) {
	res, err := prov.Generate(ctx, llm.Request{
		Model:        req.Model,
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		Tools:        req.Tools,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
		MaxSteps:     req.MaxSteps,
	})
	if err != nil {
		return nil, err
	}

	called := make(map[string]bool, len(res.ToolCalls))
	for _, tc := range res.ToolCalls {
		called[tc.Name] = true
	}

	for _, sel := range selected {
		if called[sel.tool.Name] || sel.tool.Invoke == nil {
			continue
		}
		call := llm.ToolCall{Name: sel.tool.Name, Parameters: sel.params}
		result, err := sel.tool.Invoke(ctx, sel.params)
		if err != nil {
			call.Error = err.Error()
			metrics.ToolCalls.WithLabelValues("error").Inc()
			e.logger.Warn("direct tool invocation failed", "tool", sel.tool.Name, "error", err)
		} else {
			call.Result = result
			metrics.ToolCalls.WithLabelValues("ok").Inc()
		}
		res.ToolCalls = append(res.ToolCalls, call)
	}

	return res, nil
}

var errorKeywords = []string{"error", "failed", "unable", "cannot", "exception"}

// reflectOn scores the execution without another model call:
// substance, tool usage, absence of failure language.
func reflectOn(text string, calls []llm.ToolCall) (string, float64) {
	score := 0.5
	var notes []string

	if len(text) > 50 {
		score += 0.2
		notes = append(notes, "response is substantive")
	} else {
		notes = append(notes, "response is short")
	}

	if len(calls) > 0 {
		score += 0.2
		notes = append(notes, fmt.Sprintf("%d tool call(s) consulted", len(calls)))
	} else {
		notes = append(notes, "no tools were consulted")
	}

	lower := strings.ToLower(text)
	for _, kw := range errorKeywords {
		if strings.Contains(lower, kw) {
			score -= 0.3
			notes = append(notes, "response mentions a failure")
			break
		}
	}

	return strings.Join(notes, "; "), clampConfidence(score)
}

func executionSummary(res *llm.Result) string {
	if len(res.ToolCalls) == 0 {
		return res.Text
	}
	var names []string
	for _, tc := range res.ToolCalls {
		names = append(names, tc.Name)
	}
	return fmt.Sprintf("%s\n\nTools used: %s", res.Text, strings.Join(names, ", "))
}

func concludeContent(text string) string {
	if text == "" {
		return "no final response was produced"
	}
	const maxLen = 400
	if runes := []rune(text); len(runes) > maxLen {
		return string(runes[:maxLen]) + "…"
	}
	return text
}

func toolNames(tools []llm.ToolDef) []string {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	return names
}

func meanConfidence(steps []models.ThinkingStep) float64 {
	if len(steps) == 0 {
		return 0
	}
	var sum float64
	for _, s := range steps {
		sum += s.Confidence
	}
	return sum / float64(len(steps))
}

func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
