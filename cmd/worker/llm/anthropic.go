package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicMaxTokens = 1024

// MessagesClient captures the subset of the Anthropic SDK used here.
// *sdk.MessageService satisfies it; tests pass a stub.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Anthropic implements Provider over the Claude Messages API.
type Anthropic struct {
	msg   MessagesClient
	probe func(ctx context.Context) error
	model string
}

// NewAnthropic builds a provider from an API key. A nil httpClient uses
// the SDK default.
func NewAnthropic(apiKey, defaultModel string, httpClient *http.Client) *Anthropic {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	client := sdk.NewClient(opts...)
	return &Anthropic{
		msg:   &client.Messages,
		model: defaultModel,
		probe: func(ctx context.Context) error {
			_, err := client.Models.List(ctx, sdk.ModelListParams{})
			return err
		},
	}
}

// Name returns the registered provider name.
func (p *Anthropic) Name() string {
	return ProviderAnthropic
}

// Healthy probes the models endpoint with a short deadline.
func (p *Anthropic) Healthy(ctx context.Context) bool {
	if p.probe == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	return p.probe(ctx) == nil
}

// Generate runs the tool-use loop: assistant turns carrying tool_use
// blocks are answered with tool_result blocks until the model stops
// requesting tools or the step budget is exhausted.
func (p *Anthropic) Generate(ctx context.Context, req Request) (*Result, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	if model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))},
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}
	if tools := encodeAnthropicTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	byName := toolIndex(req.Tools)

	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 1
	}

	result := &Result{}
	for stepIdx := 0; stepIdx < maxSteps; stepIdx++ {
		msg, err := p.msg.New(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("anthropic messages: %w", err)
		}
		result.Usage.PromptTokens += int(msg.Usage.InputTokens)
		result.Usage.CompletionTokens += int(msg.Usage.OutputTokens)
		result.Usage.TotalTokens += int(msg.Usage.InputTokens + msg.Usage.OutputTokens)

		var stepText string
		var calls []sdk.ContentBlockUnion
		echo := make([]sdk.ContentBlockParamUnion, 0, len(msg.Content))
		for _, block := range msg.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					stepText += block.Text
					echo = append(echo, sdk.NewTextBlock(block.Text))
				}
			case "tool_use":
				calls = append(calls, block)
				echo = append(echo, sdk.NewToolUseBlock(block.ID, block.Input, block.Name))
			}
		}

		step := Step{Index: stepIdx, Text: stepText}
		if stepText != "" {
			result.Text = stepText
		}

		if len(calls) == 0 {
			result.Steps = append(result.Steps, step)
			break
		}

		// tool_result blocks must follow the assistant turn that
		// requested them.
		params.Messages = append(params.Messages, sdk.NewAssistantMessage(echo...))
		results := make([]sdk.ContentBlockParamUnion, 0, len(calls))
		for _, call := range calls {
			args := decodeArguments(string(call.Input))
			output, callErr := invokeTool(ctx, byName, call.Name, args)

			tc := ToolCall{Name: call.Name, Parameters: args, Result: output}
			isErr := callErr != nil
			if isErr {
				tc.Error = callErr.Error()
				output = "tool error: " + callErr.Error()
			}
			step.ToolCalls = append(step.ToolCalls, tc)
			result.ToolCalls = append(result.ToolCalls, tc)

			results = append(results, sdk.NewToolResultBlock(call.ID, output, isErr))
		}
		params.Messages = append(params.Messages, sdk.NewUserMessage(results...))
		result.Steps = append(result.Steps, step)
	}
	return result, nil
}

func encodeAnthropicTools(defs []ToolDef) []sdk.ToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schema := sdk.ToolInputSchemaParam{}
		if len(def.Parameters) > 0 {
			schema.ExtraFields = def.Parameters
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		tools = append(tools, u)
	}
	return tools
}
