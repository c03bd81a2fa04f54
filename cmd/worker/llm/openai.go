package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const healthProbeTimeout = 5 * time.Second

// ChatClient captures the subset of the go-openai client the dialect
// uses, so tests can substitute a stub.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	ListModels(ctx context.Context) (openai.ModelsList, error)
}

// OpenAIDialect serves every backend that speaks the OpenAI chat
// completions protocol: OpenAI itself, OpenRouter, and a local Ollama.
type OpenAIDialect struct {
	name  string
	chat  ChatClient
	model string
}

// NewOpenAI builds a provider against api.openai.com. A nil httpClient
// uses the SDK default.
func NewOpenAI(apiKey, defaultModel string, httpClient *http.Client) *OpenAIDialect {
	cfg := openai.DefaultConfig(apiKey)
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return newDialect(ProviderOpenAI, openai.NewClientWithConfig(cfg), defaultModel)
}

// NewOpenRouter builds a provider against an OpenRouter-compatible
// endpoint.
func NewOpenRouter(apiKey, baseURL, defaultModel string, httpClient *http.Client) *OpenAIDialect {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return newDialect(ProviderOpenRouter, openai.NewClientWithConfig(cfg), defaultModel)
}

// NewOllama builds a provider against a local Ollama server's OpenAI
// compatibility endpoint. Ollama ignores the bearer token but the SDK
// requires one.
func NewOllama(baseURL, defaultModel string, httpClient *http.Client) *OpenAIDialect {
	cfg := openai.DefaultConfig("ollama")
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return newDialect(ProviderOllama, openai.NewClientWithConfig(cfg), defaultModel)
}

func newDialect(name string, chat ChatClient, model string) *OpenAIDialect {
	return &OpenAIDialect{name: name, chat: chat, model: model}
}

// Name returns the registered provider name.
func (p *OpenAIDialect) Name() string {
	return p.name
}

// Healthy probes the models endpoint with a short deadline.
func (p *OpenAIDialect) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	_, err := p.chat.ListModels(ctx)
	return err == nil
}

// Generate runs the chat completion loop, executing requested tools and
// feeding their results back until the model answers without tool calls
// or the step budget is exhausted.
func (p *OpenAIDialect) Generate(ctx context.Context, req Request) (*Result, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	if model == "" {
		return nil, errors.New("model identifier is required")
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	tools := encodeOpenAITools(req.Tools)
	byName := toolIndex(req.Tools)

	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 1
	}

	result := &Result{}
	for stepIdx := 0; stepIdx < maxSteps; stepIdx++ {
		resp, err := p.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       model,
			Messages:    messages,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
			Tools:       tools,
		})
		if err != nil {
			return nil, fmt.Errorf("%s chat completion: %w", p.name, err)
		}
		result.Usage.PromptTokens += resp.Usage.PromptTokens
		result.Usage.CompletionTokens += resp.Usage.CompletionTokens
		result.Usage.TotalTokens += resp.Usage.TotalTokens

		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("%s chat completion returned no choices", p.name)
		}
		msg := resp.Choices[0].Message

		step := Step{Index: stepIdx, Text: msg.Content}
		if msg.Content != "" {
			result.Text = msg.Content
		}

		if len(msg.ToolCalls) == 0 {
			result.Steps = append(result.Steps, step)
			break
		}

		// The assistant turn carrying the tool calls must precede the
		// tool responses in the conversation.
		messages = append(messages, msg)
		for _, call := range msg.ToolCalls {
			params := decodeArguments(call.Function.Arguments)
			output, callErr := invokeTool(ctx, byName, call.Function.Name, params)

			tc := ToolCall{Name: call.Function.Name, Parameters: params, Result: output}
			if callErr != nil {
				tc.Error = callErr.Error()
				output = "tool error: " + callErr.Error()
			}
			step.ToolCalls = append(step.ToolCalls, tc)
			result.ToolCalls = append(result.ToolCalls, tc)

			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    output,
				Name:       call.Function.Name,
				ToolCallID: call.ID,
			})
		}
		result.Steps = append(result.Steps, step)
	}
	return result, nil
}

func encodeOpenAITools(defs []ToolDef) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		params := def.Parameters
		if params == nil {
			params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}
