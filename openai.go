package campoquery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

// openAIClient implements LLMClient on top of the OpenAI API with
// function calling.
type openAIClient struct {
	client *openai.Client
	logger *slog.Logger
}

// NewOpenAIClient creates an OpenAI-backed LLM client.
func NewOpenAIClient(apiKey string, logger *slog.Logger) (LLMClient, error) {
	if apiKey == "" {
		return nil, NewConfigError("OpenAI API key is required", nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &openAIClient{
		client: openai.NewClient(apiKey),
		logger: logger,
	}, nil
}

func (c *openAIClient) ChatCompletion(ctx context.Context, req ChatCompletionRequest) (ChatCompletionResult, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	tools := make([]openai.Tool, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	apiReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
	}
	if len(tools) > 0 {
		apiReq.Tools = tools
		apiReq.ToolChoice = "auto"
	}
	if req.MaxTokens > 0 {
		apiReq.MaxTokens = req.MaxTokens
	}

	c.logger.Debug("creating chat completion",
		slog.String("model", req.Model),
		slog.Int("messages", len(messages)),
		slog.Int("tools", len(tools)),
	)

	resp, err := c.client.CreateChatCompletion(ctx, apiReq)
	if err != nil {
		return ChatCompletionResult{}, fmt.Errorf("OpenAI API error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return ChatCompletionResult{}, errors.New("no response from OpenAI")
	}

	choice := resp.Choices[0].Message
	result := ChatCompletionResult{
		Content: choice.Content,
		Usage: TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, LLMToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	c.logger.Debug("chat completion successful",
		slog.String("model", req.Model),
		slog.Int("tool_calls", len(result.ToolCalls)),
		slog.Int("prompt_tokens", resp.Usage.PromptTokens),
		slog.Int("completion_tokens", resp.Usage.CompletionTokens),
	)

	return result, nil
}
