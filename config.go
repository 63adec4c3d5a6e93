package campoquery

import (
	"context"
	"log/slog"
	"time"
)

// Config configures an Agent instance.
type Config struct {
	// LLM is the language-model client used by the dialogue engine.
	// Required.
	LLM LLMClient

	// Airtable configures the record-store client.
	Airtable AirtableConfig

	// Executor overrides the record-store query executor.
	// Optional - defaults to an Airtable client built from Airtable.
	Executor QueryExecutor

	// Store is the conversation state backend.
	// Optional - defaults to in-memory storage.
	Store ConversationStore

	// Logger is the structured logger.
	// Optional - defaults to slog.Default().
	Logger *slog.Logger

	// Model is the LLM model to use.
	// Defaults to "gpt-4o".
	Model string

	// Temperature for LLM calls.
	// Defaults to 0.3.
	Temperature float32

	// MaxHistory bounds the per-conversation message history.
	// Defaults to 10.
	MaxHistory int

	// DefaultLimit is the record limit applied to new queries.
	// Defaults to 100.
	DefaultLimit int

	// RecordPreview caps how many raw records the /ask response carries.
	// Defaults to 10.
	RecordPreview int

	// AllowedOrigins for CORS in the HTTP server.
	// Defaults to allowing all origins.
	AllowedOrigins []string
}

// AirtableConfig holds record-store credentials and limits.
type AirtableConfig struct {
	// APIKey is the Airtable bearer token. Required to execute queries.
	APIKey string

	// BaseID is the Airtable base identifier. Required to execute queries.
	BaseID string

	// BaseURL overrides the API endpoint, for testing.
	// Defaults to "https://api.airtable.com/v0".
	BaseURL string

	// Timeout bounds one record-store request.
	// Defaults to 30 seconds.
	Timeout time.Duration
}

// withDefaults applies default values to the config.
func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Model == "" {
		c.Model = "gpt-4o"
	}
	if c.Temperature == 0 {
		c.Temperature = 0.3
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = DefaultMaxHistory
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = DefaultRecordLimit
	}
	if c.RecordPreview <= 0 {
		c.RecordPreview = 10
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	if c.Airtable.BaseURL == "" {
		c.Airtable.BaseURL = "https://api.airtable.com/v0"
	}
	if c.Airtable.Timeout <= 0 {
		c.Airtable.Timeout = 30 * time.Second
	}
	return c
}

// validate checks that required config fields are set.
func (c Config) validate() error {
	if c.LLM == nil {
		return NewConfigError("LLM client is required", nil)
	}
	return nil
}

// LLMClient is the interface for LLM providers. It abstracts the
// OpenAI client to allow for testing and alternative providers.
type LLMClient interface {
	// ChatCompletion sends one chat completion request with tools.
	ChatCompletion(ctx context.Context, req ChatCompletionRequest) (ChatCompletionResult, error)
}

// ChatCompletionRequest is a provider-agnostic chat request.
type ChatCompletionRequest struct {
	// Model is the model to use.
	Model string

	// Messages are the conversation messages. The first entry with
	// role "system" carries the instructions.
	Messages []LLMMessage

	// Tools are the callable operations offered to the model.
	Tools []LLMTool

	// Temperature controls randomness.
	Temperature float32

	// MaxTokens limits the response length.
	MaxTokens int
}

// LLMMessage is a message in the model conversation.
type LLMMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMTool describes a callable operation offered to the model.
type LLMTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// LLMToolCall is the model's request to invoke an operation.
// Arguments is the raw JSON argument object.
type LLMToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatCompletionResult is the model's reply: free text plus any
// requested operation invocations, in the order the model issued them.
type ChatCompletionResult struct {
	Content   string
	ToolCalls []LLMToolCall
	Usage     TokenUsage
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}
