package campoquery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// DialogueEngine drives one conversation turn: it supplies the model
// with the current state and history, applies the model's requested
// operations to the state in order, and decides whether the query
// compiler runs this turn. Structured tool calls are the only path
// that mutates query state.
type DialogueEngine struct {
	llm          LLMClient
	executor     QueryExecutor
	model        string
	temperature  float32
	systemPrompt string
	logger       *slog.Logger
}

// NewDialogueEngine creates a dialogue engine with injected
// dependencies so that it is testable with fakes.
func NewDialogueEngine(llm LLMClient, executor QueryExecutor, model string, temperature float32, logger *slog.Logger) *DialogueEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &DialogueEngine{
		llm:          llm,
		executor:     executor,
		model:        model,
		temperature:  temperature,
		systemPrompt: defaultSystemPrompt,
		logger:       logger,
	}
}

// TurnResult is the outcome of one conversation turn.
type TurnResult struct {
	// Message is the agent's reply to the user.
	Message string

	// Records holds the raw records when the query executed this turn.
	Records []Record
}

const modelFailureReply = "Disculpa, tuve un error técnico al procesar tu mensaje. Por favor, intenta de nuevo."

// RunTurn processes one user message against the conversation state.
// Model failures are recorded into the execution error and answered
// with a generic apology; they are never raised to the caller.
func (e *DialogueEngine) RunTurn(ctx context.Context, state *ConversationState, question string) TurnResult {
	state.AddMessage(RoleUser, question)

	result, err := e.llm.ChatCompletion(ctx, ChatCompletionRequest{
		Model:       e.model,
		Messages:    e.buildMessages(state),
		Tools:       queryTools(),
		Temperature: e.temperature,
	})
	if err != nil {
		modelErr := NewModelError("chat completion failed", err)
		e.logger.Error("model call failed",
			"conversation_id", state.Meta.ConversationID,
			"error", modelErr,
		)
		state.Execution.Error = modelErr.Error()
		state.UpdateStatus(StatusCancelled)
		state.AddMessage(RoleAgent, modelFailureReply)
		return TurnResult{Message: modelFailureReply}
	}

	message := result.Content
	var records []Record

	for _, call := range result.ToolCalls {
		e.logger.Debug("applying tool call",
			"conversation_id", state.Meta.ConversationID,
			"tool", call.Name,
		)

		switch call.Name {
		case toolUpdateQueryState:
			if err := e.applyQueryUpdate(state, call.Arguments); err != nil {
				e.logger.Warn("ignoring malformed query update", "error", err)
			}
		case toolExecuteQuery:
			extra, execRecords := e.applyExecute(ctx, state, call.Arguments)
			if extra != "" {
				message += extra
			}
			if execRecords != nil {
				records = execRecords
			}
		case toolReportIssue:
			if err := e.applyIssueReport(state, call.Arguments); err != nil {
				e.logger.Warn("ignoring malformed issue report", "error", err)
			}
		default:
			e.logger.Warn("model requested unknown tool", "tool", call.Name)
		}
	}

	state.AddMessage(RoleAgent, message)
	return TurnResult{Message: message, Records: records}
}

// buildMessages assembles the model request: system instructions plus
// the current state context, followed by the bounded recent history.
func (e *DialogueEngine) buildMessages(state *ConversationState) []LLMMessage {
	system := e.systemPrompt + fmt.Sprintf(`

ESTADO ACTUAL DE LA CONSULTA:
- Tabla: %s
- Tipo: %s
- Estado: %s
- Lista para ejecutar: %t
- Contexto: %s`,
		orUndefined(string(state.Query.Table)),
		orUndefined(state.Query.Type),
		state.Conversation.Status,
		state.Execution.Ready,
		state.ContextSummary(),
	)

	messages := []LLMMessage{{Role: "system", Content: system}}
	for _, entry := range state.History {
		role := "user"
		if entry.Role == RoleAgent {
			role = "assistant"
		}
		messages = append(messages, LLMMessage{Role: role, Content: entry.Content})
	}
	return messages
}

func orUndefined(v string) string {
	if v == "" {
		return "No definida"
	}
	return v
}

type queryUpdateArgs struct {
	Table          string          `json:"table"`
	QueryType      string          `json:"query_type"`
	Filters        json.RawMessage `json:"filters"`
	ReadyToExecute *bool           `json:"ready_to_execute"`
}

func (e *DialogueEngine) applyQueryUpdate(state *ConversationState, arguments string) error {
	var args queryUpdateArgs
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return fmt.Errorf("parsing update_query_state arguments: %w", err)
	}

	if args.Table != "" {
		state.Query.Table = Table(args.Table)
	}
	if args.QueryType != "" {
		state.Query.Type = args.QueryType
	}
	if len(args.Filters) > 0 {
		merged, err := decodeOrderedFilters(args.Filters)
		if err != nil {
			return fmt.Errorf("parsing filter merge: %w", err)
		}
		// Shallow overlay: new keys overwrite existing ones.
		for _, f := range merged {
			state.AddFilter(f.Key, f.Value)
		}
	}
	if args.ReadyToExecute != nil {
		state.Execution.Ready = *args.ReadyToExecute
		if *args.ReadyToExecute {
			state.Query.Validated = true
			state.UpdateStatus(StatusReadyToExecute)
		} else {
			state.UpdateStatus(StatusBuilding)
		}
	}
	state.touch()
	return nil
}

type executeArgs struct {
	Confirm bool `json:"confirm"`
}

// applyExecute triggers exactly one compiler invocation per logical
// query. It returns text to append to the outgoing message and, on a
// successful run, the raw records. The guard reads LastRunAt from the
// live state so a failed run in the same turn still blocks a retry.
func (e *DialogueEngine) applyExecute(ctx context.Context, state *ConversationState, arguments string) (string, []Record) {
	var args executeArgs
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		e.logger.Warn("ignoring malformed execute call", "error", err)
		return "", nil
	}
	if !args.Confirm {
		return "", nil
	}
	if state.Executed() {
		e.logger.Debug("skipping re-execution of already-run query",
			"conversation_id", state.Meta.ConversationID,
		)
		return "", nil
	}

	summary, records, err := e.executor.Execute(ctx, state.Query)
	if err != nil {
		state.MarkExecuted(summary, err.Error())
		return "\n\n" + summary, nil
	}

	state.MarkExecuted(summary, "")
	extra := "\n\n" + summary
	if len(records) > 0 {
		extra += "\n\nSi quieres cambiar algún filtro o ver algo más específico, dime qué deseas ajustar."
	}
	return extra, records
}

type issueReportArgs struct {
	IssueType string `json:"issue_type"`
	Field     string `json:"field"`
	Message   string `json:"message"`
}

func (e *DialogueEngine) applyIssueReport(state *ConversationState, arguments string) error {
	var args issueReportArgs
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return fmt.Errorf("parsing report_issue arguments: %w", err)
	}

	kind := IssueKind(args.IssueType)
	switch kind {
	case IssueMissingFilter, IssueAmbiguousTerm, IssueInvalidField, IssueImpossibleRequest:
	default:
		return fmt.Errorf("unknown issue type %q", args.IssueType)
	}

	state.AddIssue(kind, args.Field, args.Message)
	state.UpdateStatus(StatusAwaitingClarification)
	return nil
}

// decodeOrderedFilters decodes a JSON object into filters preserving
// the key order the model issued, which a plain map would lose.
func decodeOrderedFilters(raw json.RawMessage) (Filters, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("filters must be a JSON object")
	}

	var filters Filters
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected filter key token %v", keyTok)
		}

		var value any
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		filters = filters.Set(key, fmt.Sprint(value))
	}
	return filters, nil
}
