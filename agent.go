package campoquery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Agent is the turn orchestrator: it loads or creates conversation
// state, delegates the turn to the dialogue engine, persists the
// resulting state and shapes the response payload.
type Agent struct {
	config Config
	store  ConversationStore
	engine *DialogueEngine
	logger *slog.Logger

	// locks serializes turns per conversation id. The store itself is
	// last-write-wins; concurrent turns on the same conversation would
	// otherwise race on load-mutate-save. Entries are refcounted and
	// removed once no turn holds or waits on them, so the map stays
	// bounded by in-flight turns rather than by conversations seen.
	mu    sync.Mutex
	locks map[string]*conversationLock
}

type conversationLock struct {
	mu   sync.Mutex
	refs int
}

// New creates an Agent with the given configuration.
func New(cfg Config) (*Agent, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}

	executor := cfg.Executor
	if executor == nil {
		executor = NewAirtableClient(cfg.Airtable, cfg.Logger)
	}
	engine := NewDialogueEngine(cfg.LLM, executor, cfg.Model, cfg.Temperature, cfg.Logger)

	return &Agent{
		config: cfg,
		store:  store,
		engine: engine,
		logger: cfg.Logger,
		locks:  make(map[string]*conversationLock),
	}, nil
}

// AskRequest is one user turn.
type AskRequest struct {
	// Question is the user's free-text message. Required.
	Question string

	// UserID identifies the user. Defaults to "anonimo".
	UserID string

	// ConversationID continues an existing conversation. When empty a
	// new conversation is created.
	ConversationID string

	// Extra carries optional per-request overrides (e.g. max_records).
	Extra map[string]any
}

// ExecutionView is the redacted execution projection.
type ExecutionView struct {
	LastRunAt     *string `json:"last_run_at"`
	ResultSummary string  `json:"result_summary,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// StateView is the redacted state projection returned to clients.
type StateView struct {
	Status          Status            `json:"status"`
	Step            string            `json:"step,omitempty"`
	PendingQuestion string            `json:"pending_question,omitempty"`
	QueryType       string            `json:"query_type,omitempty"`
	QueryTable      string            `json:"query_table,omitempty"`
	Filters         map[string]string `json:"filters"`
	Issues          []Issue           `json:"issues"`
	ReadyToExecute  bool              `json:"ready_to_execute"`
	Execution       ExecutionView     `json:"execution"`
}

// QueryResults carries the executed query's outcome, with raw records
// capped before transmission.
type QueryResults struct {
	Summary string   `json:"summary"`
	Count   int      `json:"count"`
	Records []Record `json:"records"`
}

// AskResponse is the orchestrator's reply for one turn.
type AskResponse struct {
	Message        string        `json:"message"`
	Done           bool          `json:"done"`
	ConversationID string        `json:"conversation_id"`
	State          StateView     `json:"state"`
	QueryResults   *QueryResults `json:"query_results,omitempty"`
}

// Ask processes one conversation turn. State is persisted
// unconditionally, even when the turn failed internally, so the issue
// and error record survives for the next turn.
func (a *Agent) Ask(ctx context.Context, req AskRequest) (*AskResponse, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, NewAgentError(ErrCodeValidation, "question is required", nil)
	}

	userID := req.UserID
	if userID == "" {
		userID = "anonimo"
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = NewConversationID()
	}

	unlock := a.lockConversation(conversationID)
	defer unlock()

	state, err := a.store.GetOrCreate(ctx, userID, conversationID)
	if err != nil {
		return nil, NewStorageError("loading conversation state", err)
	}
	state.SetMaxHistory(a.config.MaxHistory)

	// A state with no history yet is a fresh conversation; it gets the
	// configured record limit instead of the package default.
	if len(state.History) == 0 {
		state.SetLimit(a.config.DefaultLimit)
	}

	if limit, ok := extraInt(req.Extra, "max_records"); ok {
		state.SetLimit(limit)
	}

	result := a.engine.RunTurn(ctx, state, req.Question)

	if err := a.store.Save(ctx, state); err != nil {
		// Losing this update would break the single-execution
		// invariant, so the failure is fatal for the turn.
		return nil, NewStorageError("persisting conversation state", err)
	}

	done := state.Execution.Ready && state.Execution.LastRunAt != nil

	resp := &AskResponse{
		Message:        result.Message,
		Done:           done,
		ConversationID: state.Meta.ConversationID,
		State:          projectState(state),
	}
	if result.Records != nil {
		records := result.Records
		if len(records) > a.config.RecordPreview {
			records = records[:a.config.RecordPreview]
		}
		resp.QueryResults = &QueryResults{
			Summary: state.Execution.ResultSummary,
			Count:   len(result.Records),
			Records: records,
		}
	}

	a.logger.Debug("turn complete",
		"conversation_id", state.Meta.ConversationID,
		"status", state.Conversation.Status,
		"done", done,
	)

	return resp, nil
}

// Store exposes the conversation store, for administrative handlers.
func (a *Agent) Store() ConversationStore {
	return a.store
}

func (a *Agent) lockConversation(conversationID string) func() {
	a.mu.Lock()
	lock, ok := a.locks[conversationID]
	if !ok {
		lock = &conversationLock{}
		a.locks[conversationID] = lock
	}
	lock.refs++
	a.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()

		a.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(a.locks, conversationID)
		}
		a.mu.Unlock()
	}
}

func projectState(state *ConversationState) StateView {
	var lastRunAt *string
	if state.Execution.LastRunAt != nil {
		formatted := state.Execution.LastRunAt.Format("2006-01-02T15:04:05Z07:00")
		lastRunAt = &formatted
	}

	return StateView{
		Status:          state.Conversation.Status,
		Step:            state.Conversation.Step,
		PendingQuestion: state.Conversation.PendingQuestion,
		QueryType:       state.Query.Type,
		QueryTable:      string(state.Query.Table),
		Filters:         state.Query.Filters.Map(),
		Issues:          state.Issues,
		ReadyToExecute:  state.Execution.Ready,
		Execution: ExecutionView{
			LastRunAt:     lastRunAt,
			ResultSummary: state.Execution.ResultSummary,
			Error:         state.Execution.Error,
		},
	}
}

func extraInt(extra map[string]any, key string) (int, bool) {
	if extra == nil {
		return 0, false
	}
	switch v := extra[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
