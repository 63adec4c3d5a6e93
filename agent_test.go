package campoquery

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func newTestAgent(t *testing.T, llm LLMClient, executor QueryExecutor, store ConversationStore) *Agent {
	t.Helper()
	agent, err := New(Config{
		LLM:      llm,
		Executor: executor,
		Store:    store,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return agent
}

func TestAskRequiresQuestion(t *testing.T) {
	agent := newTestAgent(t, &mockLLMClient{}, &fakeExecutor{}, nil)

	_, err := agent.Ask(context.Background(), AskRequest{Question: "   "})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if code := ErrorCode(err); code != ErrCodeValidation {
		t.Errorf("error code = %s, want %s", code, ErrCodeValidation)
	}
}

func TestAskTwoTurnConversation(t *testing.T) {
	llm := &mockLLMClient{results: []ChatCompletionResult{
		{
			Content: "¿De qué coordinador quieres los certificados?",
			ToolCalls: []LLMToolCall{{
				Name:      toolReportIssue,
				Arguments: `{"issue_type":"missing_filter","field":"coordinador","message":"falta el coordinador"}`,
			}},
		},
		{
			Content: "Perfecto, aquí están los certificados de Ana.",
			ToolCalls: []LLMToolCall{
				{Name: toolUpdateQueryState, Arguments: `{"table":"Certificados","filters":{"coordinador":"Ana"},"ready_to_execute":true}`},
				{Name: toolExecuteQuery, Arguments: `{"confirm":true}`},
			},
		},
	}}
	executor := &fakeExecutor{
		summary: "Encontré 3 certificados de recolección.",
		records: []Record{{ID: "r1"}, {ID: "r2"}, {ID: "r3"}},
	}
	agent := newTestAgent(t, llm, executor, nil)
	ctx := context.Background()

	first, err := agent.Ask(ctx, AskRequest{Question: "Quiero ver certificados", UserID: "maria"})
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if first.Done {
		t.Error("first turn should not be done")
	}
	if first.State.Status != StatusAwaitingClarification {
		t.Errorf("first turn status = %s", first.State.Status)
	}
	if len(first.State.Issues) != 1 {
		t.Errorf("first turn issues = %d", len(first.State.Issues))
	}
	if first.ConversationID == "" {
		t.Fatal("conversation id should be assigned")
	}

	second, err := agent.Ask(ctx, AskRequest{
		Question:       "Del coordinador Ana",
		UserID:         "maria",
		ConversationID: first.ConversationID,
	})
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if !second.Done {
		t.Error("second turn should be done")
	}
	if second.State.Status != StatusExecuted {
		t.Errorf("second turn status = %s", second.State.Status)
	}
	if executor.calls != 1 {
		t.Errorf("executor calls = %d, want 1", executor.calls)
	}
	if second.QueryResults == nil {
		t.Fatal("query results expected on the executing turn")
	}
	if second.QueryResults.Count != 3 {
		t.Errorf("count = %d, want 3", second.QueryResults.Count)
	}
	if second.QueryResults.Summary != executor.summary {
		t.Errorf("summary = %q", second.QueryResults.Summary)
	}
	if second.State.Execution.LastRunAt == nil {
		t.Error("last_run_at should be set")
	}
}

func TestAskDefaultsAnonymousUser(t *testing.T) {
	store := NewMemoryStore()
	agent := newTestAgent(t, &mockLLMClient{}, &fakeExecutor{}, store)

	resp, err := agent.Ask(context.Background(), AskRequest{Question: "hola"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}

	state, err := store.FindLatest(context.Background(), "anonimo")
	if err != nil {
		t.Fatalf("FindLatest: %v", err)
	}
	if state.Meta.ConversationID != resp.ConversationID {
		t.Errorf("stored conversation = %s, want %s", state.Meta.ConversationID, resp.ConversationID)
	}
}

func TestAskCapsRecordPreview(t *testing.T) {
	records := make([]Record, 25)
	for i := range records {
		records[i] = Record{ID: "r"}
	}
	executor := &fakeExecutor{summary: "Encontré 25 certificados de recolección.", records: records}
	llm := &mockLLMClient{results: []ChatCompletionResult{{
		ToolCalls: []LLMToolCall{
			{Name: toolUpdateQueryState, Arguments: `{"table":"Certificados","ready_to_execute":true}`},
			{Name: toolExecuteQuery, Arguments: `{"confirm":true}`},
		},
	}}}
	agent := newTestAgent(t, llm, executor, nil)

	resp, err := agent.Ask(context.Background(), AskRequest{Question: "todos los certificados"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if resp.QueryResults == nil {
		t.Fatal("query results expected")
	}
	if resp.QueryResults.Count != 25 {
		t.Errorf("count = %d, want 25", resp.QueryResults.Count)
	}
	if len(resp.QueryResults.Records) != 10 {
		t.Errorf("preview records = %d, want 10", len(resp.QueryResults.Records))
	}
}

func TestAskAppliesConfiguredDefaultLimit(t *testing.T) {
	executor := &fakeExecutor{summary: "Encontré 7 certificados de recolección.", records: []Record{{ID: "r1"}}}
	llm := &mockLLMClient{results: []ChatCompletionResult{{
		ToolCalls: []LLMToolCall{
			{Name: toolUpdateQueryState, Arguments: `{"table":"Certificados","ready_to_execute":true}`},
			{Name: toolExecuteQuery, Arguments: `{"confirm":true}`},
		},
	}}}
	agent, err := New(Config{
		LLM:          llm,
		Executor:     executor,
		DefaultLimit: 7,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := agent.Ask(context.Background(), AskRequest{Question: "certificados"}); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if executor.lastQ.Limit != 7 {
		t.Errorf("executed limit = %d, want 7", executor.lastQ.Limit)
	}
}

func TestAskDefaultLimitDoesNotClobberOverride(t *testing.T) {
	executor := &fakeExecutor{summary: "Encontré 1 certificado de recolección.", records: []Record{{ID: "r1"}}}
	llm := &mockLLMClient{results: []ChatCompletionResult{
		{Content: "¿Algo más?"},
		{ToolCalls: []LLMToolCall{
			{Name: toolUpdateQueryState, Arguments: `{"table":"Certificados","ready_to_execute":true}`},
			{Name: toolExecuteQuery, Arguments: `{"confirm":true}`},
		}},
	}}
	agent, err := New(Config{
		LLM:          llm,
		Executor:     executor,
		DefaultLimit: 7,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	first, err := agent.Ask(ctx, AskRequest{
		Question: "certificados",
		Extra:    map[string]any{"max_records": 3},
	})
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}

	// The per-request override survives into the next turn; the
	// configured default only seeds fresh conversations.
	if _, err := agent.Ask(ctx, AskRequest{
		Question:       "ejecuta",
		ConversationID: first.ConversationID,
	}); err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if executor.lastQ.Limit != 3 {
		t.Errorf("executed limit = %d, want 3", executor.lastQ.Limit)
	}
}

func TestAskMaxRecordsOverride(t *testing.T) {
	executor := &fakeExecutor{summary: "Encontré 1 certificado de recolección.", records: []Record{{ID: "r1"}}}
	llm := &mockLLMClient{results: []ChatCompletionResult{{
		ToolCalls: []LLMToolCall{
			{Name: toolUpdateQueryState, Arguments: `{"table":"Certificados","ready_to_execute":true}`},
			{Name: toolExecuteQuery, Arguments: `{"confirm":true}`},
		},
	}}}
	agent := newTestAgent(t, llm, executor, nil)

	_, err := agent.Ask(context.Background(), AskRequest{
		Question: "dame cinco",
		Extra:    map[string]any{"max_records": float64(5)},
	})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if executor.lastQ.Limit != 5 {
		t.Errorf("executed limit = %d, want 5", executor.lastQ.Limit)
	}
}

// failingSaveStore wraps the memory store and fails every Save.
type failingSaveStore struct {
	ConversationStore
}

func (f *failingSaveStore) Save(ctx context.Context, state *ConversationState) error {
	return errors.New("disk full")
}

func TestAskSaveFailureIsFatal(t *testing.T) {
	store := &failingSaveStore{ConversationStore: NewMemoryStore()}
	agent := newTestAgent(t, &mockLLMClient{}, &fakeExecutor{}, store)

	_, err := agent.Ask(context.Background(), AskRequest{Question: "hola"})
	if err == nil {
		t.Fatal("expected storage error")
	}
	if code := ErrorCode(err); code != ErrCodeStorage {
		t.Errorf("error code = %s, want %s", code, ErrCodeStorage)
	}
}

func TestConversationLocksReleased(t *testing.T) {
	agent := newTestAgent(t, &mockLLMClient{}, &fakeExecutor{}, nil)
	ctx := context.Background()

	for _, id := range []string{"c1", "c2", "c3"} {
		if _, err := agent.Ask(ctx, AskRequest{Question: "hola", ConversationID: id}); err != nil {
			t.Fatalf("Ask(%s): %v", id, err)
		}
	}

	agent.mu.Lock()
	remaining := len(agent.locks)
	agent.mu.Unlock()
	if remaining != 0 {
		t.Errorf("lock entries after idle = %d, want 0", remaining)
	}
}

func TestConversationLocksSerializeTurns(t *testing.T) {
	agent := newTestAgent(t, &mockLLMClient{}, &fakeExecutor{}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			agent.Ask(context.Background(), AskRequest{Question: "hola", ConversationID: "c1"})
		}()
	}
	wg.Wait()

	agent.mu.Lock()
	remaining := len(agent.locks)
	agent.mu.Unlock()
	if remaining != 0 {
		t.Errorf("lock entries after idle = %d, want 0", remaining)
	}

	state, err := agent.Store().GetOrCreate(context.Background(), "anonimo", "c1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	// 8 serialized turns, 2 history entries each, capped at 10.
	if len(state.History) != 10 {
		t.Errorf("history = %d, want 10", len(state.History))
	}
}

func TestNewRequiresLLM(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected configuration error")
	}
}
