package campoquery

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a conversation's current query.
type Status string

const (
	// StatusBuilding means the query intent is still being assembled.
	StatusBuilding Status = "building"

	// StatusAwaitingClarification means the agent asked the user for
	// missing or ambiguous information.
	StatusAwaitingClarification Status = "awaiting_clarification"

	// StatusReadyToExecute means the accumulated intent is sufficient
	// to run the query.
	StatusReadyToExecute Status = "ready_to_execute"

	// StatusExecuted means the query ran successfully. Terminal for
	// this logical query.
	StatusExecuted Status = "executed"

	// StatusCancelled means the query failed or was abandoned.
	// Terminal for this logical query.
	StatusCancelled Status = "cancelled"
)

// IsValid reports whether s is one of the defined statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusBuilding, StatusAwaitingClarification, StatusReadyToExecute,
		StatusExecuted, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether s ends the current logical query.
func (s Status) IsTerminal() bool {
	return s == StatusExecuted || s == StatusCancelled
}

// IssueKind classifies a problem detected while building a query.
type IssueKind string

const (
	IssueMissingFilter     IssueKind = "missing_filter"
	IssueAmbiguousTerm     IssueKind = "ambiguous_term"
	IssueInvalidField      IssueKind = "invalid_field"
	IssueImpossibleRequest IssueKind = "impossible_request"
)

// Table identifies one of the queryable Airtable tables.
type Table string

const (
	TableCertificados Table = "Certificados"
	TableKardex       Table = "Kardex"
)

// Message roles in the conversation history.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// DefaultMaxHistory is the history cap applied when none is configured.
const DefaultMaxHistory = 10

// DefaultRecordLimit is the record limit applied to new queries.
const DefaultRecordLimit = 100

// Meta holds conversation identity and timestamps.
type Meta struct {
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	StartedAt      time.Time `json:"started_at"`
	LastUpdateAt   time.Time `json:"last_update_at"`
	Language       string    `json:"language"`
}

// Dialogue tracks the conversational progress of the current query.
type Dialogue struct {
	Status           Status `json:"status"`
	Step             string `json:"step,omitempty"`
	PendingQuestion  string `json:"pending_question,omitempty"`
	LastUserMessage  string `json:"last_user_message,omitempty"`
	LastAgentMessage string `json:"last_agent_message,omitempty"`
}

// Filter is one accumulated query constraint.
type Filter struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Filters is an insertion-ordered set of constraints. Order matters:
// the compiled filter formula preserves it.
type Filters []Filter

// Set adds a filter or overwrites an existing key in place.
func (f Filters) Set(key, value string) Filters {
	for i := range f {
		if f[i].Key == key {
			f[i].Value = value
			return f
		}
	}
	return append(f, Filter{Key: key, Value: value})
}

// Get returns the value for key.
func (f Filters) Get(key string) (string, bool) {
	for _, e := range f {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// Remove deletes key if present.
func (f Filters) Remove(key string) Filters {
	for i := range f {
		if f[i].Key == key {
			return append(f[:i], f[i+1:]...)
		}
	}
	return f
}

// Map returns the filters as a plain mapping, losing order.
func (f Filters) Map() map[string]string {
	m := make(map[string]string, len(f))
	for _, e := range f {
		m[e.Key] = e.Value
	}
	return m
}

// SortSpec is one sort criterion for the record query.
type SortSpec struct {
	Field     string `json:"field"`
	Direction string `json:"direction"`
}

// QueryIntent accumulates the not-yet-executed query constraints.
type QueryIntent struct {
	Type      string     `json:"type,omitempty"`
	Table     Table      `json:"table,omitempty"`
	Filters   Filters    `json:"filters"`
	Fields    []string   `json:"fields,omitempty"`
	Sort      []SortSpec `json:"sort,omitempty"`
	Limit     int        `json:"limit"`
	Validated bool       `json:"validated"`
}

// Issue is a structured note of missing, invalid or ambiguous
// information blocking execution.
type Issue struct {
	Kind       IssueKind `json:"kind"`
	Field      string    `json:"field,omitempty"`
	Message    string    `json:"message,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
}

// Execution records whether and how the current query ran.
type Execution struct {
	Ready         bool       `json:"ready"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	ResultSummary string     `json:"result_summary,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// HistoryEntry is one message in the bounded conversation history.
type HistoryEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationState is the durable representation of one conversation's
// progress: identity, status, accumulated query intent, detected issues,
// execution record and bounded message history.
//
// All mutators are synchronous, touch Meta.LastUpdateAt and have no
// side effects beyond the state object. The turn orchestrator owns the
// instance for the duration of one turn; the store is the source of
// truth between turns.
type ConversationState struct {
	Meta         Meta           `json:"meta"`
	Conversation Dialogue       `json:"conversation"`
	Query        QueryIntent    `json:"query"`
	Issues       []Issue        `json:"issues"`
	Execution    Execution      `json:"execution"`
	History      []HistoryEntry `json:"history"`

	maxHistory int
}

// NewConversationState creates a fresh state for a user. A conversation
// id is generated when none is given.
func NewConversationState(userID, conversationID string) *ConversationState {
	if conversationID == "" {
		conversationID = uuid.New().String()
	}
	now := time.Now().UTC()
	return &ConversationState{
		Meta: Meta{
			UserID:         userID,
			ConversationID: conversationID,
			StartedAt:      now,
			LastUpdateAt:   now,
			Language:       "es",
		},
		Conversation: Dialogue{Status: StatusBuilding},
		Query: QueryIntent{
			Filters: Filters{},
			Limit:   DefaultRecordLimit,
		},
		Issues:     []Issue{},
		History:    []HistoryEntry{},
		maxHistory: DefaultMaxHistory,
	}
}

// SetMaxHistory overrides the history cap. Values <= 0 keep the default.
func (s *ConversationState) SetMaxHistory(n int) {
	if n > 0 {
		s.maxHistory = n
	}
}

func (s *ConversationState) touch() {
	s.Meta.LastUpdateAt = time.Now().UTC()
}

// UpdateStatus moves the conversation to the given status.
func (s *ConversationState) UpdateStatus(status Status) {
	s.Conversation.Status = status
	s.touch()
}

// UpdateStep records the current conversation step (tipo_reporte,
// periodo, region, ...).
func (s *ConversationState) UpdateStep(step string) {
	s.Conversation.Step = step
	s.touch()
}

// SetPendingQuestion records a question the agent is waiting on and
// moves the conversation to awaiting_clarification.
func (s *ConversationState) SetPendingQuestion(question string) {
	s.Conversation.PendingQuestion = question
	s.UpdateStatus(StatusAwaitingClarification)
}

// ClearPendingQuestion clears the pending question.
func (s *ConversationState) ClearPendingQuestion() {
	s.Conversation.PendingQuestion = ""
	s.touch()
}

// UpdateQueryType sets the query type and, when given, the target table.
func (s *ConversationState) UpdateQueryType(queryType string, table Table) {
	s.Query.Type = queryType
	if table != "" {
		s.Query.Table = table
	}
	s.touch()
}

// AddFilter adds or overwrites one query filter.
func (s *ConversationState) AddFilter(key, value string) {
	s.Query.Filters = s.Query.Filters.Set(key, value)
	s.touch()
}

// RemoveFilter deletes one query filter.
func (s *ConversationState) RemoveFilter(key string) {
	s.Query.Filters = s.Query.Filters.Remove(key)
	s.touch()
}

// SetFields sets the fields the query should return.
func (s *ConversationState) SetFields(fields []string) {
	s.Query.Fields = fields
	s.touch()
}

// SetSort sets the sort spec for the query.
func (s *ConversationState) SetSort(sort []SortSpec) {
	s.Query.Sort = sort
	s.touch()
}

// SetLimit sets the record limit for the query.
func (s *ConversationState) SetLimit(limit int) {
	s.Query.Limit = limit
	s.touch()
}

// ValidateQuery marks the accumulated intent as sufficient to execute.
func (s *ConversationState) ValidateQuery() {
	s.Query.Validated = true
	s.Execution.Ready = true
	s.UpdateStatus(StatusReadyToExecute)
}

// AddIssue records a detected problem.
func (s *ConversationState) AddIssue(kind IssueKind, field, message string) {
	s.Issues = append(s.Issues, Issue{
		Kind:       kind,
		Field:      field,
		Message:    message,
		DetectedAt: time.Now().UTC(),
	})
	s.touch()
}

// ClearIssues drops all recorded issues.
func (s *ConversationState) ClearIssues() {
	s.Issues = []Issue{}
	s.touch()
}

// AddMessage appends a message to the history, evicting the oldest
// entries past the cap, and updates the last-message fields.
func (s *ConversationState) AddMessage(role, content string) {
	s.History = append(s.History, HistoryEntry{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})

	limit := s.maxHistory
	if limit <= 0 {
		limit = DefaultMaxHistory
	}
	if len(s.History) > limit {
		s.History = s.History[len(s.History)-limit:]
	}

	switch role {
	case RoleUser:
		s.Conversation.LastUserMessage = content
	case RoleAgent:
		s.Conversation.LastAgentMessage = content
	}
	s.touch()
}

// MarkExecuted records the outcome of a query run. LastRunAt is set
// here and never cleared except by ResetForNewQuery.
func (s *ConversationState) MarkExecuted(resultSummary, execError string) {
	now := time.Now().UTC()
	s.Execution.LastRunAt = &now
	s.Execution.ResultSummary = resultSummary
	s.Execution.Error = execError

	if execError != "" {
		s.UpdateStatus(StatusCancelled)
	} else {
		s.UpdateStatus(StatusExecuted)
	}
}

// Executed reports whether the current logical query already ran.
func (s *ConversationState) Executed() bool {
	return s.Execution.LastRunAt != nil
}

// ResetForNewQuery clears query, issues and execution for a fresh
// query, keeping meta and history for conversational continuity.
func (s *ConversationState) ResetForNewQuery() {
	s.Conversation.Status = StatusBuilding
	s.Conversation.Step = ""
	s.Conversation.PendingQuestion = ""

	s.Query = QueryIntent{
		Filters: Filters{},
		Limit:   DefaultRecordLimit,
	}
	s.Issues = []Issue{}
	s.Execution = Execution{}

	s.touch()
}

// ContextSummary renders the current state as a one-line summary the
// dialogue engine embeds in the model prompt.
func (s *ConversationState) ContextSummary() string {
	parts := []string{fmt.Sprintf("Estado: %s", s.Conversation.Status)}

	if s.Query.Type != "" {
		parts = append(parts, fmt.Sprintf("Tipo de consulta: %s", s.Query.Type))
	}
	if s.Query.Table != "" {
		parts = append(parts, fmt.Sprintf("Tabla: %s", s.Query.Table))
	}
	if len(s.Query.Filters) > 0 {
		var fs string
		for i, f := range s.Query.Filters {
			if i > 0 {
				fs += ", "
			}
			fs += fmt.Sprintf("%s=%s", f.Key, f.Value)
		}
		parts = append(parts, fmt.Sprintf("Filtros: %s", fs))
	}
	if len(s.Issues) > 0 {
		var is string
		for i, issue := range s.Issues {
			if i > 0 {
				is += ", "
			}
			is += string(issue.Kind)
		}
		parts = append(parts, fmt.Sprintf("Issues: %s", is))
	}
	if s.Conversation.PendingQuestion != "" {
		parts = append(parts, fmt.Sprintf("Esperando respuesta a: %s", s.Conversation.PendingQuestion))
	}

	out := parts[0]
	for _, p := range parts[1:] {
		out += " | " + p
	}
	return out
}

// ToMap serializes the state to a plain JSON-compatible mapping.
func (s *ConversationState) ToMap() (map[string]any, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshaling state: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshaling state map: %w", err)
	}
	return m, nil
}

// FromMap reconstructs an equivalent state from a mapping produced by
// ToMap. The round trip is lossless.
func FromMap(m map[string]any) (*ConversationState, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling state map: %w", err)
	}
	state := &ConversationState{maxHistory: DefaultMaxHistory}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("unmarshaling state: %w", err)
	}
	if !state.Conversation.Status.IsValid() {
		return nil, fmt.Errorf("invalid conversation status %q", state.Conversation.Status)
	}
	if state.Query.Filters == nil {
		state.Query.Filters = Filters{}
	}
	if state.Issues == nil {
		state.Issues = []Issue{}
	}
	if state.History == nil {
		state.History = []HistoryEntry{}
	}
	return state, nil
}

// NewConversationID generates a new conversation id.
func NewConversationID() string {
	return uuid.New().String()
}
