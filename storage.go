package campoquery

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ConversationStore persists conversation state between turns. A
// persistence failure is fatal for the turn: implementations must
// return it, never drop state silently.
type ConversationStore interface {
	// GetOrCreate returns the state for (userID, conversationID). When
	// conversationID is empty or unknown, a new state is created,
	// persisted immediately and returned.
	GetOrCreate(ctx context.Context, userID, conversationID string) (*ConversationState, error)

	// Save upserts the state keyed by conversation id.
	Save(ctx context.Context, state *ConversationState) error

	// FindLatest returns the most recently updated state for a user,
	// or ErrConversationNotFound.
	FindLatest(ctx context.Context, userID string) (*ConversationState, error)

	// ListByUser returns up to limit states for a user, most recent
	// first.
	ListByUser(ctx context.Context, userID string, limit int) ([]*ConversationState, error)

	// Delete removes a conversation. Administrative purge only.
	Delete(ctx context.Context, conversationID string) error
}

// memoryStore is an in-memory conversation store. Snapshots are stored
// serialized so callers never share live state across turns.
type memoryStore struct {
	mu     sync.RWMutex
	states map[string]map[string]any
}

// NewMemoryStore creates a new in-memory conversation store.
func NewMemoryStore() ConversationStore {
	return &memoryStore{
		states: make(map[string]map[string]any),
	}
}

func (s *memoryStore) GetOrCreate(ctx context.Context, userID, conversationID string) (*ConversationState, error) {
	if conversationID != "" {
		s.mu.RLock()
		snapshot, ok := s.states[conversationID]
		s.mu.RUnlock()
		if ok {
			return FromMap(snapshot)
		}
	}

	state := NewConversationState(userID, conversationID)
	if err := s.Save(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *memoryStore) Save(ctx context.Context, state *ConversationState) error {
	snapshot, err := state.ToMap()
	if err != nil {
		return NewStorageError("serializing state", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.Meta.ConversationID] = snapshot
	return nil
}

func (s *memoryStore) FindLatest(ctx context.Context, userID string) (*ConversationState, error) {
	states, err := s.ListByUser(ctx, userID, 1)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, ErrConversationNotFound
	}
	return states[0], nil
}

func (s *memoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var states []*ConversationState
	for _, snapshot := range s.states {
		state, err := FromMap(snapshot)
		if err != nil {
			return nil, NewStorageError(fmt.Sprintf("corrupt state snapshot for user %s", userID), err)
		}
		if state.Meta.UserID == userID {
			states = append(states, state)
		}
	}

	sort.Slice(states, func(i, j int) bool {
		return states[i].Meta.LastUpdateAt.After(states[j].Meta.LastUpdateAt)
	})
	if limit > 0 && len(states) > limit {
		states = states[:limit]
	}
	return states, nil
}

func (s *memoryStore) Delete(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.states[conversationID]; !ok {
		return ErrConversationNotFound
	}
	delete(s.states, conversationID)
	return nil
}
