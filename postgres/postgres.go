// Package postgres provides a PostgreSQL-backed conversation store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	campoquery "github.com/campolimpio/campoquery"
)

// Store implements campoquery.ConversationStore with PostgreSQL. One
// row per conversation id: the serialized state blob plus denormalized
// status and timestamps for fast filtering.
type Store struct {
	pool      *pgxpool.Pool
	tableName string
}

// Option configures the store.
type Option func(*Store)

// WithTableName sets a custom table name.
func WithTableName(name string) Option {
	return func(s *Store) {
		s.tableName = name
	}
}

// New creates a new PostgreSQL conversation store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:      pool,
		tableName: "conversations",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) GetOrCreate(ctx context.Context, userID, conversationID string) (*campoquery.ConversationState, error) {
	if conversationID != "" {
		state, err := s.get(ctx, userID, conversationID)
		if err != nil {
			return nil, err
		}
		if state != nil {
			return state, nil
		}
	}

	state := campoquery.NewConversationState(userID, conversationID)
	if err := s.Save(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *Store) get(ctx context.Context, userID, conversationID string) (*campoquery.ConversationState, error) {
	query := fmt.Sprintf(`
		SELECT state
		FROM %s
		WHERE user_id = $1 AND conversation_id = $2
	`, s.tableName)

	var stateJSON []byte
	err := s.pool.QueryRow(ctx, query, userID, conversationID).Scan(&stateJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	return decodeState(stateJSON)
}

func (s *Store) Save(ctx context.Context, state *campoquery.ConversationState) error {
	snapshot, err := state.ToMap()
	if err != nil {
		return fmt.Errorf("serializing state: %w", err)
	}
	stateJSON, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (user_id, conversation_id, state, status, started_at, last_update_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (conversation_id) DO UPDATE SET
			state = EXCLUDED.state,
			status = EXCLUDED.status,
			last_update_at = EXCLUDED.last_update_at
	`, s.tableName)

	_, err = s.pool.Exec(ctx, query,
		state.Meta.UserID,
		state.Meta.ConversationID,
		stateJSON,
		string(state.Conversation.Status),
		state.Meta.StartedAt,
		state.Meta.LastUpdateAt,
	)
	if err != nil {
		return fmt.Errorf("saving conversation: %w", err)
	}
	return nil
}

func (s *Store) FindLatest(ctx context.Context, userID string) (*campoquery.ConversationState, error) {
	query := fmt.Sprintf(`
		SELECT state
		FROM %s
		WHERE user_id = $1
		ORDER BY last_update_at DESC
		LIMIT 1
	`, s.tableName)

	var stateJSON []byte
	err := s.pool.QueryRow(ctx, query, userID).Scan(&stateJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, campoquery.ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	return decodeState(stateJSON)
}

func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]*campoquery.ConversationState, error) {
	if limit <= 0 {
		limit = 10
	}

	query := fmt.Sprintf(`
		SELECT state
		FROM %s
		WHERE user_id = $1
		ORDER BY last_update_at DESC
		LIMIT $2
	`, s.tableName)

	rows, err := s.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var states []*campoquery.ConversationState
	for rows.Next() {
		var stateJSON []byte
		if err := rows.Scan(&stateJSON); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		state, err := decodeState(stateJSON)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

func (s *Store) Delete(ctx context.Context, conversationID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE conversation_id = $1`, s.tableName)
	tag, err := s.pool.Exec(ctx, query, conversationID)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return campoquery.ErrConversationNotFound
	}
	return nil
}

func decodeState(stateJSON []byte) (*campoquery.ConversationState, error) {
	var snapshot map[string]any
	if err := json.Unmarshal(stateJSON, &snapshot); err != nil {
		return nil, fmt.Errorf("unmarshaling state: %w", err)
	}
	state, err := campoquery.FromMap(snapshot)
	if err != nil {
		return nil, fmt.Errorf("reconstructing state: %w", err)
	}
	return state, nil
}

// Migration returns the SQL to create the conversations table.
func Migration(tableName string) string {
	if tableName == "" {
		tableName = "conversations"
	}
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			user_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL UNIQUE,
			state JSONB NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			last_update_at TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_%s_user_id ON %s (user_id);
		CREATE INDEX IF NOT EXISTS idx_%s_last_update ON %s (last_update_at DESC);
	`, tableName, tableName, tableName, tableName, tableName)
}
