// Package envstore persists workspace environments, including the variables
// and secrets scripts modify at run time.
package envstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/yasumu/tanxium/internal/scriptctx"
)

const DefaultMaxBytes = 1 << 20 // 1 MiB

var (
	ErrEnvironmentNotFound = errors.New("environment not found")
	ErrEnvironmentTooLarge = errors.New("environment too large")
)

type Store struct {
	db       *sql.DB
	maxBytes int
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, maxBytes: DefaultMaxBytes}
}

// Get returns the stored environment with id.
func (s *Store) Get(ctx context.Context, id string) (*scriptctx.EnvironmentData, error) {
	if id == "" {
		return nil, fmt.Errorf("environment id is empty")
	}

	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM environments WHERE id = ?;", id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEnvironmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	var env scriptctx.EnvironmentData
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("stored environment %q is invalid JSON: %w", id, err)
	}
	return &env, nil
}

// Put replaces the stored environment with env.
func (s *Store) Put(ctx context.Context, env *scriptctx.EnvironmentData) error {
	if env == nil || env.ID == "" {
		return fmt.Errorf("environment id is empty")
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal environment: %w", err)
	}
	if len(data) > s.maxBytes {
		return fmt.Errorf("%w: exceeds %d bytes", ErrEnvironmentTooLarge, s.maxBytes)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
INSERT INTO environments(id, name, data, updated_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  name = excluded.name,
  data = excluded.data,
  updated_at = excluded.updated_at;
`, env.ID, env.Name, string(data), now)
	if err != nil {
		return fmt.Errorf("upsert environment: %w", err)
	}
	return nil
}

// Delete removes the environment with id. Deleting a missing environment is
// not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM environments WHERE id = ?;", id); err != nil {
		return fmt.Errorf("delete environment: %w", err)
	}
	return nil
}
