// Package runlog records every script execution in SQLite so that the
// renderer can show past runs of a workspace.
package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const maxErrorBytes = 64 * 1024

// timeLayout is fixed width so that stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var ErrRunNotFound = errors.New("run not found")

// Run is one recorded script execution.
type Run struct {
	ID               string          `json:"id"`
	WorkspaceID      string          `json:"workspaceId"`
	EntityID         string          `json:"entityId"`
	InvocationTarget string          `json:"invocationTarget"`
	ContextType      string          `json:"contextType"`
	Module           string          `json:"module,omitempty"`
	Success          bool            `json:"success"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`
	StartedAt        time.Time       `json:"startedAt"`
	Duration         time.Duration   `json:"durationMs"`
}

// MarshalJSON reports Duration in milliseconds.
func (r Run) MarshalJSON() ([]byte, error) {
	type alias Run
	return json.Marshal(struct {
		alias
		Duration int64 `json:"durationMs"`
	}{alias: alias(r), Duration: r.Duration.Milliseconds()})
}

type Log struct {
	db *sql.DB
}

func New(db *sql.DB) *Log {
	return &Log{db: db}
}

// Record stores r, assigning an ID and start time when they are empty, and
// returns the stored ID.
func (l *Log) Record(ctx context.Context, r Run) (string, error) {
	if r.WorkspaceID == "" {
		return "", fmt.Errorf("workspace id is empty")
	}
	if r.InvocationTarget == "" {
		return "", fmt.Errorf("invocation target is empty")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}

	var result any
	if len(r.Result) > 0 {
		result = string(r.Result)
	}
	var errText any
	if r.Error != "" {
		s := r.Error
		if len(s) > maxErrorBytes {
			s = s[:maxErrorBytes]
		}
		errText = s
	}

	_, err := l.db.ExecContext(ctx, `
INSERT INTO script_runs(
  id, workspace_id, entity_id, invocation_target, context_type, module,
  success, result, error, started_at, duration_ms
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, r.ID, r.WorkspaceID, r.EntityID, r.InvocationTarget, r.ContextType, r.Module,
		r.Success, result, errText, r.StartedAt.UTC().Format(timeLayout), r.Duration.Milliseconds())
	if err != nil {
		return "", fmt.Errorf("record run: %w", err)
	}
	return r.ID, nil
}

const selectRun = `
SELECT id, workspace_id, entity_id, invocation_target, context_type, module,
  success, result, error, started_at, duration_ms
FROM script_runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		r          Run
		module     sql.NullString
		result     sql.NullString
		errText    sql.NullString
		startedAtS string
		durationMs int64
	)
	if err := row.Scan(
		&r.ID, &r.WorkspaceID, &r.EntityID, &r.InvocationTarget, &r.ContextType, &module,
		&r.Success, &result, &errText, &startedAtS, &durationMs,
	); err != nil {
		return nil, err
	}
	r.Module = module.String
	if result.Valid {
		r.Result = json.RawMessage(result.String)
	}
	r.Error = errText.String
	if t, err := time.Parse(timeLayout, startedAtS); err == nil {
		r.StartedAt = t
	}
	r.Duration = time.Duration(durationMs) * time.Millisecond
	return &r, nil
}

// Get returns the run with id.
func (l *Log) Get(ctx context.Context, id string) (*Run, error) {
	r, err := scanRun(l.db.QueryRowContext(ctx, selectRun+` WHERE id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// List returns the newest runs of a workspace, newest first. A limit <= 0
// means 50.
func (l *Log) List(ctx context.Context, workspaceID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, selectRun+`
WHERE workspace_id = ?
ORDER BY started_at DESC, rowid DESC
LIMIT ?;`, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

// Prune deletes runs that started before now-retention and returns how many
// were removed. A retention <= 0 keeps everything.
func (l *Log) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-retention).UTC().Format(timeLayout)
	res, err := l.db.ExecContext(ctx, `DELETE FROM script_runs WHERE started_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}
