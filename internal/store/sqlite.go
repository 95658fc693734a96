package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lance13c/browzer/internal/types"
)

// SQLiteStore keeps workflows and recordings as JSON documents in SQLite,
// with the list columns broken out
type SQLiteStore struct {
	conn *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps :memory: databases shared and writes serialized
	conn.SetMaxOpenConns(1)

	db := &SQLiteStore{conn: conn}
	if err := db.initSchema(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

func (db *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		version INTEGER NOT NULL,
		step_count INTEGER NOT NULL,
		body TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS recordings (
		id TEXT PRIMARY KEY,
		name TEXT,
		start_url TEXT,
		action_count INTEGER NOT NULL,
		body TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_workflows_name ON workflows(name);
	CREATE INDEX IF NOT EXISTS idx_workflows_updated_at ON workflows(updated_at);
	CREATE INDEX IF NOT EXISTS idx_recordings_started_at ON recordings(started_at);
	`
	_, err := db.conn.ExecContext(ctx, schema)
	return err
}

// SaveWorkflow inserts or replaces w
func (db *SQLiteStore) SaveWorkflow(ctx context.Context, w *types.WorkflowDefinition) error {
	if err := validID(w.ID); err != nil {
		return err
	}
	body, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}
	query := `
		INSERT INTO workflows (id, name, version, step_count, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			version = excluded.version,
			step_count = excluded.step_count,
			body = excluded.body,
			updated_at = excluded.updated_at
	`
	_, err = db.conn.ExecContext(ctx, query,
		w.ID,
		w.Name,
		w.Version,
		len(w.Steps),
		string(body),
		w.CreatedAt.UTC(),
		w.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	return nil
}

// LoadWorkflow returns the workflow with id
func (db *SQLiteStore) LoadWorkflow(ctx context.Context, id string) (*types.WorkflowDefinition, error) {
	var body string
	err := db.conn.QueryRowContext(ctx, `SELECT body FROM workflows WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	var w types.WorkflowDefinition
	if err := json.Unmarshal([]byte(body), &w); err != nil {
		return nil, fmt.Errorf("failed to decode workflow %s: %w", id, err)
	}
	return &w, nil
}

// ListWorkflows returns summaries, newest first
func (db *SQLiteStore) ListWorkflows(ctx context.Context) ([]types.WorkflowSummary, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, name, version, step_count, updated_at
		FROM workflows
		ORDER BY updated_at DESC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var out []types.WorkflowSummary
	for rows.Next() {
		var s types.WorkflowSummary
		var updated time.Time
		if err := rows.Scan(&s.ID, &s.Name, &s.Version, &s.Steps, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		s.UpdatedAt = updated
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteWorkflow removes the workflow with id
func (db *SQLiteStore) DeleteWorkflow(ctx context.Context, id string) error {
	return db.deleteRow(ctx, "workflows", "workflow", id)
}

// SaveRecording inserts or replaces r
func (db *SQLiteStore) SaveRecording(ctx context.Context, r *types.Recording) error {
	if err := validID(r.ID); err != nil {
		return err
	}
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal recording: %w", err)
	}
	query := `
		INSERT INTO recordings (id, name, start_url, action_count, body, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			start_url = excluded.start_url,
			action_count = excluded.action_count,
			body = excluded.body
	`
	_, err = db.conn.ExecContext(ctx, query,
		r.ID,
		r.Name,
		r.StartURL,
		len(r.Actions),
		string(body),
		r.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save recording: %w", err)
	}
	return nil
}

// LoadRecording returns the recording with id
func (db *SQLiteStore) LoadRecording(ctx context.Context, id string) (*types.Recording, error) {
	var body string
	err := db.conn.QueryRowContext(ctx, `SELECT body FROM recordings WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("recording %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recording: %w", err)
	}
	var r types.Recording
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("failed to decode recording %s: %w", id, err)
	}
	return &r, nil
}

// ListRecordings returns summaries, newest first
func (db *SQLiteStore) ListRecordings(ctx context.Context) ([]types.RecordingSummary, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, COALESCE(name, ''), action_count, started_at
		FROM recordings
		ORDER BY started_at DESC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}
	defer rows.Close()

	var out []types.RecordingSummary
	for rows.Next() {
		var s types.RecordingSummary
		if err := rows.Scan(&s.ID, &s.Name, &s.Actions, &s.StartedAt); err != nil {
			return nil, fmt.Errorf("failed to scan recording: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteRecording removes the recording with id
func (db *SQLiteStore) DeleteRecording(ctx context.Context, id string) error {
	return db.deleteRow(ctx, "recordings", "recording", id)
}

func (db *SQLiteStore) deleteRow(ctx context.Context, table, kind, id string) error {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

// Close closes the database connection
func (db *SQLiteStore) Close() error {
	return db.conn.Close()
}
