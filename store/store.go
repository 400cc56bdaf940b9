// Package store persists automations, scripts, executions, watcher state,
// and review tasks in a single SQLite database. Execution records are
// append-only: once written they are never modified.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/deepnoodle-ai/relay/automation"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrScriptInUse rejects deleting a script still referenced by an
	// automation.
	ErrScriptInUse = errors.New("script is referenced by an automation")
)

// Options configures the SQLite store.
type Options struct {
	QueryTimeout      time.Duration
	PragmaJournalMode string
	PragmaSyncMode    string
	MaxConnections    int
}

func DefaultOptions() Options {
	return Options{
		QueryTimeout:      30 * time.Second,
		PragmaJournalMode: "WAL",
		PragmaSyncMode:    "NORMAL",
		MaxConnections:    10,
	}
}

// Store is a SQLite-backed implementation of the engine's Store and
// ScriptStore contracts and the watcher's StateStore.
type Store struct {
	db      *sql.DB
	options Options
}

func New(dbPath string, options Options) (*Store, error) {
	if options.QueryTimeout == 0 {
		options = DefaultOptions()
	}
	s := &Store{options: options}
	if err := s.initialize(dbPath); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	return s, nil
}

func (s *Store) initialize(dbPath string) error {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(%s)&_pragma=synchronous(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)",
		dbPath, s.options.PragmaJournalMode, s.options.PragmaSyncMode)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(s.options.MaxConnections)
	db.SetMaxIdleConns(s.options.MaxConnections / 2)
	db.SetConnMaxLifetime(time.Hour)
	s.db = db

	ctx, cancel := context.WithTimeout(context.Background(), s.options.QueryTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return s.createSchema(ctx)
}

func (s *Store) createSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS automations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		version INTEGER NOT NULL,
		spec JSON NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_automations_status ON automations(status);

	CREATE TABLE IF NOT EXISTS scripts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		origin TEXT NOT NULL,
		content TEXT NOT NULL,
		previous_content TEXT,
		content_hash TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS script_refs (
		script_id TEXT NOT NULL,
		automation_id TEXT NOT NULL,
		PRIMARY KEY (script_id, automation_id)
	);
	CREATE INDEX IF NOT EXISTS idx_script_refs_automation ON script_refs(automation_id);

	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		automation_id TEXT NOT NULL,
		automation_version INTEGER NOT NULL,
		status TEXT NOT NULL,
		record JSON NOT NULL,
		triggered_at DATETIME NOT NULL,
		completed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_executions_automation ON executions(automation_id, triggered_at);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);

	CREATE TABLE IF NOT EXISTS watcher_states (
		automation_id TEXT PRIMARY KEY,
		state JSON NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS review_tasks (
		id TEXT PRIMARY KEY,
		automation_id TEXT NOT NULL,
		execution_id TEXT NOT NULL,
		action_id TEXT,
		message TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		resolved_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_review_tasks_open ON review_tasks(automation_id) WHERE resolved_at IS NULL;
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveAutomation upserts a spec and rebuilds its script references from the
// current action list.
func (s *Store) SaveAutomation(ctx context.Context, spec *automation.Spec) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("failed to encode automation: %w", err)
	}
	now := time.Now()
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = now
	}
	if spec.UpdatedAt.IsZero() {
		spec.UpdatedAt = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO automations (id, name, status, version, spec, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			version = excluded.version,
			spec = excluded.spec,
			updated_at = excluded.updated_at`,
		spec.ID, spec.Name, string(spec.Status), spec.Version, string(data),
		spec.CreatedAt, spec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save automation: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM script_refs WHERE automation_id = ?`, spec.ID); err != nil {
		return err
	}
	for i := range spec.Actions {
		if b := spec.Actions[i].Bash; b != nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO script_refs (script_id, automation_id)
				VALUES (?, ?)`, b.ScriptID, spec.ID); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (s *Store) GetAutomation(ctx context.Context, id string) (*automation.Spec, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT spec FROM automations WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("automation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var spec automation.Spec
	if err := json.Unmarshal([]byte(data), &spec); err != nil {
		return nil, fmt.Errorf("failed to decode automation %s: %w", id, err)
	}
	return &spec, nil
}

// ListAutomations returns all specs, optionally filtered by status.
func (s *Store) ListAutomations(ctx context.Context, status automation.Status) ([]*automation.Spec, error) {
	query := `SELECT spec FROM automations ORDER BY name`
	args := []any{}
	if status != "" {
		query = `SELECT spec FROM automations WHERE status = ? ORDER BY name`
		args = append(args, string(status))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var specs []*automation.Spec
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var spec automation.Spec
		if err := json.Unmarshal([]byte(data), &spec); err != nil {
			return nil, err
		}
		specs = append(specs, &spec)
	}
	return specs, rows.Err()
}

func (s *Store) DeleteAutomation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM automations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("automation %s: %w", id, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM script_refs WHERE automation_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM watcher_states WHERE automation_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}
