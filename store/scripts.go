package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/relay/approval"
	"github.com/deepnoodle-ai/relay/automation"
)

// SaveScript upserts a script body with its metadata. When the content of
// an existing script changes, the prior body is kept so an approval prompt
// can show a diff, and the content hash is recomputed.
func (s *Store) SaveScript(ctx context.Context, meta *automation.ScriptMetadata, body string) error {
	now := time.Now()
	hash := approval.HashScript(body)
	meta.ContentHash = hash
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	meta.UpdatedAt = now

	var existing string
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM scripts WHERE id = ?`, meta.ID).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO scripts (id, name, description, origin, content, content_hash, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			meta.ID, meta.Name, meta.Description, string(meta.Origin),
			body, hash, meta.CreatedAt, meta.UpdatedAt)
		return err
	case err != nil:
		return err
	}

	if existing == body {
		_, err = s.db.ExecContext(ctx, `
			UPDATE scripts SET name = ?, description = ?, updated_at = ? WHERE id = ?`,
			meta.Name, meta.Description, meta.UpdatedAt, meta.ID)
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE scripts SET name = ?, description = ?, content = ?,
			previous_content = ?, content_hash = ?, updated_at = ?
		WHERE id = ?`,
		meta.Name, meta.Description, body, existing, hash, meta.UpdatedAt, meta.ID)
	return err
}

func (s *Store) GetScript(ctx context.Context, id string) (string, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM scripts WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("script %s: %w", id, ErrNotFound)
	}
	return body, err
}

func (s *Store) GetPreviousScript(ctx context.Context, id string) (string, error) {
	var prev sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT previous_content FROM scripts WHERE id = ?`, id).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("script %s: %w", id, ErrNotFound)
	}
	return prev.String, err
}

func (s *Store) GetScriptMetadata(ctx context.Context, id string) (*automation.ScriptMetadata, error) {
	meta := &automation.ScriptMetadata{ID: id}
	var description sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT name, description, origin, content_hash, created_at, updated_at
		FROM scripts WHERE id = ?`, id).
		Scan(&meta.Name, &description, &meta.Origin, &meta.ContentHash,
			&meta.CreatedAt, &meta.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("script %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	meta.Description = description.String

	rows, err := s.db.QueryContext(ctx,
		`SELECT automation_id FROM script_refs WHERE script_id = ? ORDER BY automation_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var automationID string
		if err := rows.Scan(&automationID); err != nil {
			return nil, err
		}
		meta.AutomationIDs = append(meta.AutomationIDs, automationID)
	}
	return meta, rows.Err()
}

func (s *Store) ListScripts(ctx context.Context) ([]*automation.ScriptMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM scripts ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var metas []*automation.ScriptMetadata
	for _, id := range ids {
		meta, err := s.GetScriptMetadata(ctx, id)
		if err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

// DeleteScript removes a script body. It fails with ErrScriptInUse while any
// automation still references the script.
func (s *Store) DeleteScript(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var refs int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM script_refs WHERE script_id = ?`, id).Scan(&refs); err != nil {
		return err
	}
	if refs > 0 {
		return fmt.Errorf("script %s: %w", id, ErrScriptInUse)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM scripts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("script %s: %w", id, ErrNotFound)
	}
	return tx.Commit()
}
