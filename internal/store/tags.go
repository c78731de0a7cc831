package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Tags implements domain.TagStore over the shared SQLite handle.
type Tags struct {
	db *sql.DB
}

func (t *Tags) List(ctx context.Context) ([]string, error) {
	rows, err := t.db.QueryContext(ctx, `SELECT tag FROM tags ORDER BY tag`)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func (t *Tags) Add(ctx context.Context, tag string) error {
	_, err := t.db.ExecContext(ctx, `INSERT OR IGNORE INTO tags (tag) VALUES (?)`, tag)
	if err != nil {
		return fmt.Errorf("add tag %q: %w", tag, err)
	}
	return nil
}

func (t *Tags) Remove(ctx context.Context, tag string) error {
	_, err := t.db.ExecContext(ctx, `DELETE FROM tags WHERE tag = ?`, tag)
	if err != nil {
		return fmt.Errorf("remove tag %q: %w", tag, err)
	}
	return nil
}
