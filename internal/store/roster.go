package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"modbot/internal/domain"
)

// Roster implements domain.ModeratorRoster over the shared SQLite handle.
type Roster struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *Roster) List(ctx context.Context) ([]domain.Moderator, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, username, fullname, signature FROM moderators ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list moderators: %w", err)
	}
	defer rows.Close()

	var mods []domain.Moderator
	for rows.Next() {
		var m domain.Moderator
		if err := rows.Scan(&m.ID, &m.Username, &m.Fullname, &m.Signature); err != nil {
			return nil, err
		}
		mods = append(mods, m)
	}
	return mods, rows.Err()
}

func (r *Roster) Add(ctx context.Context, m domain.Moderator) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO moderators (id, username, fullname, signature)
		 VALUES (?, ?, ?, ?)`,
		m.ID, m.Username, m.Fullname, m.Signature,
	)
	if err != nil {
		return fmt.Errorf("add moderator %d: %w", m.ID, err)
	}
	r.logger.Info("moderator added", "id", m.ID, "username", m.Username)
	return nil
}

func (r *Roster) Remove(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM moderators WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove moderator %d: %w", id, err)
	}
	r.logger.Info("moderator removed", "id", id)
	return nil
}

func (r *Roster) RemoveByUsername(ctx context.Context, username string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM moderators WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("remove moderator @%s: %w", username, err)
	}
	r.logger.Info("moderator removed", "username", username)
	return nil
}

func (r *Roster) GetByID(ctx context.Context, id int64) (*domain.Moderator, error) {
	var m domain.Moderator
	err := r.db.QueryRowContext(ctx,
		`SELECT id, username, fullname, signature FROM moderators WHERE id = ?`, id,
	).Scan(&m.ID, &m.Username, &m.Fullname, &m.Signature)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get moderator %d: %w", id, err)
	}
	return &m, nil
}
