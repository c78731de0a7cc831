package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"modbot/internal/domain"
)

// Messages implements domain.MessageStore over the shared SQLite handle.
type Messages struct {
	db     *sql.DB
	logger *slog.Logger
}

func (m *Messages) Create(ctx context.Context, rec domain.ModerationRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	sentTo, err := marshalReceipts(rec.SentTo)
	if err != nil {
		return err
	}
	_, err = m.db.ExecContext(ctx,
		`INSERT INTO messages (id, message_type, chat_id, message_id, content, media_ref, sender_id, state, sent_to, created_at, resolution, resolved_by, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Type), rec.ChatID, rec.MessageID,
		nullString(rec.Content), nullString(rec.MediaRef), rec.SenderID,
		string(rec.State), sentTo, rec.CreatedAt,
		nullString(string(rec.Resolution)), rec.ResolvedBy, nullTime(rec.ResolvedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.ErrDuplicateID
		}
		return fmt.Errorf("create record %s: %w", rec.ID, err)
	}
	return nil
}

func (m *Messages) Get(ctx context.Context, id string) (*domain.ModerationRecord, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT id, message_type, chat_id, message_id, content, media_ref, sender_id, state, sent_to, created_at, resolution, resolved_by, resolved_at
		 FROM messages WHERE id = ?`, id,
	)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}
	return rec, nil
}

// CompareAndTransition advances the record from expect to next inside one
// transaction. The single-connection pool serializes racing callers, so
// exactly one of two concurrent transitions observes expect and wins.
func (m *Messages) CompareAndTransition(ctx context.Context, id string, expect, next domain.RecordState, mutate func(*domain.ModerationRecord)) (bool, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transition %s: %w", id, err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT id, message_type, chat_id, message_id, content, media_ref, sender_id, state, sent_to, created_at, resolution, resolved_by, resolved_at
		 FROM messages WHERE id = ?`, id,
	)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read record %s: %w", id, err)
	}
	if rec.State != expect {
		return false, nil
	}

	if mutate != nil {
		mutate(rec)
	}
	rec.State = next

	sentTo, err := marshalReceipts(rec.SentTo)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE messages SET state=?, sent_to=?, resolution=?, resolved_by=?, resolved_at=?
		 WHERE id=? AND state=?`,
		string(rec.State), sentTo,
		nullString(string(rec.Resolution)), rec.ResolvedBy, nullTime(rec.ResolvedAt),
		id, string(expect),
	)
	if err != nil {
		return false, fmt.Errorf("transition record %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n != 1 {
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transition %s: %w", id, err)
	}
	m.logger.Debug("record transitioned", "id", id, "from", expect, "to", next)
	return true, nil
}

func (m *Messages) Delete(ctx context.Context, id string) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	return nil
}

func (m *Messages) ListByState(ctx context.Context, state domain.RecordState) ([]domain.ModerationRecord, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, message_type, chat_id, message_id, content, media_ref, sender_id, state, sent_to, created_at, resolution, resolved_by, resolved_at
		 FROM messages WHERE state = ? ORDER BY created_at`, string(state),
	)
	if err != nil {
		return nil, fmt.Errorf("list records by state %s: %w", state, err)
	}
	defer rows.Close()

	var recs []domain.ModerationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

func (m *Messages) Close() error { return nil } // shared handle closed by DB

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*domain.ModerationRecord, error) {
	var rec domain.ModerationRecord
	var msgType, state string
	var content, mediaRef, sentTo, resolution sql.NullString
	var resolvedBy sql.NullInt64
	var resolvedAt sql.NullTime
	if err := row.Scan(&rec.ID, &msgType, &rec.ChatID, &rec.MessageID,
		&content, &mediaRef, &rec.SenderID, &state, &sentTo, &rec.CreatedAt,
		&resolution, &resolvedBy, &resolvedAt); err != nil {
		return nil, err
	}
	rec.Type = domain.MessageType(msgType)
	rec.State = domain.RecordState(state)
	rec.Content = content.String
	rec.MediaRef = mediaRef.String
	rec.Resolution = domain.Decision(resolution.String)
	rec.ResolvedBy = resolvedBy.Int64
	if resolvedAt.Valid {
		rec.ResolvedAt = resolvedAt.Time
	}
	if sentTo.Valid && sentTo.String != "" {
		if err := json.Unmarshal([]byte(sentTo.String), &rec.SentTo); err != nil {
			return nil, fmt.Errorf("decode receipts for %s: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

func marshalReceipts(receipts []domain.Receipt) (sql.NullString, error) {
	if len(receipts) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(receipts)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode receipts: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
