package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ActivityRecord is one ledger event for a custodial wallet. Amounts are
// lamports (or the smallest token unit for SPL rows). The signature is
// unique across the whole table, which makes ingestion idempotent.
type ActivityRecord struct {
	ID        int64  `json:"id"`
	UserID    string `json:"user_id"`
	Type      string `json:"type"`
	Token     string `json:"token"`
	Amount    int64  `json:"amount"`
	Signature string `json:"signature"`
	Metadata  string `json:"metadata"`
	CreatedAt int64  `json:"created_at"`
}

type ActivityFilter struct {
	UserID string
	Type   string
	Limit  int
	Offset int
}

// InsertActivity records one activity row. The signature column carries a
// UNIQUE constraint and the insert is ON CONFLICT DO NOTHING, so replaying
// an already-recorded signature reports inserted=false instead of failing.
func (s *Store) InsertActivity(ctx context.Context, activity ActivityRecord) (bool, error) {
	metadata := strings.TrimSpace(activity.Metadata)
	if metadata == "" {
		metadata = "{}"
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO activities (user_id, type, token, amount, signature, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(signature) DO NOTHING
	`,
		activity.UserID,
		activity.Type,
		activity.Token,
		activity.Amount,
		activity.Signature,
		metadata,
		activity.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert activity: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return inserted > 0, nil
}

func (s *Store) HasActivitySignature(ctx context.Context, signature string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM activities WHERE signature = ? LIMIT 1`, signature)
	var one int
	err := row.Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ListActivities(ctx context.Context, filter ActivityFilter) ([]ActivityRecord, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)

	query := `
		SELECT id, user_id, type, token, amount, signature, metadata, created_at
		FROM activities
		WHERE 1=1`
	args := make([]any, 0, 4)

	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, filter.Type)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	items := make([]ActivityRecord, 0, limit)
	for rows.Next() {
		var activity ActivityRecord
		if err := rows.Scan(
			&activity.ID,
			&activity.UserID,
			&activity.Type,
			&activity.Token,
			&activity.Amount,
			&activity.Signature,
			&activity.Metadata,
			&activity.CreatedAt,
		); err != nil {
			return nil, 0, 0, err
		}
		items = append(items, activity)
	}
	return items, limit, offset, rows.Err()
}

// LatestActivityID returns the newest activity id for a user, 0 when the
// user has no activity yet. The websocket feed uses it as a cursor.
func (s *Store) LatestActivityID(ctx context.Context, userID string) (int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM activities WHERE user_id = ?`, userID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// ListActivitiesAfter returns activity rows newer than the given id,
// oldest first, capped at limit.
func (s *Store) ListActivitiesAfter(ctx context.Context, userID string, afterID int64, limit int) ([]ActivityRecord, error) {
	if limit <= 0 || limit > maxPageLimit {
		limit = defaultPageLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, token, amount, signature, metadata, created_at
		FROM activities
		WHERE user_id = ? AND id > ?
		ORDER BY id ASC
		LIMIT ?
	`, userID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activities after: %w", err)
	}
	defer rows.Close()

	var items []ActivityRecord
	for rows.Next() {
		var activity ActivityRecord
		if err := rows.Scan(
			&activity.ID,
			&activity.UserID,
			&activity.Type,
			&activity.Token,
			&activity.Amount,
			&activity.Signature,
			&activity.Metadata,
			&activity.CreatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, activity)
	}
	return items, rows.Err()
}
