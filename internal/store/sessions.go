package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SessionRow mirrors the sessions table. Only the SHA-256 hash of the
// session token is ever stored.
type SessionRow struct {
	TokenHash    string
	UserID       string
	WalletPubkey string
	DisplayName  string
	CreatedAt    int64
	ExpiresAt    int64
}

func (s *Store) CreateSession(ctx context.Context, row SessionRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (token_hash, user_id, wallet_pubkey, display_name, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		row.TokenHash,
		row.UserID,
		row.WalletPubkey,
		row.DisplayName,
		row.CreatedAt,
		row.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, tokenHash string) (SessionRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token_hash, user_id, wallet_pubkey, display_name, created_at, expires_at
		FROM sessions
		WHERE token_hash = ?
	`, tokenHash)

	var session SessionRow
	err := row.Scan(
		&session.TokenHash,
		&session.UserID,
		&session.WalletPubkey,
		&session.DisplayName,
		&session.CreatedAt,
		&session.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRow{}, ErrNotFound
	}
	if err != nil {
		return SessionRow{}, err
	}
	return session, nil
}

// DeleteSession removes a session row. Deleting an unknown hash is a no-op.
func (s *Store) DeleteSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token_hash = ?`, tokenHash)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, now int64) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return result.RowsAffected()
}
