package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
)

// UserRecord is one custodial wallet. The secret key is stored sealed
// (see internal/custody); ciphertext, nonce, and salt are hex-encoded
// in the row and never leave the server.
type UserRecord struct {
	ID          string
	Pubkey      string
	Ciphertext  []byte
	Nonce       []byte
	Salt        []byte
	DisplayName string
	CreatedAt   int64
}

// TrackedWallet is the projection the deposit tracker polls over.
type TrackedWallet struct {
	UserID string
	Pubkey string
}

func (s *Store) CreateUser(ctx context.Context, user UserRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, pubkey, ciphertext, nonce, salt, display_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		user.ID,
		user.Pubkey,
		hex.EncodeToString(user.Ciphertext),
		hex.EncodeToString(user.Nonce),
		hex.EncodeToString(user.Salt),
		user.DisplayName,
		user.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// UpsertUserByPubkey inserts the wallet or, when the pubkey is already
// known, refreshes its sealed key material and display name. The id of
// the surviving row is returned so re-imports keep their history.
func (s *Store) UpsertUserByPubkey(ctx context.Context, user UserRecord) (string, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, pubkey, ciphertext, nonce, salt, display_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			nonce = excluded.nonce,
			salt = excluded.salt,
			display_name = excluded.display_name
		RETURNING id
	`,
		user.ID,
		user.Pubkey,
		hex.EncodeToString(user.Ciphertext),
		hex.EncodeToString(user.Nonce),
		hex.EncodeToString(user.Salt),
		user.DisplayName,
		user.CreatedAt,
	)

	var id string
	if err := row.Scan(&id); err != nil {
		return "", fmt.Errorf("upsert user: %w", err)
	}
	return id, nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (UserRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, pubkey, ciphertext, nonce, salt, display_name, created_at
		FROM users
		WHERE id = ?
	`, id)
	return scanUser(row)
}

func (s *Store) GetUserByPubkey(ctx context.Context, pubkey string) (UserRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, pubkey, ciphertext, nonce, salt, display_name, created_at
		FROM users
		WHERE pubkey = ?
	`, pubkey)
	return scanUser(row)
}

func (s *Store) ListTrackedWallets(ctx context.Context) ([]TrackedWallet, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, pubkey FROM users ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tracked wallets: %w", err)
	}
	defer rows.Close()

	var out []TrackedWallet
	for rows.Next() {
		var wallet TrackedWallet
		if err := rows.Scan(&wallet.UserID, &wallet.Pubkey); err != nil {
			return nil, err
		}
		out = append(out, wallet)
	}
	return out, rows.Err()
}

func scanUser(row *sql.Row) (UserRecord, error) {
	var (
		user      UserRecord
		cipherHex string
		nonceHex  string
		saltHex   string
	)
	err := row.Scan(&user.ID, &user.Pubkey, &cipherHex, &nonceHex, &saltHex, &user.DisplayName, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return UserRecord{}, ErrNotFound
	}
	if err != nil {
		return UserRecord{}, err
	}

	if user.Ciphertext, err = hex.DecodeString(cipherHex); err != nil {
		return UserRecord{}, fmt.Errorf("decode user ciphertext: %w", err)
	}
	if user.Nonce, err = hex.DecodeString(nonceHex); err != nil {
		return UserRecord{}, fmt.Errorf("decode user nonce: %w", err)
	}
	if user.Salt, err = hex.DecodeString(saltHex); err != nil {
		return UserRecord{}, fmt.Errorf("decode user salt: %w", err)
	}
	return user, nil
}
