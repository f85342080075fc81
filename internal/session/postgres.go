package session

import (
	"context"
	"errors"
	"time"

	"github.com/veilfi/backend/internal/store"
)

// Postgres persists sessions in the shared store so they survive process
// restarts. Expiry is still enforced on read; a background sweep in the
// api-server removes dead rows.
type Postgres struct {
	store *store.Store
	now   func() time.Time
}

func NewPostgres(st *store.Store) *Postgres {
	return &Postgres{store: st, now: time.Now}
}

func (p *Postgres) Create(ctx context.Context, rec Record) error {
	return p.store.CreateSession(ctx, store.SessionRow{
		TokenHash:    rec.TokenHash,
		UserID:       rec.UserID,
		WalletPubkey: rec.WalletPubkey,
		DisplayName:  rec.DisplayName,
		CreatedAt:    rec.CreatedAt,
		ExpiresAt:    rec.ExpiresAt,
	})
}

func (p *Postgres) Get(ctx context.Context, tokenHash string) (Record, error) {
	row, err := p.store.GetSession(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	if row.ExpiresAt <= p.now().Unix() {
		return Record{}, ErrNotFound
	}
	return Record{
		TokenHash:    row.TokenHash,
		UserID:       row.UserID,
		WalletPubkey: row.WalletPubkey,
		DisplayName:  row.DisplayName,
		CreatedAt:    row.CreatedAt,
		ExpiresAt:    row.ExpiresAt,
	}, nil
}

func (p *Postgres) Destroy(ctx context.Context, tokenHash string) error {
	return p.store.DeleteSession(ctx, tokenHash)
}

// SweepExpired removes rows whose expiry has passed.
func (p *Postgres) SweepExpired(ctx context.Context) (int64, error) {
	return p.store.DeleteExpiredSessions(ctx, p.now().Unix())
}
