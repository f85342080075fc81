// Package tracker polls the chain for inbound SOL transfers to custodial
// wallets and records them as deposit activities.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/veilfi/backend/internal/config"
	"github.com/veilfi/backend/internal/store"
)

// maxSupportedTxVersion lets getTransaction return versioned transactions.
var maxSupportedTxVersion = uint64(0)

// LedgerClient is the slice of the RPC client the tracker needs. Narrow
// on purpose so cycles are testable against a fake chain.
type LedgerClient interface {
	GetSignaturesForAddressWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error)
	GetTransaction(ctx context.Context, signature solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

type DepositStore interface {
	ListTrackedWallets(ctx context.Context) ([]store.TrackedWallet, error)
	HasActivitySignature(ctx context.Context, signature string) (bool, error)
	InsertActivity(ctx context.Context, activity store.ActivityRecord) (bool, error)
}

type Service struct {
	cfg        config.TrackerConfig
	ledger     LedgerClient
	store      DepositStore
	logger     *slog.Logger
	now        func() time.Time
	closeStore func() error
	scanning   atomic.Bool
}

func New(cfg config.TrackerConfig, logger *slog.Logger) (*Service, error) {
	st, err := store.New(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	svc := newService(cfg, rpc.New(cfg.RPCURL), st, logger)
	svc.closeStore = st.Close
	return svc, nil
}

func newService(cfg config.TrackerConfig, ledger LedgerClient, depositStore DepositStore, logger *slog.Logger) *Service {
	return &Service{
		cfg:    cfg,
		ledger: ledger,
		store:  depositStore,
		logger: logger,
		now:    time.Now,
	}
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if s.closeStore == nil {
			return
		}
		if err := s.closeStore(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	s.logger.Info("deposit tracker started",
		"rpc", s.cfg.RPCURL,
		"commitment", s.cfg.Commitment,
		"poll_interval", s.cfg.PollInterval.String(),
		"signature_limit", s.cfg.SignatureLimit,
	)

	if err := s.SyncOnce(ctx); err != nil {
		s.logger.Error("initial deposit scan failed", "err", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("deposit tracker stopped")
			return nil
		case <-ticker.C:
			if err := s.SyncOnce(ctx); err != nil {
				s.logger.Error("deposit scan failed", "err", err)
			}
		}
	}
}

// SyncOnce runs one scan cycle over every tracked wallet. Cycles never
// overlap: if one is still running, the call is skipped.
func (s *Service) SyncOnce(ctx context.Context) error {
	if !s.scanning.CompareAndSwap(false, true) {
		s.logger.Warn("previous deposit scan still running, skipping cycle")
		return nil
	}
	defer s.scanning.Store(false)

	wallets, err := s.store.ListTrackedWallets(ctx)
	if err != nil {
		return fmt.Errorf("list tracked wallets: %w", err)
	}

	deposits := 0
	for _, wallet := range wallets {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		recorded, err := s.scanWallet(ctx, wallet)
		if err != nil {
			// One broken wallet must not block the rest of the cycle.
			s.logger.Warn("wallet scan failed", "user_id", wallet.UserID, "pubkey", wallet.Pubkey, "err", err)
			continue
		}
		deposits += recorded
	}

	s.logger.Info("deposit scan complete", "wallets", len(wallets), "new_deposits", deposits)
	return nil
}

func (s *Service) scanWallet(ctx context.Context, wallet store.TrackedWallet) (int, error) {
	account, err := solana.PublicKeyFromBase58(wallet.Pubkey)
	if err != nil {
		return 0, fmt.Errorf("invalid tracked pubkey: %w", err)
	}

	limit := s.cfg.SignatureLimit
	sigCtx, cancel := context.WithTimeout(ctx, s.cfg.RPCRequestTimeout)
	signatures, err := s.ledger.GetSignaturesForAddressWithOpts(sigCtx, account, &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: s.cfg.Commitment,
	})
	cancel()
	if err != nil {
		return 0, fmt.Errorf("get signatures: %w", err)
	}

	recorded := 0
	for _, item := range signatures {
		if item == nil || item.Err != nil {
			continue
		}
		if ctx.Err() != nil {
			return recorded, ctx.Err()
		}

		signature := item.Signature.String()
		exists, err := s.store.HasActivitySignature(ctx, signature)
		if err != nil {
			return recorded, fmt.Errorf("check signature %s: %w", signature, err)
		}
		if exists {
			continue
		}

		inserted, err := s.recordDeposit(ctx, wallet, account, item.Signature)
		if err != nil {
			// Per-signature failures are retried on the next cycle.
			s.logger.Warn("failed to process signature", "pubkey", wallet.Pubkey, "signature", signature, "err", err)
			continue
		}
		if inserted {
			recorded++
		}
	}
	return recorded, nil
}

func (s *Service) recordDeposit(ctx context.Context, wallet store.TrackedWallet, account solana.PublicKey, signature solana.Signature) (bool, error) {
	txCtx, cancel := context.WithTimeout(ctx, s.cfg.RPCRequestTimeout)
	defer cancel()

	result, err := s.ledger.GetTransaction(txCtx, signature, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     s.cfg.Commitment,
		MaxSupportedTransactionVersion: &maxSupportedTxVersion,
	})
	if err != nil {
		return false, fmt.Errorf("get transaction: %w", err)
	}
	if result == nil || result.Meta == nil || result.Transaction == nil {
		return false, nil
	}

	decoded, err := result.Transaction.GetTransaction()
	if err != nil {
		return false, fmt.Errorf("decode transaction: %w", err)
	}

	index := -1
	for i, key := range decoded.Message.AccountKeys {
		if key.Equals(account) {
			index = i
			break
		}
	}
	if index < 0 || index >= len(result.Meta.PreBalances) || index >= len(result.Meta.PostBalances) {
		return false, nil
	}

	delta := int64(result.Meta.PostBalances[index]) - int64(result.Meta.PreBalances[index])
	if delta <= 0 {
		return false, nil
	}

	var blockTime int64
	if result.BlockTime != nil {
		blockTime = result.BlockTime.Time().Unix()
	}
	metadata, err := json.Marshal(map[string]any{
		"slot":       result.Slot,
		"block_time": blockTime,
	})
	if err != nil {
		return false, err
	}

	inserted, err := s.store.InsertActivity(ctx, store.ActivityRecord{
		UserID:    wallet.UserID,
		Type:      "deposit",
		Token:     "SOL",
		Amount:    delta,
		Signature: signature.String(),
		Metadata:  string(metadata),
		CreatedAt: s.now().Unix(),
	})
	if err != nil {
		return false, fmt.Errorf("insert deposit: %w", err)
	}
	if inserted {
		s.logger.Info("deposit recorded",
			"user_id", wallet.UserID,
			"pubkey", wallet.Pubkey,
			"signature", signature.String(),
			"lamports", delta,
		)
	}
	return inserted, nil
}
