package apiserver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	ata "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/veilfi/backend/internal/store"
)

const (
	// feeBufferLamports is kept on top of the transfer amount so the fee
	// payer can always cover the transaction fee.
	feeBufferLamports   = 5_000
	confirmTimeout      = 60 * time.Second
	confirmPollInterval = 2 * time.Second
)

type balanceResponse struct {
	OK       bool    `json:"ok"`
	Pubkey   string  `json:"pubkey"`
	Lamports uint64  `json:"lamports"`
	SOL      float64 `json:"sol"`
}

type tokenBalance struct {
	Mint    string `json:"mint"`
	Account string `json:"account"`
	Amount  uint64 `json:"amount"`
}

type tokensResponse struct {
	OK     bool           `json:"ok"`
	Pubkey string         `json:"pubkey"`
	Tokens []tokenBalance `json:"tokens"`
}

type sendRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type sendTokenRequest struct {
	To     string `json:"to"`
	Mint   string `json:"mint"`
	Amount uint64 `json:"amount"`
}

type transferResponse struct {
	OK        bool   `json:"ok"`
	Signature string `json:"signature"`
	Lamports  uint64 `json:"lamports,omitempty"`
	Amount    uint64 `json:"amount,omitempty"`
}

type depositCheckResponse struct {
	OK       bool                   `json:"ok"`
	Deposits []store.ActivityRecord `json:"deposits"`
}

func (s *Service) handleWalletBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	pubkey, err := s.resolvePubkeyParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RPCRequestTimeout)
	defer cancel()
	balance, err := s.rpc.GetBalance(ctx, pubkey, s.cfg.Commitment)
	if err != nil {
		s.logger.Error("get balance failed", "pubkey", pubkey, "err", err)
		s.respondError(w, http.StatusBadGateway, "failed to fetch balance")
		return
	}

	s.respondJSON(w, http.StatusOK, balanceResponse{
		OK:       true,
		Pubkey:   pubkey.String(),
		Lamports: balance.Value,
		SOL:      float64(balance.Value) / float64(solana.LAMPORTS_PER_SOL),
	})
}

func (s *Service) handleWalletTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	pubkey, err := s.resolvePubkeyParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RPCRequestTimeout)
	defer cancel()
	accounts, err := s.rpc.GetTokenAccountsByOwner(
		ctx,
		pubkey,
		&rpc.GetTokenAccountsConfig{ProgramId: solana.TokenProgramID.ToPointer()},
		&rpc.GetTokenAccountsOpts{Encoding: solana.EncodingBase64},
	)
	if err != nil {
		s.logger.Error("get token accounts failed", "pubkey", pubkey, "err", err)
		s.respondError(w, http.StatusBadGateway, "failed to fetch token accounts")
		return
	}

	tokens := make([]tokenBalance, 0, len(accounts.Value))
	for _, item := range accounts.Value {
		if item == nil {
			continue
		}
		var account token.Account
		if err := bin.NewBinDecoder(item.Account.Data.GetBinary()).Decode(&account); err != nil {
			s.logger.Warn("skipping undecodable token account", "account", item.Pubkey, "err", err)
			continue
		}
		tokens = append(tokens, tokenBalance{
			Mint:    account.Mint.String(),
			Account: item.Pubkey.String(),
			Amount:  account.Amount,
		})
	}

	s.respondJSON(w, http.StatusOK, tokensResponse{OK: true, Pubkey: pubkey.String(), Tokens: tokens})
}

func (s *Service) handleWalletSend(w http.ResponseWriter, r *http.Request) {
	s.processSOLTransfer(w, r)
}

// handleWithdrawSOL is the custody withdrawal endpoint. It shares the
// transfer path with /wallet/send; both record a withdraw activity.
func (s *Service) handleWithdrawSOL(w http.ResponseWriter, r *http.Request) {
	s.processSOLTransfer(w, r)
}

func (s *Service) processSOLTransfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	rec, err := s.requireSession(r)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var request sendRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	destination, err := solana.PublicKeyFromBase58(strings.TrimSpace(request.To))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid destination address")
		return
	}
	lamports, err := parseSOLAmount(request.Amount)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	key, err := s.openWalletKey(r.Context(), rec.UserID)
	if err != nil {
		s.logger.Error("open wallet key failed", "user_id", rec.UserID, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to access wallet")
		return
	}

	balanceCtx, cancel := context.WithTimeout(r.Context(), s.cfg.RPCRequestTimeout)
	balance, err := s.rpc.GetBalance(balanceCtx, key.PublicKey(), s.cfg.Commitment)
	cancel()
	if err != nil {
		s.logger.Error("preflight balance check failed", "err", err)
		s.respondError(w, http.StatusBadGateway, "failed to fetch balance")
		return
	}
	if balance.Value < lamports+feeBufferLamports {
		s.respondError(w, http.StatusBadRequest, "insufficient balance")
		return
	}

	signature, err := s.transferSOL(r.Context(), key, destination, lamports)
	if err != nil {
		s.logger.Error("sol transfer failed", "user_id", rec.UserID, "err", err)
		s.respondError(w, http.StatusBadGateway, "transfer failed")
		return
	}

	s.recordActivity(r.Context(), store.ActivityRecord{
		UserID:    rec.UserID,
		Type:      "withdraw",
		Token:     "SOL",
		Amount:    int64(lamports),
		Signature: signature.String(),
		Metadata:  fmt.Sprintf(`{"to":%q}`, destination.String()),
	})

	s.respondJSON(w, http.StatusOK, transferResponse{OK: true, Signature: signature.String(), Lamports: lamports})
}

func (s *Service) handleWalletSendToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	rec, err := s.requireSession(r)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var request sendTokenRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	destination, err := solana.PublicKeyFromBase58(strings.TrimSpace(request.To))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid destination address")
		return
	}
	mint, err := solana.PublicKeyFromBase58(strings.TrimSpace(request.Mint))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid mint address")
		return
	}
	if request.Amount == 0 {
		s.respondError(w, http.StatusBadRequest, "amount must be > 0")
		return
	}

	key, err := s.openWalletKey(r.Context(), rec.UserID)
	if err != nil {
		s.logger.Error("open wallet key failed", "user_id", rec.UserID, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to access wallet")
		return
	}

	signature, err := s.transferToken(r.Context(), key, destination, mint, request.Amount)
	if err != nil {
		s.logger.Error("token transfer failed", "user_id", rec.UserID, "err", err)
		s.respondError(w, http.StatusBadGateway, "transfer failed")
		return
	}

	s.recordActivity(r.Context(), store.ActivityRecord{
		UserID:    rec.UserID,
		Type:      "withdraw",
		Token:     mint.String(),
		Amount:    int64(request.Amount),
		Signature: signature.String(),
		Metadata:  fmt.Sprintf(`{"to":%q}`, destination.String()),
	})

	s.respondJSON(w, http.StatusOK, transferResponse{OK: true, Signature: signature.String(), Amount: request.Amount})
}

func (s *Service) handleDepositCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	rec, err := s.requireSession(r)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	deposits, _, _, err := s.store.ListActivities(r.Context(), store.ActivityFilter{
		UserID: rec.UserID,
		Type:   "deposit",
		Limit:  limit,
	})
	if err != nil {
		s.logger.Error("list deposits failed", "user_id", rec.UserID, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list deposits")
		return
	}

	s.respondJSON(w, http.StatusOK, depositCheckResponse{OK: true, Deposits: deposits})
}

func (s *Service) resolvePubkeyParam(r *http.Request) (solana.PublicKey, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("pubkey"))
	if raw != "" {
		pubkey, err := solana.PublicKeyFromBase58(raw)
		if err != nil {
			return solana.PublicKey{}, fmt.Errorf("invalid pubkey")
		}
		return pubkey, nil
	}

	rec, err := s.requireSession(r)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("pubkey query parameter or session is required")
	}
	return solana.PublicKeyFromBase58(rec.WalletPubkey)
}

func (s *Service) transferSOL(ctx context.Context, from solana.PrivateKey, to solana.PublicKey, lamports uint64) (solana.Signature, error) {
	blockhashCtx, cancel := context.WithTimeout(ctx, s.cfg.RPCRequestTimeout)
	recent, err := s.rpc.GetLatestBlockhash(blockhashCtx, s.cfg.Commitment)
	cancel()
	if err != nil {
		return solana.Signature{}, fmt.Errorf("get blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(lamports, from.PublicKey(), to).Build(),
		},
		recent.Value.Blockhash,
		solana.TransactionPayer(from.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build transaction: %w", err)
	}

	return s.signAndSend(ctx, tx, from)
}

func (s *Service) transferToken(ctx context.Context, from solana.PrivateKey, to, mint solana.PublicKey, amount uint64) (solana.Signature, error) {
	source, _, err := solana.FindAssociatedTokenAddress(from.PublicKey(), mint)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("derive source token account: %w", err)
	}
	destination, _, err := solana.FindAssociatedTokenAddress(to, mint)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("derive destination token account: %w", err)
	}

	instructions := make([]solana.Instruction, 0, 2)
	exists, err := s.accountExists(ctx, destination)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("check destination token account: %w", err)
	}
	if !exists {
		instructions = append(instructions, ata.NewCreateInstruction(from.PublicKey(), to, mint).Build())
	}
	instructions = append(instructions, token.NewTransferInstruction(amount, source, destination, from.PublicKey(), nil).Build())

	blockhashCtx, cancel := context.WithTimeout(ctx, s.cfg.RPCRequestTimeout)
	recent, err := s.rpc.GetLatestBlockhash(blockhashCtx, s.cfg.Commitment)
	cancel()
	if err != nil {
		return solana.Signature{}, fmt.Errorf("get blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(instructions, recent.Value.Blockhash, solana.TransactionPayer(from.PublicKey()))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build transaction: %w", err)
	}

	return s.signAndSend(ctx, tx, from)
}

func (s *Service) signAndSend(ctx context.Context, tx *solana.Transaction, signers ...solana.PrivateKey) (solana.Signature, error) {
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		for i := range signers {
			if signers[i].PublicKey().Equals(key) {
				return &signers[i]
			}
		}
		return nil
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sign transaction: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.RPCRequestTimeout)
	signature, err := s.rpc.SendTransactionWithOpts(sendCtx, tx, rpc.TransactionOpts{
		PreflightCommitment: s.cfg.Commitment,
	})
	cancel()
	if err != nil {
		return solana.Signature{}, fmt.Errorf("send transaction: %w", err)
	}

	if err := s.confirmSignature(ctx, signature); err != nil {
		return solana.Signature{}, err
	}
	return signature, nil
}

func (s *Service) confirmSignature(ctx context.Context, signature solana.Signature) error {
	ctx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(confirmPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("confirm %s: %w", signature, ctx.Err())
		case <-ticker.C:
			statuses, err := s.rpc.GetSignatureStatuses(ctx, true, signature)
			if err != nil {
				continue
			}
			if len(statuses.Value) == 0 || statuses.Value[0] == nil {
				continue
			}
			status := statuses.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction %s failed on chain", signature)
			}
			switch status.ConfirmationStatus {
			case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
				return nil
			}
		}
	}
}

func (s *Service) accountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RPCRequestTimeout)
	defer cancel()

	info, err := s.rpc.GetAccountInfo(ctx, account)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return info != nil && info.Value != nil, nil
}

// recordActivity inserts a ledger row for an operation the server itself
// performed. Failures are logged, not surfaced: the on-chain transfer
// already happened and the deposit tracker model tolerates gaps.
func (s *Service) recordActivity(ctx context.Context, activity store.ActivityRecord) {
	if activity.CreatedAt == 0 {
		activity.CreatedAt = time.Now().Unix()
	}
	if _, err := s.store.InsertActivity(ctx, activity); err != nil {
		s.logger.Warn("record activity failed", "type", activity.Type, "signature", activity.Signature, "err", err)
	}
}

// parseSOLAmount converts a user-supplied SOL amount to lamports. A
// comma decimal separator is accepted.
func parseSOLAmount(raw string) (uint64, error) {
	normalized := strings.ReplaceAll(strings.TrimSpace(raw), ",", ".")
	if normalized == "" {
		return 0, fmt.Errorf("amount is required")
	}

	value, err := strconv.ParseFloat(normalized, 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("invalid amount")
	}
	if value <= 0 {
		return 0, fmt.Errorf("amount must be > 0")
	}

	lamports := uint64(math.Round(value * float64(solana.LAMPORTS_PER_SOL)))
	if lamports == 0 {
		return 0, fmt.Errorf("amount is below one lamport")
	}
	return lamports, nil
}
