package apiserver

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/veilfi/backend/internal/store"
)

const orderTTL = 15 * time.Minute

var maxSupportedTxVersion = uint64(0)

type pendingOrder struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// orderBook tracks in-flight token sale orders in memory. Orders are
// single-use: confirm consumes them, and the sweeper drops expired ones.
type orderBook struct {
	mu     sync.Mutex
	orders map[string]pendingOrder
}

func newOrderBook() *orderBook {
	return &orderBook{orders: make(map[string]pendingOrder)}
}

func (b *orderBook) create(order pendingOrder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders[order.ID] = order
}

// consume removes and returns the order if it exists, belongs to the
// user, and has not expired.
func (b *orderBook) consume(id, userID string, now time.Time) (pendingOrder, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[id]
	if !ok || order.UserID != userID {
		return pendingOrder{}, false
	}
	delete(b.orders, id)
	if now.After(order.ExpiresAt) {
		return pendingOrder{}, false
	}
	return order, true
}

// has reports whether a live order exists for the user without
// consuming it.
func (b *orderBook) has(id, userID string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[id]
	return ok && order.UserID == userID && !now.After(order.ExpiresAt)
}

func (b *orderBook) sweep(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for id, order := range b.orders {
		if now.After(order.ExpiresAt) {
			delete(b.orders, id)
			removed++
		}
	}
	return removed
}

type buyInitResponse struct {
	OK            bool    `json:"ok"`
	OrderID       string  `json:"order_id"`
	Treasury      string  `json:"treasury"`
	TokenMint     string  `json:"token_mint"`
	PriceSOL      float64 `json:"price_sol"`
	ExpiresAtUnix int64   `json:"expires_at"`
}

type buyConfirmRequest struct {
	OrderID   string `json:"order_id"`
	Signature string `json:"signature"`
}

type buyConfirmResponse struct {
	OK            bool   `json:"ok"`
	PaidLamports  uint64 `json:"paid_lamports"`
	TokenUnits    uint64 `json:"token_units"`
	TransferSig   string `json:"transfer_signature"`
	PaymentSig    string `json:"payment_signature"`
	TokenMint     string `json:"token_mint"`
	TokenDecimals int    `json:"token_decimals"`
}

// handleBuyInit opens a token sale order: the client pays SOL to the
// treasury wallet and then calls /buy/confirm with the payment
// signature.
func (s *Service) handleBuyInit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	rec, err := s.requireSession(r)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if s.treasury == nil || s.cfg.SaleTokenMint.IsZero() {
		s.respondError(w, http.StatusServiceUnavailable, "token sale is not configured")
		return
	}

	orderID, err := newID("order")
	if err != nil {
		s.logger.Error("generate order id failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to create order")
		return
	}

	now := time.Now()
	order := pendingOrder{
		ID:        orderID,
		UserID:    rec.UserID,
		CreatedAt: now,
		ExpiresAt: now.Add(orderTTL),
	}
	s.orders.create(order)

	s.respondJSON(w, http.StatusOK, buyInitResponse{
		OK:            true,
		OrderID:       orderID,
		Treasury:      s.treasury.PublicKey().String(),
		TokenMint:     s.cfg.SaleTokenMint.String(),
		PriceSOL:      s.cfg.SaleTokenPriceSOL,
		ExpiresAtUnix: order.ExpiresAt.Unix(),
	})
}

// handleBuyConfirm verifies the SOL payment to the treasury on chain,
// then transfers the purchased tokens from the treasury to the user's
// wallet.
func (s *Service) handleBuyConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	rec, err := s.requireSession(r)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if s.treasury == nil {
		s.respondError(w, http.StatusServiceUnavailable, "token sale is not configured")
		return
	}

	var request buyConfirmRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	paymentSig, err := solana.SignatureFromBase58(strings.TrimSpace(request.Signature))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid payment signature")
		return
	}

	orderID := strings.TrimSpace(request.OrderID)
	if !s.orders.has(orderID, rec.UserID, time.Now()) {
		s.respondError(w, http.StatusBadRequest, "unknown or expired order")
		return
	}

	// Verify before consuming the order: a transient RPC failure here
	// must leave the order retryable.
	paid, err := s.treasuryPaymentLamports(r.Context(), paymentSig)
	if err != nil {
		s.logger.Warn("payment verification failed", "order_id", orderID, "signature", paymentSig, "err", err)
		s.respondError(w, http.StatusBadRequest, "payment not found or not confirmed")
		return
	}

	tokenUnits := s.saleTokenUnits(paid)
	if tokenUnits == 0 {
		s.respondError(w, http.StatusBadRequest, "payment too small")
		return
	}

	mint := s.cfg.SaleTokenMint
	if mint.IsZero() {
		s.respondError(w, http.StatusServiceUnavailable, "token sale is not configured")
		return
	}
	buyer, err := solana.PublicKeyFromBase58(rec.WalletPubkey)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "invalid session wallet")
		return
	}

	if _, ok := s.orders.consume(orderID, rec.UserID, time.Now()); !ok {
		s.respondError(w, http.StatusBadRequest, "unknown or expired order")
		return
	}

	// Claim the payment signature before paying out. The activities
	// table's unique signature column makes the claim atomic, so one
	// payment can never fund two orders.
	inserted, err := s.store.InsertActivity(r.Context(), store.ActivityRecord{
		UserID:    rec.UserID,
		Type:      "buy",
		Token:     mint.String(),
		Amount:    int64(tokenUnits),
		Signature: paymentSig.String(),
		Metadata:  fmt.Sprintf(`{"order_id":%q,"paid_lamports":%d}`, orderID, paid),
		CreatedAt: time.Now().Unix(),
	})
	if err != nil {
		s.logger.Error("claim payment failed", "order_id", orderID, "signature", paymentSig, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to record payment")
		return
	}
	if !inserted {
		s.respondError(w, http.StatusConflict, "payment already used")
		return
	}

	transferSig, err := s.transferToken(r.Context(), s.treasury, buyer, mint, tokenUnits)
	if err != nil {
		// The claim row stays: the payment is real and must not become
		// replayable because the payout failed.
		s.logger.Error("sale token transfer failed", "order_id", orderID, "payment_signature", paymentSig, "err", err)
		s.respondError(w, http.StatusBadGateway, "token transfer failed")
		return
	}

	s.respondJSON(w, http.StatusOK, buyConfirmResponse{
		OK:            true,
		PaidLamports:  paid,
		TokenUnits:    tokenUnits,
		TransferSig:   transferSig.String(),
		PaymentSig:    paymentSig.String(),
		TokenMint:     mint.String(),
		TokenDecimals: s.cfg.SaleTokenDecimals,
	})
}

// treasuryPaymentLamports fetches the payment transaction and returns
// the positive balance delta of the treasury account.
func (s *Service) treasuryPaymentLamports(ctx context.Context, signature solana.Signature) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RPCRequestTimeout)
	defer cancel()

	result, err := s.rpc.GetTransaction(ctx, signature, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     s.cfg.Commitment,
		MaxSupportedTransactionVersion: &maxSupportedTxVersion,
	})
	if err != nil {
		return 0, fmt.Errorf("get transaction: %w", err)
	}
	if result == nil || result.Meta == nil || result.Transaction == nil {
		return 0, fmt.Errorf("transaction %s has no metadata", signature)
	}
	if result.Meta.Err != nil {
		return 0, fmt.Errorf("transaction %s failed on chain", signature)
	}

	decoded, err := result.Transaction.GetTransaction()
	if err != nil {
		return 0, fmt.Errorf("decode transaction: %w", err)
	}

	treasuryKey := s.treasury.PublicKey()
	for i, account := range decoded.Message.AccountKeys {
		if !account.Equals(treasuryKey) {
			continue
		}
		if i >= len(result.Meta.PreBalances) || i >= len(result.Meta.PostBalances) {
			break
		}
		delta := int64(result.Meta.PostBalances[i]) - int64(result.Meta.PreBalances[i])
		if delta <= 0 {
			return 0, fmt.Errorf("treasury balance did not increase")
		}
		return uint64(delta), nil
	}
	return 0, fmt.Errorf("treasury is not referenced by transaction %s", signature)
}

// saleTokenUnits converts a lamport payment into base units of the sale
// token at the configured SOL price.
func (s *Service) saleTokenUnits(paidLamports uint64) uint64 {
	if s.cfg.SaleTokenPriceSOL <= 0 {
		return 0
	}
	paidSOL := float64(paidLamports) / float64(solana.LAMPORTS_PER_SOL)
	tokens := paidSOL / s.cfg.SaleTokenPriceSOL
	return uint64(math.Floor(tokens * math.Pow10(s.cfg.SaleTokenDecimals)))
}
