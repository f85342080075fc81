package apiserver

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/veilfi/backend/internal/jupiter"
	"github.com/veilfi/backend/internal/store"
)

const defaultSlippageBps = 50

type swapQuoteResponse struct {
	OK             bool   `json:"ok"`
	InputMint      string `json:"input_mint"`
	OutputMint     string `json:"output_mint"`
	InAmount       string `json:"in_amount"`
	OutAmount      string `json:"out_amount"`
	PriceImpactPct string `json:"price_impact_pct"`
}

type swapExecuteRequest struct {
	InputMint   string `json:"input_mint"`
	OutputMint  string `json:"output_mint"`
	Amount      uint64 `json:"amount"`
	SlippageBps int    `json:"slippage_bps"`
}

type swapExecuteResponse struct {
	OK        bool   `json:"ok"`
	Signature string `json:"signature"`
	InAmount  string `json:"in_amount"`
	OutAmount string `json:"out_amount"`
}

func (s *Service) handleSwapQuote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	req, err := quoteRequestFromQuery(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	quote, err := s.jupiter.GetQuote(r.Context(), req)
	if err != nil {
		s.logger.Error("swap quote failed", "input_mint", req.InputMint, "output_mint", req.OutputMint, "err", err)
		s.respondError(w, http.StatusBadGateway, "failed to fetch quote")
		return
	}

	s.respondJSON(w, http.StatusOK, swapQuoteResponse{
		OK:             true,
		InputMint:      quote.InputMint,
		OutputMint:     quote.OutputMint,
		InAmount:       quote.InAmount,
		OutAmount:      quote.OutAmount,
		PriceImpactPct: quote.PriceImpactPct,
	})
}

// handleSwapExecute runs the full swap flow for the session wallet:
// quote, aggregator-built transaction, local signing, send, confirm.
func (s *Service) handleSwapExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	rec, err := s.requireSession(r)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var request swapExecuteRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(request.InputMint) == "" || strings.TrimSpace(request.OutputMint) == "" {
		s.respondError(w, http.StatusBadRequest, "input_mint and output_mint are required")
		return
	}
	if request.Amount == 0 {
		s.respondError(w, http.StatusBadRequest, "amount must be > 0")
		return
	}
	slippage := request.SlippageBps
	if slippage <= 0 {
		slippage = defaultSlippageBps
	}

	key, err := s.openWalletKey(r.Context(), rec.UserID)
	if err != nil {
		s.logger.Error("open wallet key failed", "user_id", rec.UserID, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to access wallet")
		return
	}

	quote, err := s.jupiter.GetQuote(r.Context(), jupiter.QuoteRequest{
		InputMint:   strings.TrimSpace(request.InputMint),
		OutputMint:  strings.TrimSpace(request.OutputMint),
		Amount:      request.Amount,
		SlippageBps: slippage,
	})
	if err != nil {
		s.logger.Error("swap quote failed", "user_id", rec.UserID, "err", err)
		s.respondError(w, http.StatusBadGateway, "failed to fetch quote")
		return
	}

	encoded, err := s.jupiter.BuildSwapTransaction(r.Context(), quote, key.PublicKey().String())
	if err != nil {
		s.logger.Error("build swap transaction failed", "user_id", rec.UserID, "err", err)
		s.respondError(w, http.StatusBadGateway, "failed to build swap transaction")
		return
	}

	signature, err := s.sendAggregatorTransaction(r, encoded, key)
	if err != nil {
		s.logger.Error("swap execution failed", "user_id", rec.UserID, "err", err)
		s.respondError(w, http.StatusBadGateway, "swap failed")
		return
	}

	s.recordActivity(r.Context(), store.ActivityRecord{
		UserID:    rec.UserID,
		Type:      "swap",
		Token:     quote.OutputMint,
		Amount:    parseAmountString(quote.OutAmount),
		Signature: signature.String(),
		Metadata: fmt.Sprintf(`{"input_mint":%q,"output_mint":%q,"in_amount":%q,"out_amount":%q}`,
			quote.InputMint, quote.OutputMint, quote.InAmount, quote.OutAmount),
	})

	s.respondJSON(w, http.StatusOK, swapExecuteResponse{
		OK:        true,
		Signature: signature.String(),
		InAmount:  quote.InAmount,
		OutAmount: quote.OutAmount,
	})
}

// sendAggregatorTransaction signs a base64 transaction built by the
// aggregator and submits it raw, preserving the aggregator's account
// ordering and address table lookups.
func (s *Service) sendAggregatorTransaction(r *http.Request, encoded string, key solana.PrivateKey) (solana.Signature, error) {
	tx, err := solana.TransactionFromBase64(encoded)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("decode swap transaction: %w", err)
	}

	_, err = tx.Sign(func(pub solana.PublicKey) *solana.PrivateKey {
		if key.PublicKey().Equals(pub) {
			return &key
		}
		return nil
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sign swap transaction: %w", err)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return solana.Signature{}, fmt.Errorf("serialize swap transaction: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(r.Context(), s.cfg.RPCRequestTimeout)
	signature, err := s.rpc.SendRawTransactionWithOpts(sendCtx, raw, rpc.TransactionOpts{
		PreflightCommitment: s.cfg.Commitment,
	})
	cancel()
	if err != nil {
		return solana.Signature{}, fmt.Errorf("send swap transaction: %w", err)
	}

	if err := s.confirmSignature(r.Context(), signature); err != nil {
		return solana.Signature{}, err
	}
	return signature, nil
}

func quoteRequestFromQuery(r *http.Request) (jupiter.QuoteRequest, error) {
	query := r.URL.Query()

	inputMint := strings.TrimSpace(query.Get("input_mint"))
	outputMint := strings.TrimSpace(query.Get("output_mint"))
	if inputMint == "" || outputMint == "" {
		return jupiter.QuoteRequest{}, fmt.Errorf("input_mint and output_mint are required")
	}

	amount, err := strconv.ParseUint(strings.TrimSpace(query.Get("amount")), 10, 64)
	if err != nil || amount == 0 {
		return jupiter.QuoteRequest{}, fmt.Errorf("amount must be a positive integer in base units")
	}

	slippage := defaultSlippageBps
	if raw := strings.TrimSpace(query.Get("slippage_bps")); raw != "" {
		slippage, err = strconv.Atoi(raw)
		if err != nil || slippage <= 0 {
			return jupiter.QuoteRequest{}, fmt.Errorf("invalid slippage_bps")
		}
	}

	return jupiter.QuoteRequest{
		InputMint:   inputMint,
		OutputMint:  outputMint,
		Amount:      amount,
		SlippageBps: slippage,
	}, nil
}

// parseAmountString converts an aggregator base-unit amount to int64 for
// the activity ledger. Unparseable values degrade to zero rather than
// failing the request.
func parseAmountString(raw string) int64 {
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return value
}
