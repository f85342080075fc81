package apiserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilfi/backend/internal/config"
	"github.com/veilfi/backend/internal/session"
	"github.com/veilfi/backend/internal/store"
)

type fakeActivityStore struct {
	mu         sync.Mutex
	signatures map[string]bool
	inserted   []store.ActivityRecord
}

func newFakeActivityStore() *fakeActivityStore {
	return &fakeActivityStore{signatures: map[string]bool{}}
}

func (f *fakeActivityStore) InsertActivity(_ context.Context, activity store.ActivityRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signatures[activity.Signature] {
		return false, nil
	}
	f.signatures[activity.Signature] = true
	f.inserted = append(f.inserted, activity)
	return true, nil
}

func (f *fakeActivityStore) insertedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

func (f *fakeActivityStore) UpsertUserByPubkey(context.Context, store.UserRecord) (string, error) {
	return "", nil
}

func (f *fakeActivityStore) GetUserByID(context.Context, string) (store.UserRecord, error) {
	return store.UserRecord{}, store.ErrNotFound
}

func (f *fakeActivityStore) ListActivities(context.Context, store.ActivityFilter) ([]store.ActivityRecord, int, int, error) {
	return nil, 0, 0, nil
}

func (f *fakeActivityStore) LatestActivityID(context.Context, string) (int64, error) {
	return 0, nil
}

func (f *fakeActivityStore) ListActivitiesAfter(context.Context, string, int64, int) ([]store.ActivityRecord, error) {
	return nil, nil
}

func (f *fakeActivityStore) Close() error { return nil }

// fakeChainRPC answers the JSON-RPC calls the sale flow makes. The
// payment transaction it serves credits the treasury with deltaLamports.
type fakeChainRPC struct {
	t             *testing.T
	treasury      solana.PublicKey
	deltaLamports uint64
	blockhash     string

	mu                 sync.Mutex
	methods            []string
	failGetTransaction bool
}

func newFakeChainRPC(t *testing.T, treasury solana.PublicKey, deltaLamports uint64) *fakeChainRPC {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return &fakeChainRPC{
		t:             t,
		treasury:      treasury,
		deltaLamports: deltaLamports,
		blockhash:     key.PublicKey().String(),
	}
}

func (f *fakeChainRPC) setFailGetTransaction(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failGetTransaction = fail
}

func (f *fakeChainRPC) calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, m := range f.methods {
		if m == method {
			count++
		}
	}
	return count
}

func (f *fakeChainRPC) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(f.t, err)
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		require.NoError(f.t, json.Unmarshal(body, &req))

		f.mu.Lock()
		f.methods = append(f.methods, req.Method)
		failTx := f.failGetTransaction
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "getTransaction":
			if failTx {
				fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"error":{"code":-32000,"message":"node is behind"}}`, req.ID)
				return
			}
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":%s}`, req.ID, f.paymentTransactionJSON())
		case "getAccountInfo":
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{"context":{"slot":1},"value":{"lamports":2039280,"owner":"TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA","data":["","base64"],"executable":false,"rentEpoch":0}}}`, req.ID)
		case "getLatestBlockhash":
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{"context":{"slot":1},"value":{"blockhash":%q,"lastValidBlockHeight":100}}}`, req.ID, f.blockhash)
		case "sendTransaction":
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":%q}`, req.ID, solana.Signature{9}.String())
		case "getSignatureStatuses":
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{"context":{"slot":1},"value":[{"slot":1,"confirmations":null,"err":null,"confirmationStatus":"finalized"}]}}`, req.ID)
		default:
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"error":{"code":-32601,"message":"method not handled"}}`, req.ID)
		}
	}
}

func (f *fakeChainRPC) paymentTransactionJSON() string {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(f.t, err)
	payer := key.PublicKey()

	tx := solana.Transaction{
		Signatures: []solana.Signature{{}},
		Message: solana.Message{
			AccountKeys: []solana.PublicKey{payer, f.treasury},
		},
	}
	raw, err := tx.MarshalBinary()
	require.NoError(f.t, err)

	pre := []uint64{5_000_000_000, 0}
	post := []uint64{5_000_000_000 - f.deltaLamports - 5_000, f.deltaLamports}
	return fmt.Sprintf(
		`{"slot":42,"blockTime":1700000000,"transaction":[%q,"base64"],"meta":{"err":null,"fee":5000,"preBalances":[%d,%d],"postBalances":[%d,%d]}}`,
		base64.StdEncoding.EncodeToString(raw), pre[0], pre[1], post[0], post[1],
	)
}

func saleTestService(t *testing.T, st *fakeActivityStore, rpcURL string, treasury solana.PrivateKey) *Service {
	t.Helper()
	mintKey, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	return &Service{
		cfg: config.APIServerConfig{
			Commitment:        rpc.CommitmentConfirmed,
			RPCRequestTimeout: 5 * time.Second,
			SessionTTL:        time.Hour,
			SaleTokenMint:     mintKey.PublicKey(),
			SaleTokenDecimals: 9,
			SaleTokenPriceSOL: 0.001,
		},
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		store:           st,
		sessions:        session.NewMemory(),
		orders:          newOrderBook(),
		rpc:             rpc.New(rpcURL),
		treasury:        treasury,
		allowAllOrigins: true,
	}
}

func confirmRequest(token, orderID string, sig solana.Signature) *http.Request {
	body := fmt.Sprintf(`{"order_id":%q,"signature":%q}`, orderID, sig.String())
	request := httptest.NewRequest(http.MethodPost, "/buy/confirm", strings.NewReader(body))
	request.AddCookie(&http.Cookie{Name: sessionCookieName, Value: token})
	return request
}

func TestBuyConfirmRejectsReplayedPaymentSignature(t *testing.T) {
	treasury, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	buyer, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	chain := newFakeChainRPC(t, treasury.PublicKey(), solana.LAMPORTS_PER_SOL)
	server := httptest.NewServer(chain.handler())
	defer server.Close()

	st := newFakeActivityStore()
	s := saleTestService(t, st, server.URL, treasury)
	token := openTestSession(t, s, "user-1", buyer.PublicKey().String())

	now := time.Now()
	s.orders.create(pendingOrder{ID: "order-1", UserID: "user-1", CreatedAt: now, ExpiresAt: now.Add(orderTTL)})
	s.orders.create(pendingOrder{ID: "order-2", UserID: "user-1", CreatedAt: now, ExpiresAt: now.Add(orderTTL)})

	paymentSig := solana.Signature{7}

	recorder := httptest.NewRecorder()
	s.handleBuyConfirm(recorder, confirmRequest(token, "order-1", paymentSig))
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())
	require.Equal(t, 1, st.insertedCount())
	assert.Equal(t, paymentSig.String(), st.inserted[0].Signature)
	// 1 SOL at 0.001 SOL/token, 9 decimals.
	assert.Equal(t, int64(1_000_000_000_000), st.inserted[0].Amount)

	recorder = httptest.NewRecorder()
	s.handleBuyConfirm(recorder, confirmRequest(token, "order-2", paymentSig))
	assert.Equal(t, http.StatusConflict, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "payment already used")

	assert.Equal(t, 1, st.insertedCount())
	assert.Equal(t, 1, chain.calls("sendTransaction"))
}

func TestBuyConfirmLeavesOrderRetryableOnRPCFailure(t *testing.T) {
	treasury, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	buyer, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	chain := newFakeChainRPC(t, treasury.PublicKey(), solana.LAMPORTS_PER_SOL)
	chain.setFailGetTransaction(true)
	server := httptest.NewServer(chain.handler())
	defer server.Close()

	st := newFakeActivityStore()
	s := saleTestService(t, st, server.URL, treasury)
	token := openTestSession(t, s, "user-1", buyer.PublicKey().String())

	now := time.Now()
	s.orders.create(pendingOrder{ID: "order-1", UserID: "user-1", CreatedAt: now, ExpiresAt: now.Add(orderTTL)})

	paymentSig := solana.Signature{7}

	recorder := httptest.NewRecorder()
	s.handleBuyConfirm(recorder, confirmRequest(token, "order-1", paymentSig))
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "payment not found or not confirmed")
	assert.True(t, s.orders.has("order-1", "user-1", time.Now()))
	assert.Equal(t, 0, st.insertedCount())

	chain.setFailGetTransaction(false)
	recorder = httptest.NewRecorder()
	s.handleBuyConfirm(recorder, confirmRequest(token, "order-1", paymentSig))
	assert.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())
	assert.Equal(t, 1, st.insertedCount())
}
