package apiserver

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilfi/backend/internal/config"
	"github.com/veilfi/backend/internal/session"
)

func testService(t *testing.T) *Service {
	t.Helper()
	return &Service{
		cfg: config.APIServerConfig{
			SessionTTL:        7 * 24 * time.Hour,
			SaleTokenDecimals: 9,
			SaleTokenPriceSOL: 0.001,
		},
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		sessions:        session.NewMemory(),
		orders:          newOrderBook(),
		allowAllOrigins: true,
	}
}

func openTestSession(t *testing.T, s *Service, userID, pubkey string) string {
	t.Helper()
	token, tokenHash, err := session.NewToken()
	require.NoError(t, err)
	require.NoError(t, s.sessions.Create(context.Background(), session.Record{
		TokenHash:    tokenHash,
		UserID:       userID,
		WalletPubkey: pubkey,
		CreatedAt:    time.Now().Unix(),
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
	}))
	return token
}

func TestSessionMeWithoutToken(t *testing.T) {
	s := testService(t)

	recorder := httptest.NewRecorder()
	s.handleSessionMe(recorder, httptest.NewRequest(http.MethodGet, "/session/me", nil))

	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "NO_SESSION")
}

func TestSessionMeWithCookie(t *testing.T) {
	s := testService(t)
	token := openTestSession(t, s, "user-1", "BPFLoaderUpgradeab1e11111111111111111111111")

	request := httptest.NewRequest(http.MethodGet, "/session/me", nil)
	request.AddCookie(&http.Cookie{Name: sessionCookieName, Value: token})
	recorder := httptest.NewRecorder()
	s.handleSessionMe(recorder, request)

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "BPFLoaderUpgradeab1e11111111111111111111111")
}

func TestSessionMeWithBearerToken(t *testing.T) {
	s := testService(t)
	token := openTestSession(t, s, "user-1", "SysvarRent111111111111111111111111111111111")

	request := httptest.NewRequest(http.MethodGet, "/session/me", nil)
	request.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	s.handleSessionMe(recorder, request)

	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestSessionMeRejectsUnknownToken(t *testing.T) {
	s := testService(t)

	request := httptest.NewRequest(http.MethodGet, "/session/me", nil)
	request.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "bogus"})
	recorder := httptest.NewRecorder()
	s.handleSessionMe(recorder, request)

	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "INVALID_SESSION")
}

func TestLogoutDestroysSessionAndClearsCookie(t *testing.T) {
	s := testService(t)
	token := openTestSession(t, s, "user-1", "SysvarC1ock11111111111111111111111111111111")

	request := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	request.AddCookie(&http.Cookie{Name: sessionCookieName, Value: token})
	recorder := httptest.NewRecorder()
	s.handleAuthLogout(recorder, request)

	require.Equal(t, http.StatusOK, recorder.Code)

	cookies := recorder.Result().Cookies()
	require.NotEmpty(t, cookies)
	assert.Equal(t, sessionCookieName, cookies[0].Name)
	assert.Equal(t, -1, cookies[0].MaxAge)

	_, err := s.sessions.Get(context.Background(), session.HashToken(token))
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestParseSOLAmount(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		want    uint64
		wantErr bool
	}{
		{name: "integer sol", input: "2", want: 2_000_000_000},
		{name: "fractional sol", input: "0.5", want: 500_000_000},
		{name: "comma separator", input: "1,25", want: 1_250_000_000},
		{name: "whitespace", input: " 0.001 ", want: 1_000_000},
		{name: "single lamport", input: "0.000000001", want: 1},
		{name: "empty", input: "", wantErr: true},
		{name: "zero", input: "0", wantErr: true},
		{name: "negative", input: "-1", wantErr: true},
		{name: "below one lamport", input: "0.0000000001", wantErr: true},
		{name: "garbage", input: "ten", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseSOLAmount(tc.input)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestOrderBookConsumeIsSingleUse(t *testing.T) {
	book := newOrderBook()
	now := time.Now()
	book.create(pendingOrder{ID: "order-1", UserID: "user-1", CreatedAt: now, ExpiresAt: now.Add(orderTTL)})

	_, ok := book.consume("order-1", "user-1", now)
	assert.True(t, ok)
	_, ok = book.consume("order-1", "user-1", now)
	assert.False(t, ok)
}

func TestOrderBookRejectsWrongUser(t *testing.T) {
	book := newOrderBook()
	now := time.Now()
	book.create(pendingOrder{ID: "order-1", UserID: "user-1", CreatedAt: now, ExpiresAt: now.Add(orderTTL)})

	_, ok := book.consume("order-1", "user-2", now)
	assert.False(t, ok)
}

func TestOrderBookRejectsExpiredOrder(t *testing.T) {
	book := newOrderBook()
	now := time.Now()
	book.create(pendingOrder{ID: "order-1", UserID: "user-1", CreatedAt: now, ExpiresAt: now.Add(time.Minute)})

	_, ok := book.consume("order-1", "user-1", now.Add(2*time.Minute))
	assert.False(t, ok)
}

func TestOrderBookSweepDropsOnlyExpired(t *testing.T) {
	book := newOrderBook()
	now := time.Now()
	book.create(pendingOrder{ID: "fresh", UserID: "user-1", ExpiresAt: now.Add(time.Hour)})
	book.create(pendingOrder{ID: "stale", UserID: "user-1", ExpiresAt: now.Add(-time.Minute)})

	removed := book.sweep(now)
	assert.Equal(t, 1, removed)

	_, ok := book.consume("fresh", "user-1", now)
	assert.True(t, ok)
}

func TestSaleTokenUnits(t *testing.T) {
	s := testService(t)

	// 0.001 SOL per token, 9 decimals: 1 SOL buys 1000 whole tokens.
	assert.Equal(t, uint64(1_000_000_000_000), s.saleTokenUnits(1_000_000_000))
	assert.Equal(t, uint64(0), s.saleTokenUnits(0))

	s.cfg.SaleTokenPriceSOL = 0
	assert.Equal(t, uint64(0), s.saleTokenUnits(1_000_000_000))
}

func TestQuoteRequestFromQuery(t *testing.T) {
	request := httptest.NewRequest(http.MethodGet,
		"/swap/quote?input_mint=So11111111111111111111111111111111111111112&output_mint=EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v&amount=1000000", nil)

	req, err := quoteRequestFromQuery(request)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), req.Amount)
	assert.Equal(t, defaultSlippageBps, req.SlippageBps)

	_, err = quoteRequestFromQuery(httptest.NewRequest(http.MethodGet, "/swap/quote?amount=5", nil))
	assert.Error(t, err)

	_, err = quoteRequestFromQuery(httptest.NewRequest(http.MethodGet,
		"/swap/quote?input_mint=a&output_mint=b&amount=0", nil))
	assert.Error(t, err)
}

func TestIsOriginAllowed(t *testing.T) {
	s := testService(t)
	s.allowAllOrigins = false
	s.allowedOriginSet = map[string]struct{}{"https://app.veilfi.io": {}}

	assert.True(t, s.isOriginAllowed("https://app.veilfi.io"))
	assert.False(t, s.isOriginAllowed("https://evil.example"))
	assert.True(t, s.isOriginAllowed(""))
}

func TestDecodeJSONBodyRejectsUnknownFields(t *testing.T) {
	request := httptest.NewRequest(http.MethodPost, "/auth/import",
		strings.NewReader(`{"input":"x","bogus":true}`))
	var body authImportRequest
	assert.Error(t, decodeJSONBody(request, &body))
}

func TestDecodeJSONBodyRejectsTrailingValues(t *testing.T) {
	request := httptest.NewRequest(http.MethodPost, "/auth/import",
		strings.NewReader(`{"input":"x"}{"input":"y"}`))
	var body authImportRequest
	assert.Error(t, decodeJSONBody(request, &body))
}
