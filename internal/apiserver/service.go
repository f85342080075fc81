package apiserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/veilfi/backend/internal/config"
	"github.com/veilfi/backend/internal/custody"
	"github.com/veilfi/backend/internal/jupiter"
	"github.com/veilfi/backend/internal/session"
	"github.com/veilfi/backend/internal/store"
)

const sessionSweepInterval = time.Hour

// dataStore is the slice of the Postgres store the API server uses.
// Narrow so handlers are testable against a fake.
type dataStore interface {
	UpsertUserByPubkey(ctx context.Context, user store.UserRecord) (string, error)
	GetUserByID(ctx context.Context, id string) (store.UserRecord, error)
	InsertActivity(ctx context.Context, activity store.ActivityRecord) (bool, error)
	ListActivities(ctx context.Context, filter store.ActivityFilter) ([]store.ActivityRecord, int, int, error)
	LatestActivityID(ctx context.Context, userID string) (int64, error)
	ListActivitiesAfter(ctx context.Context, userID string, afterID int64, limit int) ([]store.ActivityRecord, error)
	Close() error
}

type Service struct {
	cfg              config.APIServerConfig
	logger           *slog.Logger
	store            dataStore
	sessions         session.Store
	vault            *custody.Vault
	rpc              *rpc.Client
	jupiter          *jupiter.Client
	treasury         solana.PrivateKey
	orders           *orderBook
	allowAllOrigins  bool
	allowedOriginSet map[string]struct{}
}

func New(cfg config.APIServerConfig, logger *slog.Logger) (*Service, error) {
	st, err := store.New(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	vault, err := custody.New(cfg.CustodyMasterKey)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	var sessions session.Store
	switch cfg.SessionBackend {
	case "memory":
		sessions = session.NewMemory()
	default:
		sessions = session.NewPostgres(st)
	}

	var treasury solana.PrivateKey
	if cfg.TreasuryKeypairPath != "" {
		treasury, err = solana.PrivateKeyFromSolanaKeygenFile(cfg.TreasuryKeypairPath)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("load treasury keypair: %w", err)
		}
	}

	allowAllOrigins := false
	allowedOriginSet := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAllOrigins = true
			continue
		}
		allowedOriginSet[trimmed] = struct{}{}
	}
	if len(allowedOriginSet) == 0 && !allowAllOrigins {
		allowAllOrigins = true
	}

	return &Service{
		cfg:              cfg,
		logger:           logger,
		store:            st,
		sessions:         sessions,
		vault:            vault,
		rpc:              rpc.New(cfg.RPCURL),
		jupiter:          jupiter.New(cfg.JupiterBaseURL),
		treasury:         treasury,
		orders:           newOrderBook(),
		allowAllOrigins:  allowAllOrigins,
		allowedOriginSet: allowedOriginSet,
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/auth/login", s.handleAuthLogin)
	mux.HandleFunc("/auth/import", s.handleAuthImport)
	mux.HandleFunc("/auth/logout", s.handleAuthLogout)
	mux.HandleFunc("/session/me", s.handleSessionMe)
	mux.HandleFunc("/wallet/balance", s.handleWalletBalance)
	mux.HandleFunc("/wallet/tokens", s.handleWalletTokens)
	mux.HandleFunc("/wallet/send", s.handleWalletSend)
	mux.HandleFunc("/wallet/send-token", s.handleWalletSendToken)
	mux.HandleFunc("/withdraw/sol", s.handleWithdrawSOL)
	mux.HandleFunc("/deposit/check", s.handleDepositCheck)
	mux.HandleFunc("/swap/quote", s.handleSwapQuote)
	mux.HandleFunc("/swap/execute", s.handleSwapExecute)
	mux.HandleFunc("/buy/init", s.handleBuyInit)
	mux.HandleFunc("/buy/confirm", s.handleBuyConfirm)
	mux.HandleFunc("/ws", s.handleWebsocket)

	handler := s.withCORS(mux)
	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	go s.runSessionSweeper(ctx)

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	s.logger.Info("api-server started",
		"listen_addr", s.cfg.ListenAddr,
		"session_backend", s.cfg.SessionBackend,
		"allowed_origins", strings.Join(s.cfg.AllowedOrigins, ","),
		"treasury_enabled", s.treasury != nil,
	)

	select {
	case <-ctx.Done():
		s.logger.Info("api-server stopping")
		if err := server.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown api-server: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}

func (s *Service) runSessionSweeper(ctx context.Context) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.orders.sweep(time.Now())
			switch backend := s.sessions.(type) {
			case *session.Postgres:
				if removed, err := backend.SweepExpired(ctx); err != nil {
					s.logger.Warn("session sweep failed", "err", err)
				} else if removed > 0 {
					s.logger.Info("expired sessions removed", "count", removed)
				}
			case *session.Memory:
				backend.Sweep()
			}
		}
	}
}

type healthResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	s.respondJSON(w, http.StatusOK, healthResponse{OK: true})
}

func (s *Service) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			allowed := s.allowAllOrigins
			if !allowed {
				_, allowed = s.allowedOriginSet[origin]
			}

			if allowed {
				if s.allowAllOrigins {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "300")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Service) isOriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	if s.allowAllOrigins {
		return true
	}
	_, ok := s.allowedOriginSet[origin]
	return ok
}

func (s *Service) respondMethodNotAllowed(w http.ResponseWriter) {
	s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Service) respondError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, errorResponse{Error: message})
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", "err", err)
	}
}

func decodeJSONBody(r *http.Request, destination any) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(destination); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	var extra json.RawMessage
	if err := decoder.Decode(&extra); err != io.EOF {
		return fmt.Errorf("invalid request body: multiple JSON values")
	}
	return nil
}

func newID(prefix string) (string, error) {
	raw := make([]byte, 12)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return prefix + "-" + hex.EncodeToString(raw), nil
}
