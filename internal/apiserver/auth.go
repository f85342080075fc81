package apiserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/veilfi/backend/internal/custody"
	"github.com/veilfi/backend/internal/session"
	"github.com/veilfi/backend/internal/store"
	"github.com/veilfi/backend/internal/wallet"
)

const sessionCookieName = "veilfi_session"

type authLoginRequest struct {
	DisplayName string `json:"display_name"`
}

type authImportRequest struct {
	Input       string `json:"input"`
	DisplayName string `json:"display_name"`
}

type authResponse struct {
	OK           bool   `json:"ok"`
	WalletPubkey string `json:"wallet_pubkey"`
}

type sessionUser struct {
	WalletPubkey string `json:"wallet_pubkey"`
	DisplayName  string `json:"display_name,omitempty"`
}

type sessionMeResponse struct {
	OK   bool        `json:"ok"`
	User sessionUser `json:"user"`
}

// handleAuthLogin creates a fresh custodial wallet and opens a session
// for it. The secret key is sealed into the users table; the response
// carries only the public key.
func (s *Service) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	var request authLoginRequest
	if r.ContentLength != 0 {
		if err := decodeJSONBody(r, &request); err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	key, err := wallet.Generate()
	if err != nil {
		s.logger.Error("generate wallet failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to create wallet")
		return
	}

	userID, err := s.enrollWallet(r.Context(), key, strings.TrimSpace(request.DisplayName))
	if err != nil {
		s.logger.Error("enroll wallet failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to create wallet")
		return
	}

	pubkey := key.PublicKey().String()
	if err := s.issueSession(w, r, userID, pubkey, strings.TrimSpace(request.DisplayName)); err != nil {
		s.logger.Error("issue session failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	s.respondJSON(w, http.StatusOK, authResponse{OK: true, WalletPubkey: pubkey})
}

// handleAuthImport accepts exported key material (JSON array, base58
// secret or seed, or a mnemonic), seals it, and opens a session. The
// secret is never echoed back.
func (s *Service) handleAuthImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	var request authImportRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(request.Input) == "" {
		s.respondError(w, http.StatusBadRequest, "input is required")
		return
	}

	key, err := wallet.ParseKeyMaterial(request.Input)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "unrecognized key material")
		return
	}

	userID, err := s.enrollWallet(r.Context(), key, strings.TrimSpace(request.DisplayName))
	if err != nil {
		s.logger.Error("enroll imported wallet failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to import wallet")
		return
	}

	pubkey := key.PublicKey().String()
	if err := s.issueSession(w, r, userID, pubkey, strings.TrimSpace(request.DisplayName)); err != nil {
		s.logger.Error("issue session failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	s.respondJSON(w, http.StatusOK, authResponse{OK: true, WalletPubkey: pubkey})
}

func (s *Service) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	if token, err := sessionTokenFromRequest(r); err == nil {
		if err := s.sessions.Destroy(r.Context(), session.HashToken(token)); err != nil {
			s.logger.Warn("destroy session failed", "err", err)
		}
	}
	s.clearSessionCookie(w)
	s.respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Service) handleSessionMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	token, err := sessionTokenFromRequest(r)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, "NO_SESSION")
		return
	}

	rec, err := s.sessions.Get(r.Context(), session.HashToken(token))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.respondError(w, http.StatusUnauthorized, "INVALID_SESSION")
			return
		}
		s.logger.Error("session lookup failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	s.respondJSON(w, http.StatusOK, sessionMeResponse{
		OK: true,
		User: sessionUser{
			WalletPubkey: rec.WalletPubkey,
			DisplayName:  rec.DisplayName,
		},
	})
}

func (s *Service) enrollWallet(ctx context.Context, key solana.PrivateKey, displayName string) (string, error) {
	sealed, err := s.vault.Seal(key)
	if err != nil {
		return "", fmt.Errorf("seal wallet key: %w", err)
	}

	return s.store.UpsertUserByPubkey(ctx, store.UserRecord{
		ID:          uuid.NewString(),
		Pubkey:      key.PublicKey().String(),
		Ciphertext:  sealed.Ciphertext,
		Nonce:       sealed.Nonce,
		Salt:        sealed.Salt,
		DisplayName: displayName,
		CreatedAt:   time.Now().Unix(),
	})
}

func (s *Service) issueSession(w http.ResponseWriter, r *http.Request, userID, pubkey, displayName string) error {
	token, tokenHash, err := session.NewToken()
	if err != nil {
		return err
	}

	now := time.Now()
	err = s.sessions.Create(r.Context(), session.Record{
		TokenHash:    tokenHash,
		UserID:       userID,
		WalletPubkey: pubkey,
		DisplayName:  displayName,
		CreatedAt:    now.Unix(),
		ExpiresAt:    now.Add(s.cfg.SessionTTL).Unix(),
	})
	if err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.cfg.SessionTTL / time.Second),
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (s *Service) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// requireSession resolves the caller's session from the cookie, with an
// Authorization bearer fallback for non-browser clients.
func (s *Service) requireSession(r *http.Request) (session.Record, error) {
	token, err := sessionTokenFromRequest(r)
	if err != nil {
		return session.Record{}, err
	}

	rec, err := s.sessions.Get(r.Context(), session.HashToken(token))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return session.Record{}, fmt.Errorf("invalid or expired session")
		}
		return session.Record{}, err
	}
	return rec, nil
}

func sessionTokenFromRequest(r *http.Request) (string, error) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value, nil
	}

	authorization := strings.TrimSpace(r.Header.Get("Authorization"))
	if authorization == "" {
		return "", fmt.Errorf("session cookie or authorization header is required")
	}
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authorization, bearerPrefix) {
		return "", fmt.Errorf("authorization header must use bearer token")
	}
	token := strings.TrimSpace(strings.TrimPrefix(authorization, bearerPrefix))
	if token == "" {
		return "", fmt.Errorf("authorization token is empty")
	}
	return token, nil
}

// openWalletKey unseals a user's secret key for a single signing
// operation. Callers must not retain or serialize the returned key.
func (s *Service) openWalletKey(ctx context.Context, userID string) (solana.PrivateKey, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	secret, err := s.vault.Open(custody.SealedSecret{
		Ciphertext: user.Ciphertext,
		Nonce:      user.Nonce,
		Salt:       user.Salt,
	})
	if err != nil {
		return nil, err
	}
	return solana.PrivateKey(secret), nil
}
