// Package auth implements the GitHub OAuth flow, the installation callback,
// and cookie sessions. Every browser round trip is bound by a signed state
// parameter; the installation callback trusts nothing but that state.
package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cswenor/conductor-sub003/internal/config"
	"github.com/cswenor/conductor-sub003/internal/db"
	conductorerrors "github.com/cswenor/conductor-sub003/internal/errors"
	forge "github.com/cswenor/conductor-sub003/internal/forge/github"
)

// authorizeURL is GitHub's OAuth authorization endpoint. The API base URL is
// configurable for tests, but the browser-facing authorize page is not
// proxied anywhere in this flow.
const authorizeURL = "https://github.com/login/oauth/authorize"

const (
	loginPath    = "/login"
	settingsPath = "/settings"
)

// Exchanger is the slice of the forge provider the OAuth flow needs.
type Exchanger interface {
	ExchangeOAuthCode(ctx context.Context, code string) (string, error)
	AuthenticatedUser(ctx context.Context, accessToken string) (*forge.User, error)
}

// Service owns the /auth/* routes.
type Service struct {
	store    *db.Store
	provider Exchanger
	sessions *Sessions
	cipher   *Cipher
	secret   string
	clientID string
	baseURL  string
	logger   *slog.Logger
}

// NewService wires the auth routes. The session secret signs state
// parameters and salts session token hashes.
func NewService(store *db.Store, provider Exchanger, sessions *Sessions, cipher *Cipher, cfg *config.Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Session.Secret == "" {
		logger.Warn("session secret is empty; state signatures are trivially forgeable")
	}
	if !cipher.Enabled() {
		logger.Warn("no database encryption key configured; access tokens will be stored in plaintext")
	}
	return &Service{
		store:    store,
		provider: provider,
		sessions: sessions,
		cipher:   cipher,
		secret:   cfg.Session.Secret,
		clientID: cfg.GitHub.ClientID,
		baseURL:  strings.TrimRight(cfg.PublicBaseURL, "/"),
		logger:   logger,
	}
}

// Sessions exposes the session manager for route middleware.
func (s *Service) Sessions() *Sessions { return s.sessions }

// HandleLogin starts the OAuth flow: mint a signed state and send the
// browser to GitHub.
func (s *Service) HandleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := SignState(s.secret, NewState(safeRedirect(r.URL.Query().Get("redirect")), ""))
	if err != nil {
		s.logger.Error("sign login state failed", "error", err)
		writeError(w, conductorerrors.Wrap(err, "failed to start login"))
		return
	}

	q := url.Values{}
	q.Set("client_id", s.clientID)
	q.Set("redirect_uri", s.baseURL+"/auth/github/callback")
	q.Set("state", state)
	http.Redirect(w, r, authorizeURL+"?"+q.Encode(), http.StatusTemporaryRedirect)
}

// HandleCallback finishes the OAuth login. An invalid state aborts before
// any persistent write. When GitHub combined the login with an app
// installation, the browser is forwarded to the installation callback with a
// fresh state that now carries the authenticated user.
func (s *Service) HandleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	payload, err := VerifyState(s.secret, q.Get("state"))
	if err != nil {
		s.logger.Warn("login callback rejected", "error", err)
		redirectError(w, r, loginPath, "invalid_state")
		return
	}
	code := q.Get("code")
	if code == "" {
		redirectError(w, r, loginPath, "missing_code")
		return
	}

	token, err := s.provider.ExchangeOAuthCode(r.Context(), code)
	if err != nil {
		s.logger.Warn("oauth code exchange failed", "error", err)
		redirectError(w, r, loginPath, "exchange_failed")
		return
	}
	identity, err := s.provider.AuthenticatedUser(r.Context(), token)
	if err != nil {
		s.logger.Warn("fetch authenticated user failed", "error", err)
		redirectError(w, r, loginPath, "identity_failed")
		return
	}

	user, err := s.store.UpsertUserByGithubID(identity.GithubID, identity.Login)
	if err != nil {
		s.logger.Error("upsert user failed", "github_id", identity.GithubID, "error", err)
		redirectError(w, r, loginPath, "server_error")
		return
	}
	enc, err := s.cipher.Encrypt(token)
	if err != nil {
		s.logger.Error("encrypt access token failed", "user_id", user.ID, "error", err)
		redirectError(w, r, loginPath, "server_error")
		return
	}
	if err := s.store.SetUserAccessToken(user.ID, enc); err != nil {
		s.logger.Error("store access token failed", "user_id", user.ID, "error", err)
		redirectError(w, r, loginPath, "server_error")
		return
	}

	sessionToken, sess, err := s.sessions.Create(user.ID)
	if err != nil {
		s.logger.Error("create session failed", "user_id", user.ID, "error", err)
		redirectError(w, r, loginPath, "server_error")
		return
	}
	http.SetCookie(w, s.sessions.Cookie(sessionToken, sess.ExpiresAt))
	s.logger.Info("user logged in", "user_id", user.ID, "login", user.Login)

	if instID := q.Get("installation_id"); instID != "" {
		forward, err := SignState(s.secret, NewState(payload.Redirect, user.ID))
		if err != nil {
			s.logger.Error("sign installation state failed", "error", err)
			redirectError(w, r, settingsPath, "server_error")
			return
		}
		next := url.Values{}
		next.Set("installation_id", instID)
		next.Set("state", forward)
		http.Redirect(w, r, "/auth/github/installed?"+next.Encode(), http.StatusTemporaryRedirect)
		return
	}

	http.Redirect(w, r, safeRedirect(payload.Redirect), http.StatusTemporaryRedirect)
}

// HandleInstalled records an app installation for the user the state names.
// The state is verified before any database access, and an installation
// already bound to someone else's project is rejected without revealing
// that project.
func (s *Service) HandleInstalled(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	payload, err := VerifyState(s.secret, q.Get("state"))
	if err != nil {
		s.logger.Warn("installation callback rejected", "error", err)
		redirectError(w, r, loginPath, "invalid_state")
		return
	}
	if payload.UserID == "" {
		s.logger.Warn("installation callback state carries no user")
		redirectError(w, r, loginPath, "invalid_state")
		return
	}
	installationID, err := strconv.ParseInt(q.Get("installation_id"), 10, 64)
	if err != nil || installationID <= 0 {
		redirectError(w, r, settingsPath, "invalid_installation")
		return
	}

	owner, err := s.store.GetProjectByInstallationID(installationID)
	if err != nil {
		s.logger.Error("look up installation owner failed", "installation_id", installationID, "error", err)
		redirectError(w, r, settingsPath, "server_error")
		return
	}
	if owner != nil && owner.UserID != payload.UserID {
		s.logger.Warn("installation callback for another user's installation",
			"installation_id", installationID, "user_id", payload.UserID)
		redirectError(w, r, settingsPath, "installation_owned")
		return
	}

	pending := &db.PendingInstallation{
		InstallationID: installationID,
		UserID:         payload.UserID,
		AccountLogin:   q.Get("account_login"),
	}
	if err := s.store.UpsertPendingInstallation(pending); err != nil {
		s.logger.Error("record pending installation failed", "installation_id", installationID, "error", err)
		redirectError(w, r, settingsPath, "server_error")
		return
	}

	s.logger.Info("installation recorded",
		"installation_id", installationID, "user_id", payload.UserID)
	dest := payload.Redirect
	if dest == "" {
		dest = settingsPath
	}
	http.Redirect(w, r, safeRedirect(dest), http.StatusTemporaryRedirect)
}

// HandleLogout deletes the session behind the cookie. Logout without a live
// session still succeeds; the cookie is cleared either way.
func (s *Service) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if sess, _, err := s.sessions.FromRequest(r); err == nil {
		if err := s.store.DeleteSession(sess.ID); err != nil {
			s.logger.Error("delete session failed", "session_id", sess.ID, "error", err)
		}
	}
	http.SetCookie(w, s.sessions.ClearCookie())
	writeJSON(w, http.StatusOK, map[string]bool{"loggedOut": true})
}

type meResponse struct {
	ID          string     `json:"id"`
	GithubID    int64      `json:"githubId"`
	Login       string     `json:"login"`
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
}

// HandleMe returns the authenticated user.
func (s *Service) HandleMe(w http.ResponseWriter, r *http.Request) {
	_, user, err := s.sessions.FromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		ID:          user.ID,
		GithubID:    user.GithubID,
		Login:       user.Login,
		LastLoginAt: user.LastLoginAt,
	})
}

// safeRedirect confines post-auth redirects to local paths.
func safeRedirect(path string) string {
	if path == "" || !strings.HasPrefix(path, "/") ||
		strings.HasPrefix(path, "//") || strings.Contains(path, "\\") {
		return "/"
	}
	return path
}

func redirectError(w http.ResponseWriter, r *http.Request, path, code string) {
	http.Redirect(w, r, path+"?error="+url.QueryEscape(code), http.StatusTemporaryRedirect)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	if ce := conductorerrors.AsConductorError(err); ce != nil {
		writeJSON(w, ce.HTTPStatus(), map[string]string{"error": ce.What, "code": string(ce.Code)})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error", "code": "INTERNAL"})
}
