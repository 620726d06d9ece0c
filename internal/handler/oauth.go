package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukerupert/newsletter-admin/internal/auth"
	"github.com/dukerupert/newsletter-admin/internal/model"
	"github.com/dukerupert/newsletter-admin/internal/onedrive"
	"github.com/dukerupert/newsletter-admin/internal/secret"
	"github.com/dukerupert/newsletter-admin/internal/store"
	"github.com/dukerupert/newsletter-admin/internal/websocket"
	"golang.org/x/oauth2"
)

const settingsPage = "/settings/backup"

// OAuthHandler runs the OneDrive connect flow. The state parameter is a
// signed token naming the admin who started the flow.
type OAuthHandler struct {
	config  *oauth2.Config
	signer  *auth.Signer
	tokens  *store.TokenStore
	cipher  *secret.Cipher
	hub     *websocket.Hub
	baseURL string
	userID  string
	logger  *slog.Logger
}

// NewOAuthHandler builds the handler. userID selects the account reported by
// Status; empty means the most recently connected one.
func NewOAuthHandler(cfg *oauth2.Config, signer *auth.Signer, ts *store.TokenStore, c *secret.Cipher, hub *websocket.Hub, baseURL, userID string, logger *slog.Logger) *OAuthHandler {
	return &OAuthHandler{
		config:  cfg,
		signer:  signer,
		tokens:  ts,
		cipher:  c,
		hub:     hub,
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		logger:  logger,
	}
}

func (h *OAuthHandler) Start(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	state, err := h.signer.IssueState(userID, auth.DefaultStateMaxAge)
	if err != nil {
		h.logger.Error("issue oauth state", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start OneDrive connection")
		return
	}
	http.Redirect(w, r, h.config.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "select_account")), http.StatusFound)
}

func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		h.logger.Warn("onedrive authorization denied", "error", e, "description", q.Get("error_description"))
		h.finish(w, r, false)
		return
	}

	userID, err := h.signer.ParseState(q.Get("state"))
	if err != nil {
		h.logger.Warn("rejected oauth state", "error", err)
		h.finish(w, r, false)
		return
	}
	code := q.Get("code")
	if code == "" {
		h.logger.Warn("oauth callback without code", "user_id", userID)
		h.finish(w, r, false)
		return
	}

	if err := onedrive.Exchange(r.Context(), h.config, h.tokens, h.cipher, userID, code); err != nil {
		h.logger.Error("exchange oauth code", "user_id", userID, "error", err)
		h.finish(w, r, false)
		return
	}

	h.logger.Info("onedrive connected", "user_id", userID)
	if h.hub != nil {
		h.hub.Broadcast(websocket.NewMessage("onedrive_connected", 0, map[string]string{"user_id": userID}))
	}
	h.finish(w, r, true)
}

func (h *OAuthHandler) finish(w http.ResponseWriter, r *http.Request, ok bool) {
	outcome := "error"
	if ok {
		outcome = "connected"
	}
	http.Redirect(w, r, h.baseURL+settingsPage+"?onedrive="+outcome, http.StatusFound)
}

type connectionStatus struct {
	Connected bool       `json:"connected"`
	UserID    string     `json:"user_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Expired   bool       `json:"expired"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

func (h *OAuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	var (
		tok *model.OAuthToken
		err error
	)
	if h.userID != "" {
		tok, err = h.tokens.Get(r.Context(), model.ProviderOneDrive, h.userID)
	} else {
		tok, err = h.tokens.Latest(r.Context(), model.ProviderOneDrive)
	}
	if err != nil {
		h.logger.Error("get onedrive token", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read OneDrive connection")
		return
	}
	if tok == nil {
		writeJSON(w, http.StatusOK, connectionStatus{})
		return
	}

	writeJSON(w, http.StatusOK, connectionStatus{
		Connected: true,
		UserID:    tok.UserID,
		ExpiresAt: &tok.ExpiresAt,
		Expired:   tok.Expired(time.Now()),
		UpdatedAt: &tok.UpdatedAt,
	})
}
