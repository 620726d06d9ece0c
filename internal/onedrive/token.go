package onedrive

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dukerupert/newsletter-admin/internal/model"
	"github.com/dukerupert/newsletter-admin/internal/secret"
	"github.com/dukerupert/newsletter-admin/internal/store"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

// Scopes requested during the connect flow.
var Scopes = []string{"offline_access", "Files.ReadWrite", "User.Read"}

// fallbackLifetime applies when the identity provider omits expires_in.
const fallbackLifetime = time.Hour

// NewOAuthConfig returns the Microsoft identity platform config for tenant.
// An empty tenant means "common".
func NewOAuthConfig(clientID, clientSecret, tenant, redirectURL string) *oauth2.Config {
	endpoint := microsoft.AzureADEndpoint(tenant)
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     endpoint,
		RedirectURL:  redirectURL,
		Scopes:       Scopes,
	}
}

// Refresher exchanges a stored refresh token for a new token pair and
// persists it before returning.
type Refresher interface {
	Refresh(ctx context.Context, token *model.OAuthToken) (*oauth2.Token, error)
}

// OAuthRefresher refreshes tokens against the configured token endpoint.
type OAuthRefresher struct {
	config     *oauth2.Config
	tokens     *store.TokenStore
	cipher     *secret.Cipher
	httpClient *http.Client
}

func NewOAuthRefresher(cfg *oauth2.Config, ts *store.TokenStore, c *secret.Cipher, httpClient *http.Client) *OAuthRefresher {
	return &OAuthRefresher{config: cfg, tokens: ts, cipher: c, httpClient: httpClient}
}

func (r *OAuthRefresher) Refresh(ctx context.Context, token *model.OAuthToken) (*oauth2.Token, error) {
	const op = "refresh token"
	refresh, err := r.cipher.Decrypt(token.RefreshTokenEnc)
	if err != nil {
		return nil, &Error{Kind: KindAuth, Op: op, Err: err}
	}

	if r.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	}
	// No access token, so the source always goes to the token endpoint.
	fresh, err := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refresh}).Token()
	if err != nil {
		return nil, &Error{Kind: KindAuth, Op: op, Err: err}
	}

	if err := SaveToken(ctx, r.tokens, r.cipher, token.Provider, token.UserID, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

// Exchange trades an authorization code for tokens and stores them for userID.
func Exchange(ctx context.Context, cfg *oauth2.Config, ts *store.TokenStore, c *secret.Cipher, userID, code string) error {
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return &Error{Kind: KindAuth, Op: "exchange code", Err: err}
	}
	return SaveToken(ctx, ts, c, model.ProviderOneDrive, userID, tok)
}

// SaveToken encrypts both halves of tok and upserts them with the absolute expiry.
func SaveToken(ctx context.Context, ts *store.TokenStore, c *secret.Cipher, provider, userID string, tok *oauth2.Token) error {
	if tok.AccessToken == "" || tok.RefreshToken == "" {
		return &Error{Kind: KindAuth, Op: "save token", Err: fmt.Errorf("token response missing access or refresh token")}
	}
	if tok.Expiry.IsZero() {
		tok.Expiry = time.Now().Add(fallbackLifetime)
	}

	accessEnc, err := c.Encrypt(tok.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refreshEnc, err := c.Encrypt(tok.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	return ts.Upsert(ctx, &model.OAuthToken{
		Provider:        provider,
		UserID:          userID,
		AccessTokenEnc:  accessEnc,
		RefreshTokenEnc: refreshEnc,
		ExpiresAt:       tok.Expiry.UTC(),
	})
}

// StoredTokenSource serves access tokens from the token store, refreshing
// through its Refresher only once the stored token has expired.
type StoredTokenSource struct {
	tokens    *store.TokenStore
	cipher    *secret.Cipher
	refresher Refresher
	provider  string
	userID    string
	now       func() time.Time

	mu     sync.Mutex
	access string
	expiry time.Time
}

// NewStoredTokenSource serves tokens for userID, or for the most recently
// connected account when userID is empty.
func NewStoredTokenSource(ts *store.TokenStore, c *secret.Cipher, r Refresher, userID string) *StoredTokenSource {
	return &StoredTokenSource{
		tokens:    ts,
		cipher:    c,
		refresher: r,
		provider:  model.ProviderOneDrive,
		userID:    userID,
		now:       time.Now,
	}
}

func (s *StoredTokenSource) AccessToken(ctx context.Context) (string, error) {
	const op = "access token"

	s.mu.Lock()
	if s.access != "" && s.now().Before(s.expiry) {
		access := s.access
		s.mu.Unlock()
		return access, nil
	}
	s.mu.Unlock()

	userID := s.userID
	if userID == "" {
		tok, err := s.tokens.Latest(ctx, s.provider)
		if err != nil {
			return "", &Error{Kind: KindUnexpected, Op: op, Err: err}
		}
		if tok == nil {
			return "", &Error{Kind: KindAuth, Op: op, Err: ErrNoToken}
		}
		userID = tok.UserID
	}

	unlock := refreshLocks.lock(s.provider + "/" + userID)
	defer unlock()

	// Re-read under the key lock so a concurrent refresh is observed.
	tok, err := s.tokens.Get(ctx, s.provider, userID)
	if err != nil {
		return "", &Error{Kind: KindUnexpected, Op: op, Err: err}
	}
	if tok == nil {
		return "", &Error{Kind: KindAuth, Op: op, Err: ErrNoToken}
	}

	var access string
	expiry := tok.ExpiresAt
	if !tok.Expired(s.now()) {
		access, err = s.cipher.Decrypt(tok.AccessTokenEnc)
		if err != nil {
			return "", &Error{Kind: KindAuth, Op: op, Err: err}
		}
	} else {
		fresh, err := s.refresher.Refresh(ctx, tok)
		if err != nil {
			return "", authError("refresh token", err)
		}
		access, expiry = fresh.AccessToken, fresh.Expiry
	}

	s.mu.Lock()
	s.access, s.expiry = access, expiry
	s.mu.Unlock()
	return access, nil
}

// keyedMutex serializes refreshes per (provider, user).
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var refreshLocks = &keyedMutex{locks: make(map[string]*sync.Mutex)}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
