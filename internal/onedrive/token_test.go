package onedrive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukerupert/newsletter-admin/internal/database"
	"github.com/dukerupert/newsletter-admin/internal/model"
	"github.com/dukerupert/newsletter-admin/internal/secret"
	"github.com/dukerupert/newsletter-admin/internal/store"
	"golang.org/x/oauth2"
)

func setupTokenStore(t *testing.T) (*store.TokenStore, *secret.Cipher) {
	t.Helper()
	db, err := database.Open(database.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	c, err := secret.NewCipher("test-key")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	return store.NewTokenStore(db), c
}

func seedToken(t *testing.T, ts *store.TokenStore, c *secret.Cipher, userID, access string, expiresAt time.Time) {
	t.Helper()
	err := SaveToken(context.Background(), ts, c, model.ProviderOneDrive, userID, &oauth2.Token{
		AccessToken:  access,
		RefreshToken: "refresh-" + access,
		Expiry:       expiresAt,
	})
	if err != nil {
		t.Fatalf("seed token: %v", err)
	}
}

type fakeRefresher struct {
	calls int
	err   error
	log   *[]string
}

func (f *fakeRefresher) Refresh(ctx context.Context, tok *model.OAuthToken) (*oauth2.Token, error) {
	f.calls++
	if f.log != nil {
		*f.log = append(*f.log, "refresh")
	}
	if f.err != nil {
		return nil, f.err
	}
	return &oauth2.Token{AccessToken: "fresh", Expiry: time.Now().Add(time.Hour)}, nil
}

func TestAccessTokenUnexpiredSkipsRefresh(t *testing.T) {
	ts, c := setupTokenStore(t)
	seedToken(t, ts, c, "admin", "current", time.Now().Add(time.Hour))
	r := &fakeRefresher{}

	src := NewStoredTokenSource(ts, c, r, "admin")
	got, err := src.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("access token: %v", err)
	}
	if got != "current" {
		t.Errorf("token = %q, want %q", got, "current")
	}
	if r.calls != 0 {
		t.Errorf("refresh calls = %d, want 0", r.calls)
	}
}

func TestAccessTokenExpiredRefreshesOnce(t *testing.T) {
	ts, c := setupTokenStore(t)
	seedToken(t, ts, c, "admin", "stale", time.Now().Add(-time.Minute))
	r := &fakeRefresher{}

	src := NewStoredTokenSource(ts, c, r, "admin")
	for i := 0; i < 3; i++ {
		got, err := src.AccessToken(context.Background())
		if err != nil {
			t.Fatalf("access token: %v", err)
		}
		if got != "fresh" {
			t.Errorf("token = %q, want %q", got, "fresh")
		}
	}
	if r.calls != 1 {
		t.Errorf("refresh calls = %d, want 1", r.calls)
	}
}

func TestAccessTokenLatestAccount(t *testing.T) {
	ts, c := setupTokenStore(t)
	seedToken(t, ts, c, "first", "a", time.Now().Add(time.Hour))
	time.Sleep(10 * time.Millisecond)
	seedToken(t, ts, c, "second", "b", time.Now().Add(time.Hour))

	src := NewStoredTokenSource(ts, c, &fakeRefresher{}, "")
	got, err := src.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("access token: %v", err)
	}
	if got != "b" {
		t.Errorf("token = %q, want %q", got, "b")
	}
}

func TestAccessTokenNotConnected(t *testing.T) {
	ts, c := setupTokenStore(t)

	src := NewStoredTokenSource(ts, c, &fakeRefresher{}, "")
	_, err := src.AccessToken(context.Background())
	if !IsKind(err, KindAuth) || !errors.Is(err, ErrNoToken) {
		t.Fatalf("err = %v, want auth kind wrapping ErrNoToken", err)
	}
}

func TestAccessTokenRefreshFailure(t *testing.T) {
	ts, c := setupTokenStore(t)
	seedToken(t, ts, c, "admin", "stale", time.Now().Add(-time.Minute))

	src := NewStoredTokenSource(ts, c, &fakeRefresher{err: errors.New("invalid_grant")}, "admin")
	_, err := src.AccessToken(context.Background())
	if !IsKind(err, KindAuth) {
		t.Fatalf("err = %v, want auth kind", err)
	}
}

func TestUploadRefreshesBeforeFirstAttempt(t *testing.T) {
	ts, c := setupTokenStore(t)
	seedToken(t, ts, c, "admin", "stale", time.Now().Add(-time.Minute))

	var events []string
	r := &fakeRefresher{log: &events}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		events = append(events, "put "+req.Header.Get("Authorization"))
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":"1","name":"b.zip","webUrl":"https://x/1","createdDateTime":"2026-01-01T00:00:00Z"}`)
	}))
	defer srv.Close()

	client := NewClient(NewStoredTokenSource(ts, c, r, "admin"), WithBaseURL(srv.URL))
	if _, err := client.Upload(context.Background(), "Backups", "b.zip", []byte("zip")); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if r.calls != 1 {
		t.Errorf("refresh calls = %d, want 1", r.calls)
	}
	if len(events) != 2 || events[0] != "refresh" || events[1] != "put Bearer fresh" {
		t.Errorf("events = %v, want [refresh, put Bearer fresh]", events)
	}
}

func tokenEndpoint(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.Form.Get("grant_type") != "refresh_token" {
			t.Errorf("grant_type = %q", r.Form.Get("grant_type"))
		}
		if r.Form.Get("refresh_token") != "refresh-stale" {
			t.Errorf("refresh_token = %q", r.Form.Get("refresh_token"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOAuthRefresherPersistsNewPair(t *testing.T) {
	ts, c := setupTokenStore(t)
	seedToken(t, ts, c, "admin", "stale", time.Now().Add(-time.Minute))
	srv := tokenEndpoint(t, http.StatusOK,
		`{"access_token":"new-access","refresh_token":"new-refresh","token_type":"Bearer","expires_in":3600}`)

	cfg := &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams},
	}
	r := NewOAuthRefresher(cfg, ts, c, srv.Client())

	old, _ := ts.Get(context.Background(), model.ProviderOneDrive, "admin")
	fresh, err := r.Refresh(context.Background(), old)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if fresh.AccessToken != "new-access" {
		t.Errorf("access = %q, want %q", fresh.AccessToken, "new-access")
	}

	stored, _ := ts.Get(context.Background(), model.ProviderOneDrive, "admin")
	access, _ := c.Decrypt(stored.AccessTokenEnc)
	refresh, _ := c.Decrypt(stored.RefreshTokenEnc)
	if access != "new-access" || refresh != "new-refresh" {
		t.Errorf("stored = %q/%q, want new-access/new-refresh", access, refresh)
	}
	if stored.Expired(time.Now()) {
		t.Error("stored token should not be expired")
	}
	if d := time.Until(stored.ExpiresAt); d < 50*time.Minute || d > 61*time.Minute {
		t.Errorf("expires in %v, want about an hour", d)
	}
}

func TestOAuthRefresherRejected(t *testing.T) {
	ts, c := setupTokenStore(t)
	seedToken(t, ts, c, "admin", "stale", time.Now().Add(-time.Minute))
	srv := tokenEndpoint(t, http.StatusBadRequest, `{"error":"invalid_grant","error_description":"expired"}`)

	cfg := &oauth2.Config{ClientID: "client", Endpoint: oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams}}
	r := NewOAuthRefresher(cfg, ts, c, srv.Client())

	old, _ := ts.Get(context.Background(), model.ProviderOneDrive, "admin")
	if _, err := r.Refresh(context.Background(), old); !IsKind(err, KindAuth) {
		t.Fatalf("err = %v, want auth kind", err)
	}

	stored, _ := ts.Get(context.Background(), model.ProviderOneDrive, "admin")
	if stored.AccessTokenEnc != old.AccessTokenEnc {
		t.Error("rejected refresh must not overwrite the stored token")
	}
}

func TestNewOAuthConfigTenant(t *testing.T) {
	cfg := NewOAuthConfig("id", "secret", "contoso", "https://admin.example/api/oauth/onedrive/callback")
	want := "https://login.microsoftonline.com/contoso/oauth2/v2.0/token"
	if cfg.Endpoint.TokenURL != want {
		t.Errorf("token url = %q, want %q", cfg.Endpoint.TokenURL, want)
	}
	if len(cfg.Scopes) != 3 || cfg.Scopes[0] != "offline_access" {
		t.Errorf("scopes = %v", cfg.Scopes)
	}
}
