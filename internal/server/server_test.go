package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/newsletter-admin/internal/auth"
	"github.com/dukerupert/newsletter-admin/internal/database"
	"github.com/dukerupert/newsletter-admin/internal/middleware"
	"github.com/dukerupert/newsletter-admin/internal/model"
	"github.com/dukerupert/newsletter-admin/internal/secret"
	"github.com/dukerupert/newsletter-admin/internal/store"
	"golang.org/x/oauth2"
)

type memDest struct {
	mu    sync.Mutex
	files []model.RemoteFile
}

func (d *memDest) Upload(_ context.Context, folder, name string, data []byte) (*model.RemoteFile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f := model.RemoteFile{ID: name, Name: name, WebURL: "https://files.example" + folder + "/" + name, Size: int64(len(data)), CreatedAt: time.Now()}
	d.files = append(d.files, f)
	return &f, nil
}

func (d *memDest) List(context.Context, string) ([]model.RemoteFile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.RemoteFile(nil), d.files...), nil
}

func (d *memDest) Delete(context.Context, string) error { return nil }

type testServer struct {
	*httptest.Server
	db     *sql.DB
	dest   *memDest
	signer *auth.Signer
}

func setupServer(t *testing.T) *testServer {
	t.Helper()
	db, err := database.Open(database.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	signer, err := auth.NewSigner("server-test-secret")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	cipher, err := secret.NewCipher("server-test-key")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	oauthCfg := &oauth2.Config{
		ClientID: "client-1",
		Endpoint: oauth2.Endpoint{AuthURL: "https://login.example/authorize", TokenURL: "https://login.example/token"},
	}

	dest := &memDest{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(db, Config{BaseURL: "https://admin.example", CronSecret: "cron-secret"}, dest, signer, cipher, oauthCfg, nil, logger)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, db: db, dest: dest, signer: signer}
}

func (ts *testServer) session(t *testing.T, role string) string {
	t.Helper()
	tok, err := ts.signer.IssueSession(auth.AuthContext{UserID: "u1", Email: "u1@example.com", Role: role}, time.Hour)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return tok
}

func (ts *testServer) do(t *testing.T, method, path, bearer, cookie string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: cookie})
	}
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	ts := setupServer(t)
	resp := ts.do(t, "GET", "/health", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get(middleware.RequestIDHeader) == "" {
		t.Error("missing request id")
	}
}

func TestMetrics(t *testing.T) {
	ts := setupServer(t)
	resp := ts.do(t, "GET", "/metrics", "", "")
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "newsletter_backup_archive_bytes") {
		t.Error("metrics output missing backup gauges")
	}
}

func TestRunTriggerAuth(t *testing.T) {
	ts := setupServer(t)

	tests := []struct {
		name   string
		method string
		bearer string
		cookie string
		want   int
	}{
		{"anonymous", "POST", "", "", http.StatusUnauthorized},
		{"wrong secret", "GET", "guess", "", http.StatusUnauthorized},
		{"editor", "POST", "", ts.session(t, "editor"), http.StatusForbidden},
		{"admin GET", "GET", "", ts.session(t, auth.RoleAdmin), http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		resp := ts.do(t, tt.method, "/api/backup/run", tt.bearer, tt.cookie)
		if resp.StatusCode != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.name, resp.StatusCode, tt.want)
		}
	}
}

func TestRunTriggerCronEndToEnd(t *testing.T) {
	ts := setupServer(t)

	resp := ts.do(t, "GET", "/api/backup/run", "cron-secret", "")
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	name, _ := body["file_name"].(string)
	if !strings.HasPrefix(name, "newsletter-backup-") || !strings.HasSuffix(name, ".zip") {
		t.Errorf("file_name = %q", name)
	}
	if len(ts.dest.files) != 1 {
		t.Fatalf("uploads = %d, want 1", len(ts.dest.files))
	}

	runs, err := store.NewRunStore(ts.db).List(context.Background(), 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != model.RunStatusSuccess || runs[0].Trigger != model.TriggerScheduled {
		t.Errorf("runs = %+v, want one scheduled success", runs)
	}
}

func TestRunTriggerRateLimited(t *testing.T) {
	ts := setupServer(t)

	var last int
	for i := 0; i < DefaultRunRateLimit+1; i++ {
		last = ts.do(t, "POST", "/api/backup/run", "", "").StatusCode
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("status after %d requests = %d, want 429", DefaultRunRateLimit+1, last)
	}
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	ts := setupServer(t)
	paths := []string{"/api/backup/runs", "/api/backup/status", "/api/settings/backup", "/api/oauth/onedrive/status", "/api/oauth/onedrive/start"}

	for _, p := range paths {
		if resp := ts.do(t, "GET", p, "", ""); resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s anonymous: status = %d, want 401", p, resp.StatusCode)
		}
		if resp := ts.do(t, "GET", p, ts.session(t, "editor"), ""); resp.StatusCode != http.StatusForbidden {
			t.Errorf("%s editor: status = %d, want 403", p, resp.StatusCode)
		}
	}

	admin := ts.session(t, auth.RoleAdmin)
	if resp := ts.do(t, "GET", "/api/settings/backup", "", admin); resp.StatusCode != http.StatusOK {
		t.Errorf("settings as admin: status = %d", resp.StatusCode)
	}
	resp := ts.do(t, "GET", "/api/oauth/onedrive/start", "", admin)
	if resp.StatusCode != http.StatusFound {
		t.Errorf("oauth start as admin: status = %d, want 302", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); !strings.HasPrefix(loc, "https://login.example/authorize?") {
		t.Errorf("location = %q", loc)
	}
}

func TestOAuthCallbackIsPublic(t *testing.T) {
	ts := setupServer(t)
	resp := ts.do(t, "GET", "/api/oauth/onedrive/callback?error=access_denied", "", "")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "https://admin.example/settings/backup?onedrive=error" {
		t.Errorf("location = %q", loc)
	}
}
