package email

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dukerupert/newsletter-admin/internal/model"
)

func failedRun() *model.BackupRun {
	return &model.BackupRun{
		ID:           7,
		Status:       model.RunStatusFailed,
		Trigger:      model.TriggerScheduled,
		StartedAt:    time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC),
		ErrorKind:    "server",
		ErrorMessage: "onedrive upload: status 507: quota exceeded",
		Warnings: []model.TableWarning{
			{Table: "email_events", RowsExported: 2000, Error: "connection reset"},
		},
	}
}

func TestSendBackupFailure(t *testing.T) {
	var received postmarkEmail
	var gotToken string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Postmark-Server-Token")
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"MessageID": "test-id"}`))
	}))
	defer server.Close()

	client := NewClient("test-token", "backups@example.com", "https://admin.example.test/")
	client.httpClient = &http.Client{Transport: &rewriteTransport{base: http.DefaultTransport, target: server.URL}}

	if err := client.SendBackupFailure(context.Background(), "ops@example.com", failedRun()); err != nil {
		t.Fatalf("send backup failure: %v", err)
	}

	if gotToken != "test-token" {
		t.Errorf("server token = %q, want %q", gotToken, "test-token")
	}
	if received.To != "ops@example.com" {
		t.Errorf("To = %q, want %q", received.To, "ops@example.com")
	}
	if received.From != "backups@example.com" {
		t.Errorf("From = %q, want %q", received.From, "backups@example.com")
	}
	if received.Subject != "Newsletter backup #7 failed" {
		t.Errorf("Subject = %q", received.Subject)
	}
	for _, want := range []string{"quota exceeded", "email_events", "https://admin.example.test/settings/backup"} {
		if !strings.Contains(received.TextBody, want) {
			t.Errorf("TextBody missing %q:\n%s", want, received.TextBody)
		}
	}
}

func TestSendBackupFailureAuthSubject(t *testing.T) {
	var received postmarkEmail
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient("test-token", "backups@example.com", "https://admin.example.test")
	client.httpClient = &http.Client{Transport: &rewriteTransport{base: http.DefaultTransport, target: server.URL}}

	run := failedRun()
	run.ErrorKind = "auth"
	if err := client.SendBackupFailure(context.Background(), "ops@example.com", run); err != nil {
		t.Fatalf("send: %v", err)
	}
	if received.Subject != "Newsletter backup failed: OneDrive needs reconnect" {
		t.Errorf("Subject = %q", received.Subject)
	}
}

func TestSendBackupFailureNotConfigured(t *testing.T) {
	client := NewClient("", "backups@example.com", "https://admin.example.test")

	if err := client.SendBackupFailure(context.Background(), "ops@example.com", failedRun()); err == nil {
		t.Fatal("expected error for unconfigured client")
	}
}

func TestSendBackupFailureAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client := NewClient("test-token", "backups@example.com", "https://admin.example.test")
	client.httpClient = &http.Client{Transport: &rewriteTransport{base: http.DefaultTransport, target: server.URL}}

	if err := client.SendBackupFailure(context.Background(), "ops@example.com", failedRun()); err == nil {
		t.Fatal("expected error for API failure")
	}
}

func TestConfigured(t *testing.T) {
	c1 := NewClient("token", "from@test.com", "https://test.com")
	if !c1.Configured() {
		t.Error("expected Configured() = true")
	}

	c2 := NewClient("", "from@test.com", "https://test.com")
	if c2.Configured() {
		t.Error("expected Configured() = false")
	}
}

// rewriteTransport redirects all requests to a test server URL.
type rewriteTransport struct {
	base   http.RoundTripper
	target string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	req.URL.Host = t.target[len("http://"):]
	return t.base.RoundTrip(req)
}
