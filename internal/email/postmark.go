package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/dukerupert/newsletter-admin/internal/model"
)

const postmarkURL = "https://api.postmarkapp.com/email"

type Client struct {
	serverToken string
	fromEmail   string
	baseURL     string
	httpClient  *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func NewClient(serverToken, fromEmail, baseURL string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the server token is set.
func (c *Client) Configured() bool {
	return c.serverToken != ""
}

type postmarkEmail struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
	Tag      string `json:"Tag,omitempty"`
}

// SendBackupFailure tells an operator that a backup run failed and why.
func (c *Client) SendBackupFailure(ctx context.Context, to string, run *model.BackupRun) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured: missing server token")
	}

	subject := fmt.Sprintf("Newsletter backup #%d failed", run.ID)
	if run.ErrorKind == "auth" {
		subject = "Newsletter backup failed: OneDrive needs reconnect"
	}

	link := c.baseURL + "/settings/backup"
	var text strings.Builder
	fmt.Fprintf(&text, "Backup run %d (%s) started at %s failed.\n\n",
		run.ID, run.Trigger, run.StartedAt.UTC().Format("2006-01-02 15:04 MST"))
	fmt.Fprintf(&text, "Kind: %s\nError: %s\n", run.ErrorKind, run.ErrorMessage)
	for _, w := range run.Warnings {
		fmt.Fprintf(&text, "Table %s stopped after %d rows: %s\n", w.Table, w.RowsExported, w.Error)
	}
	fmt.Fprintf(&text, "\nReview backup settings: %s\n", link)

	htmlBody := fmt.Sprintf(
		`<p>Backup run %d (%s) failed.</p><p><strong>%s</strong>: %s</p><p><a href="%s">Review backup settings</a></p>`,
		run.ID, html.EscapeString(string(run.Trigger)),
		html.EscapeString(run.ErrorKind), html.EscapeString(run.ErrorMessage), link,
	)

	return c.send(ctx, postmarkEmail{
		From:     c.fromEmail,
		To:       to,
		Subject:  subject,
		HtmlBody: htmlBody,
		TextBody: text.String(),
		Tag:      "backup-failure",
	})
}

func (c *Client) send(ctx context.Context, payload postmarkEmail) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postmarkURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
	}

	return nil
}
