package onedrive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"

	// SmallUploadLimit is the largest payload sent with a single PUT.
	SmallUploadLimit = 4 << 20
	// ChunkSize is the byte length of each upload session chunk.
	ChunkSize = 4 << 20

	defaultRequestTimeout = 60 * time.Second
	maxResponseBytes      = 1 << 20
)

// TokenSource yields a currently valid bearer token.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Client talks to the Microsoft Graph drive API of the signed-in user.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	tokens         TokenSource
	requestTimeout time.Duration
	logger         *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func WithBaseURL(u string) Option {
	return func(cl *Client) {
		cl.baseURL = strings.TrimRight(u, "/")
	}
}

// WithRequestTimeout bounds every individual Graph request.
func WithRequestTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.requestTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		cl.logger = l
	}
}

func NewClient(tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL:        DefaultBaseURL,
		httpClient:     http.DefaultClient,
		tokens:         tokens,
		requestTimeout: defaultRequestTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type request struct {
	method      string
	url         string
	body        []byte
	contentType string
	header      map[string]string
	// anonymous requests go to pre-authorized upload session URLs
	anonymous bool
}

type response struct {
	status int
	body   []byte
}

func (c *Client) send(ctx context.Context, op string, r request) (*response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, r.url, body)
	if err != nil {
		return nil, &Error{Kind: KindUnexpected, Op: op, Err: err}
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range r.header {
		req.Header.Set(k, v)
	}

	if !r.anonymous {
		token, err := c.tokens.AccessToken(ctx)
		if err != nil {
			return nil, authError(op, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{Kind: KindTransport, Op: op, Err: fmt.Errorf("read response: %w", err)}
	}
	return &response{status: resp.StatusCode, body: data}, nil
}

// graphError is the error envelope Graph returns on non-2xx responses.
type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func serverError(op string, resp *response) error {
	e := &Error{Kind: KindServer, Op: op, StatusCode: resp.status}
	if resp.status == http.StatusUnauthorized {
		e.Kind = KindAuth
	}
	var ge graphError
	if json.Unmarshal(resp.body, &ge) == nil && ge.Error.Code != "" {
		e.Code = ge.Error.Code
		e.Err = errors.New(ge.Error.Code + ": " + ge.Error.Message)
	} else {
		e.Err = errors.New(http.StatusText(resp.status))
	}
	return e
}

// driveItem is the subset of the Graph DriveItem resource we consume.
type driveItem struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	WebURL          string    `json:"webUrl"`
	Size            int64     `json:"size"`
	CreatedDateTime time.Time `json:"createdDateTime"`
	Folder          *struct {
		ChildCount int `json:"childCount"`
	} `json:"folder,omitempty"`
}

func decodeItem(op string, body []byte) (*driveItem, error) {
	var item driveItem
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, &Error{Kind: KindUnexpected, Op: op, Err: fmt.Errorf("decode drive item: %w", err)}
	}
	if item.ID == "" {
		return nil, unexpected(op, "drive item has no id")
	}
	return &item, nil
}

// itemURL addresses a drive path as root:/a/b followed by suffix.
func (c *Client) itemURL(p, suffix string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return c.baseURL + "/me/drive/root" + strings.TrimPrefix(suffix, ":")
	}
	return c.baseURL + "/me/drive/root:/" + escapePath(p) + suffix
}

func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

func joinPath(folder, name string) string {
	folder = strings.Trim(folder, "/")
	if folder == "" {
		return name
	}
	return folder + "/" + name
}
