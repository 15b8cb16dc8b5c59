package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kimhsiao/rundown/internal/config"
	"github.com/kimhsiao/rundown/internal/errors"
	"github.com/kimhsiao/rundown/internal/models"
	"github.com/kimhsiao/rundown/internal/store"
)

// DefaultTimeout bounds one request when the caller's context has no
// deadline.
const DefaultTimeout = 10 * time.Second

// Client implements store.Store against a rundownd server.
type Client struct {
	baseURL string
	http    *http.Client
}

var _ store.Store = (*Client)(nil)

// NewClient creates a Client for the server at baseURL. httpClient may be
// nil.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// Read returns the full document.
func (c *Client) Read(ctx context.Context, docID string) (*store.Snapshot, error) {
	var snap store.Snapshot
	if err := c.do(ctx, http.MethodGet, c.rundownPath(docID), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Version returns the current version.
func (c *Client) Version(ctx context.Context, docID string) (*store.VersionInfo, error) {
	var info store.VersionInfo
	if err := c.do(ctx, http.MethodGet, c.rundownPath(docID)+"/version", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Write applies patch on the server.
func (c *Client) Write(ctx context.Context, docID string, patch *models.Patch, expectedVersion *int64) (*store.WriteResult, error) {
	if patch == nil {
		return nil, store.ErrEmptyPatch
	}
	body := patchRequest{Patch: *patch, ExpectedVersion: expectedVersion}
	var res store.WriteResult
	if err := c.do(ctx, http.MethodPatch, c.rundownPath(docID), body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Create stores a new rundown on the server.
func (c *Client) Create(ctx context.Context, doc *models.Rundown) (*store.Snapshot, error) {
	var snap store.Snapshot
	if err := c.do(ctx, http.MethodPost, "/api/rundowns", doc, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Status returns the status-board view of a rundown.
func (c *Client) Status(ctx context.Context, docID string) (*Status, error) {
	var st Status
	if err := c.do(ctx, http.MethodGet, c.rundownPath(docID)+"/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// SyncConfig returns the session timings the server hands out.
func (c *Client) SyncConfig(ctx context.Context) (*config.SyncConfig, error) {
	var cfg config.SyncConfig
	if err := c.do(ctx, http.MethodGet, "/api/sync-config", nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Client) rundownPath(docID string) string {
	return "/api/rundowns/" + url.PathEscape(docID)
}

// do sends one JSON request. Network failures and 5xx responses are
// TransientIO; error bodies carry the server's error code.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(errors.ErrInvalid, "encode request", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "build request", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrTransientIO, fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(errors.ErrTransientIO, "read response", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrap(errors.ErrTransientIO, "decode response", err)
	}
	return nil
}

func decodeError(status int, data []byte) error {
	var body errorBody
	if err := json.Unmarshal(data, &body); err != nil || body.Code == "" {
		if status >= http.StatusInternalServerError {
			return errors.New(errors.ErrTransientIO, fmt.Sprintf("server returned %d", status))
		}
		return errors.New(errors.ErrInternal, fmt.Sprintf("server returned %d", status))
	}
	if status >= http.StatusInternalServerError && body.Code == errors.ErrInternal {
		body.Code = errors.ErrTransientIO
	}
	return errors.New(body.Code, body.Error)
}
