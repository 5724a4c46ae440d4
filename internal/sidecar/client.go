package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"noteops/internal/observability"
)

// LoginStatus is the sidecar's verdict on the active browser session.
type LoginStatus struct {
	LoggedIn  bool      `json:"logged_in"`
	Username  string    `json:"username,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// QRCode is a login QR code issued by the sidecar.
type QRCode struct {
	Image   string `json:"qrcode"`
	Timeout int    `json:"timeout_seconds"`
}

const loginCacheSize = 64

// Client is the thin HTTP surface the runner and API consume from the
// sidecar. Login-status probes are cached per account for the configured TTL
// so repeated UI polls don't hammer the browser session.
type Client struct {
	baseURL string
	http    *http.Client
	cache   *expirable.LRU[string, LoginStatus]
	logger  *observability.Logger
}

// NewClient builds a client against the sidecar API base URL.
func NewClient(baseURL string, cacheTTL time.Duration, logger *observability.Logger) *Client {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		cache:   expirable.NewLRU[string, LoginStatus](loginCacheSize, nil, cacheTTL),
		logger:  logger.With("module", "sidecar_client"),
	}
}

// CheckLogin returns the session's login verdict for accountID, serving
// cached results within the TTL. force bypasses the cache.
func (c *Client) CheckLogin(ctx context.Context, accountID string, force bool) (LoginStatus, error) {
	if !force {
		if st, ok := c.cache.Get(accountID); ok {
			return st, nil
		}
	}

	var st LoginStatus
	if err := c.get(ctx, "/login/status", &st); err != nil {
		return LoginStatus{}, err
	}
	st.CheckedAt = time.Now()
	c.cache.Add(accountID, st)
	return st, nil
}

// InvalidateLogin drops the cached verdict for accountID.
func (c *Client) InvalidateLogin(accountID string) {
	c.cache.Remove(accountID)
}

// LoginQRCode fetches a fresh login QR code.
func (c *Client) LoginQRCode(ctx context.Context) (QRCode, error) {
	var qr QRCode
	if err := c.get(ctx, "/login/qrcode", &qr); err != nil {
		return QRCode{}, err
	}
	return qr, nil
}

// ConfirmLogin tells the sidecar the user finished scanning and returns the
// resulting verdict.
func (c *Client) ConfirmLogin(ctx context.Context, accountID string) (LoginStatus, error) {
	var st LoginStatus
	if err := c.post(ctx, "/login/confirm", nil, &st); err != nil {
		return LoginStatus{}, err
	}
	st.CheckedAt = time.Now()
	c.cache.Add(accountID, st)
	return st, nil
}

// Invoke performs a named automation action with free-form params and
// returns the raw result payload.
func (c *Client) Invoke(ctx context.Context, action string, params map[string]any) (json.RawMessage, error) {
	body := map[string]any{"action": action, "params": params}
	var out struct {
		Success bool            `json:"success"`
		Result  json.RawMessage `json:"result"`
		Error   string          `json:"error"`
	}
	if err := c.post(ctx, "/invoke", body, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, fmt.Errorf("sidecar action %s failed: %s", action, out.Error)
	}
	return out.Result, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d", ErrUnavailable, req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode sidecar response: %w", err)
	}
	return nil
}
