package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dokanhq/dokansync/domain"
)

// Sentinel errors the sync loop branches on.
var (
	// ErrUnauthorized means the device token expired or the device was
	// revoked; the caller should re-handshake before retrying.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUpgradeRequired means the server refuses this app version.
	ErrUpgradeRequired = errors.New("app version below server minimum")
)

// Client talks to the sync server's HTTP API on behalf of one device.
type Client struct {
	baseURL    string
	appVersion string
	http       *http.Client

	token string
}

func NewClient(baseURL, appVersion string) *Client {
	return &Client{
		baseURL:    baseURL,
		appVersion: appVersion,
		http:       &http.Client{Timeout: 90 * time.Second},
	}
}

// SetToken installs a previously issued device token, e.g. one restored
// from local state.
func (c *Client) SetToken(token string) { c.token = token }

func (c *Client) Token() string { return c.token }

// RegisterDevice enrolls a new device using a staff login. The response
// carries the only plaintext copy of the device API key.
func (c *Client) RegisterDevice(ctx context.Context, email, password string, req domain.RegisterDeviceRequest) (*domain.RegisterDeviceResponse, error) {
	var login struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", "",
		map[string]string{"email": email, "password": password}, &login)
	if err != nil {
		return nil, fmt.Errorf("staff login: %w", err)
	}

	var resp domain.RegisterDeviceResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/devices", login.Token, req, &resp); err != nil {
		return nil, fmt.Errorf("register device: %w", err)
	}
	return &resp, nil
}

// Handshake exchanges the device API key for a short-lived token and
// installs it on the client.
func (c *Client) Handshake(ctx context.Context, deviceID, apiKey string) (*domain.DeviceTokenResponse, error) {
	var resp domain.DeviceTokenResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/devices/token", "", domain.DeviceTokenRequest{
		DeviceID:   deviceID,
		APIKey:     apiKey,
		AppVersion: c.appVersion,
	}, &resp)
	if err != nil {
		return nil, err
	}
	c.token = resp.Token
	return &resp, nil
}

// Push uploads a batch of queued ops.
func (c *Client) Push(ctx context.Context, ops []domain.Op) (*domain.PushResponse, error) {
	var resp domain.PushResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/sync/push", c.token, domain.PushRequest{Ops: ops}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pull fetches ops after the given cursor.
func (c *Client) Pull(ctx context.Context, after int64, limit int) (*domain.PullResponse, error) {
	path := "/api/v1/sync/pull?after=" + strconv.FormatInt(after, 10) + "&limit=" + strconv.Itoa(limit)
	var resp domain.PullResponse
	if err := c.do(ctx, http.MethodGet, path, c.token, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Checkpoint acknowledges everything up to seq as durably applied.
func (c *Client) Checkpoint(ctx context.Context, seq int64) error {
	return c.do(ctx, http.MethodPost, "/api/v1/sync/checkpoint", c.token, domain.CheckpointRequest{Seq: seq}, nil)
}

// Status reports the tenant's log head and this device's ack.
func (c *Client) Status(ctx context.Context) (*domain.SyncStatus, error) {
	var resp domain.SyncStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/sync/status", c.token, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Wait long-polls until the server log moves past after, or the server
// side timeout elapses. Returns the latest sequence either way.
func (c *Client) Wait(ctx context.Context, after int64, timeout time.Duration) (int64, error) {
	path := "/api/v1/sync/wait?after=" + strconv.FormatInt(after, 10) +
		"&timeout_ms=" + strconv.FormatInt(timeout.Milliseconds(), 10)
	var resp struct {
		ServerSeq int64 `json:"server_seq"`
	}
	if err := c.do(ctx, http.MethodGet, path, c.token, nil, &resp); err != nil {
		return 0, err
	}
	return resp.ServerSeq, nil
}

// Heartbeat refreshes the device's last-seen timestamp.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/devices/heartbeat", c.token,
		map[string]string{"app_version": c.appVersion}, nil)
}

func (c *Client) do(ctx context.Context, method, path, token string, body, dest interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusUpgradeRequired:
		return ErrUpgradeRequired
	case resp.StatusCode >= 400:
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if dest == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
