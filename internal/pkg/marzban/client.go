package marzban

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/outlivion/outlivion-api/internal/pkg/config"
)

var (
	// ErrProvisioning wraps transport failures, timeouts, 5xx answers and
	// malformed panel responses. Callers treat it as retryable.
	ErrProvisioning = errors.New("vpn provisioning failed")
	ErrNotFound     = errors.New("vpn account not found")
)

// Account status values reported by the panel.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
	StatusLimited  = "limited"
	StatusExpired  = "expired"
	StatusOnHold   = "on_hold"
)

// User is the panel's account representation. Expire is unix seconds, nil or
// zero meaning no expiry.
type User struct {
	Username        string                       `json:"username"`
	Status          string                       `json:"status"`
	Expire          *int64                       `json:"expire"`
	DataLimit       *int64                       `json:"data_limit"`
	UsedTraffic     int64                        `json:"used_traffic"`
	Links           []string                     `json:"links"`
	SubscriptionURL string                       `json:"subscription_url"`
	Proxies         map[string]map[string]string `json:"proxies,omitempty"`
	Inbounds        map[string][]string          `json:"inbounds,omitempty"`
	Note            string                       `json:"note,omitempty"`
}

type UserCreate struct {
	Username  string                       `json:"username"`
	Proxies   map[string]map[string]string `json:"proxies"`
	Inbounds  map[string][]string          `json:"inbounds"`
	Expire    int64                        `json:"expire"`
	DataLimit int64                        `json:"data_limit"`
	Status    string                       `json:"status"`
	Note      string                       `json:"note,omitempty"`
}

type UserModify struct {
	Expire int64  `json:"expire"`
	Status string `json:"status"`
}

// Client talks to the panel REST API with a cached bearer token.
type Client struct {
	BaseURL  string
	Username string
	Password string

	HTTPClient *http.Client

	mu    sync.Mutex
	token string
}

func NewClient(cfg config.MarzbanConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		BaseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		Username: cfg.Username,
		Password: cfg.Password,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// GetUser returns (nil, nil) when the panel has no such account.
func (c *Client) GetUser(ctx context.Context, username string) (*User, error) {
	var out User
	status, err := c.do(ctx, http.MethodGet, "/api/user/"+url.PathEscape(username), nil, &out)
	if status == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateUser(ctx context.Context, in UserCreate) (*User, error) {
	var out User
	if _, err := c.do(ctx, http.MethodPost, "/api/user", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ModifyUser(ctx context.Context, username string, in UserModify) (*User, error) {
	var out User
	status, err := c.do(ctx, http.MethodPut, "/api/user/"+url.PathEscape(username), in, &out)
	if status == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RevokeSubscription invalidates the subscription token and returns the
// account with its new subscription URL.
func (c *Client) RevokeSubscription(ctx context.Context, username string) (*User, error) {
	var out User
	status, err := c.do(ctx, http.MethodPost, "/api/user/"+url.PathEscape(username)+"/revoke_sub", nil, &out)
	if status == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends one authenticated request. A 401 triggers one re-login and retry.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) (int, error) {
	status, body, err := c.send(ctx, method, path, in, false)
	if err == nil && status == http.StatusUnauthorized {
		log.Debugf("[Marzban] token rejected, re-authenticating")
		status, body, err = c.send(ctx, method, path, in, true)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %s %s: %v", ErrProvisioning, method, path, err)
	}
	if status == http.StatusNotFound {
		return status, ErrNotFound
	}
	if status < 200 || status >= 300 {
		return status, fmt.Errorf("%w: %s %s: status=%d body=%s", ErrProvisioning, method, path, status, truncate(body))
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return status, fmt.Errorf("%w: decode %s: %v", ErrProvisioning, path, err)
		}
	}
	return status, nil
}

func (c *Client) send(ctx context.Context, method, path string, in interface{}, relogin bool) (int, []byte, error) {
	token, err := c.accessToken(ctx, relogin)
	if err != nil {
		return 0, nil, err
	}

	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode, body, nil
}

func (c *Client) accessToken(ctx context.Context, force bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && !force {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("username", c.Username)
	form.Set("password", c.Password)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/admin/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("panel login failed: status=%d", resp.StatusCode)
	}
	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", err
	}
	if strings.TrimSpace(tok.AccessToken) == "" {
		return "", errors.New("panel login returned empty access_token")
	}
	c.token = tok.AccessToken
	return c.token, nil
}

func truncate(b []byte) string {
	if len(b) > 300 {
		return string(b[:300]) + "..."
	}
	return string(b)
}
