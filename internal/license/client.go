// Package license is a Go client for the keygate licensing API, for tools and
// services that need to check their own license.
package license

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Config holds license client configuration.
type Config struct {
	BaseURL       string
	Key           string
	ProductSlug   string
	Domain        string
	CheckInterval time.Duration
	// GracePeriod is how long the last successful validation is trusted
	// while the server cannot be reached.
	GracePeriod time.Duration
	HTTPClient  *http.Client
}

// Status represents the current license status.
type Status struct {
	Valid          bool       `json:"valid"`
	State          string     `json:"state"`
	ExpiresAt      *time.Time `json:"expires_at"`
	Activations    int        `json:"activations"`
	MaxActivations int        `json:"max_activations"`
	Warning        string     `json:"warning"`
	LastChecked    time.Time  `json:"last_checked"`
	LastValid      time.Time  `json:"last_valid"`
	Offline        bool       `json:"offline"`
}

// APIError is a failure reported by the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("keygate: %s (status %d)", e.Message, e.StatusCode)
}

// UpdateInfo is the answer to an update check.
type UpdateInfo struct {
	HasUpdate     bool   `json:"has_update"`
	LatestVersion string `json:"latest_version"`
	Changelog     string `json:"changelog"`
	DownloadURL   string `json:"download_url"`
}

type apiResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
	License *struct {
		Status         string     `json:"status"`
		ExpiresAt      *time.Time `json:"expires_at"`
		MaxActivations int        `json:"max_activations"`
		Activations    int        `json:"activations"`
	} `json:"license"`
	UpdateInfo
}

// Client validates a license key against a keygate server.
type Client struct {
	mu         sync.RWMutex
	cfg        Config
	status     Status
	httpClient *http.Client
	stopCh     chan struct{}
	stopped    chan struct{}
	now        func() time.Time
}

func NewClient(cfg Config) *Client {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 24 * time.Hour
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 7 * 24 * time.Hour
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		cfg:        cfg,
		httpClient: hc,
		stopCh:     make(chan struct{}),
		stopped:    make(chan struct{}),
		now:        time.Now,
	}
}

func (c *Client) post(ctx context.Context, path string, body map[string]string) (*apiResponse, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/licensing/v1"+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", path, err)
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !out.Success {
		msg := out.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	return &out, nil
}

// Validate performs an immediate validation. Transport failures and server
// errors put the client offline without discarding the last known status;
// a rejection from the server marks the license invalid.
func (c *Client) Validate(ctx context.Context) error {
	c.mu.RLock()
	body := map[string]string{"license_key": c.cfg.Key, "product_slug": c.cfg.ProductSlug}
	c.mu.RUnlock()

	now := c.now()
	out, err := c.post(ctx, "/validate", body)

	c.mu.Lock()
	defer c.mu.Unlock()
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr) && apiErr.StatusCode < 500:
		c.status = Status{
			Valid:       false,
			State:       "invalid",
			Warning:     "License " + apiErr.Message,
			LastChecked: now,
		}
		return err
	case err != nil:
		c.status.Offline = true
		c.status.Warning = "Unable to reach license server"
		return err
	}

	c.status = Status{Valid: true, LastChecked: now, LastValid: now}
	if out.License != nil {
		c.status.State = out.License.Status
		c.status.ExpiresAt = out.License.ExpiresAt
		c.status.Activations = out.License.Activations
		c.status.MaxActivations = out.License.MaxActivations
	}
	return nil
}

// Activate claims a seat for the configured domain.
func (c *Client) Activate(ctx context.Context) (string, error) {
	c.mu.RLock()
	body := map[string]string{"license_key": c.cfg.Key, "domain": c.cfg.Domain, "product_slug": c.cfg.ProductSlug}
	c.mu.RUnlock()

	out, err := c.post(ctx, "/activate", body)
	if err != nil {
		return "", err
	}
	return out.Message, nil
}

// Deactivate releases the configured domain's seat.
func (c *Client) Deactivate(ctx context.Context) error {
	c.mu.RLock()
	body := map[string]string{"license_key": c.cfg.Key, "domain": c.cfg.Domain, "product_slug": c.cfg.ProductSlug}
	c.mu.RUnlock()

	_, err := c.post(ctx, "/deactivate", body)
	return err
}

func (c *Client) CheckUpdate(ctx context.Context, currentVersion string) (*UpdateInfo, error) {
	c.mu.RLock()
	body := map[string]string{"license_key": c.cfg.Key, "product_slug": c.cfg.ProductSlug, "current_version": currentVersion}
	c.mu.RUnlock()

	out, err := c.post(ctx, "/update-check", body)
	if err != nil {
		return nil, err
	}
	info := out.UpdateInfo
	return &info, nil
}

// Licensed reports whether the product may run: the last check succeeded,
// or the server is unreachable and the last success is within the grace
// period.
func (c *Client) Licensed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.status.LastValid.IsZero() {
		return false
	}
	if c.status.Offline {
		return c.now().Sub(c.status.LastValid) < c.cfg.GracePeriod
	}
	return c.status.Valid
}

// Status returns the current cached license status.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// SetKey updates the license key and triggers immediate validation.
func (c *Client) SetKey(ctx context.Context, key string) error {
	c.mu.Lock()
	c.cfg.Key = key
	c.status = Status{}
	c.mu.Unlock()
	return c.Validate(ctx)
}

// Start validates once and then every CheckInterval until Stop.
func (c *Client) Start(ctx context.Context) {
	c.Validate(ctx)

	go func() {
		defer close(c.stopped)
		ticker := time.NewTicker(c.cfg.CheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.Validate(ctx)
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the background validation goroutine.
func (c *Client) Stop() {
	close(c.stopCh)
	<-c.stopped
}
