package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// ErrBusy is returned when the daemon is already running a restart cycle.
var ErrBusy = errors.New("restart cycle already in progress")

// Client talks to the control API of a running jobwatch monitor.
type Client struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration // applies to status and kill; restart waits for the whole cycle
	Logger  *slog.Logger  // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8080",
		Timeout: 10 * time.Second,
	}
}

// New creates a new control API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		timeout: config.Timeout,
		logger:  config.Logger,
		client:  &http.Client{},
	}
}

// IsReachable checks if the monitor is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/status")
	if err != nil {
		c.logger.Debug("Monitor unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Status fetches the current job snapshot.
func (c *Client) Status(ctx context.Context) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var st Status
	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/status")
	if err != nil {
		return st, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.handleErrorResponse(resp); err != nil {
		return st, err
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

// Restart asks the monitor to run a restart cycle and waits for its outcome.
// An empty class lets the monitor classify the session output. A cycle that
// exhausts its attempts returns the report together with an error.
func (c *Client) Restart(ctx context.Context, class string) (Report, error) {
	u := c.baseURL + "/restart"
	if class != "" {
		u += "?class=" + url.QueryEscape(class)
	}
	resp, err := c.do(ctx, http.MethodPost, u)
	if err != nil {
		return Report{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusInternalServerError:
		var rr RestartResponse
		if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
			return Report{}, fmt.Errorf("decode restart response: %w", err)
		}
		if rr.Error != "" {
			return rr.Report, fmt.Errorf("API error: %s", rr.Error)
		}
		return rr.Report, nil
	case http.StatusConflict:
		return Report{}, ErrBusy
	default:
		return Report{}, c.handleErrorResponse(resp)
	}
}

// Kill stops the job and destroys its session.
func (c *Client) Kill(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/kill")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusConflict {
		return ErrBusy
	}
	return c.handleErrorResponse(resp)
}

func (c *Client) do(ctx context.Context, method, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", target)
		return nil, fmt.Errorf("do request: %w", err)
	}
	return resp, nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var errorResp ErrorResponse
	if err := json.Unmarshal(body, &errorResp); err != nil || errorResp.Error == "" {
		c.logger.Error("Failed to decode error response", "status", resp.StatusCode)
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	c.logger.Error("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return fmt.Errorf("API error: %s", errorResp.Error)
}
