// Package agent is the client for the remote browser-automation backend.
//
// The backend hosts disposable browser sessions and executes natural-language
// instructions against them through an act endpoint. Instructions are
// best-effort: the agent is not a programmable API, so callers must treat
// every act as fallible and infer success from downstream state.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Config configures the backend client.
type Config struct {
	// BaseURL of the automation backend, e.g. "https://api.scrapybara.com".
	BaseURL string

	// APIKey is the per-user credential. Required.
	APIKey string

	// ActTimeout bounds a single act call. Agent runs are slow (the backend
	// drives a real browser); default 5m.
	ActTimeout time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.ActTimeout <= 0 {
		c.ActTimeout = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client talks to the automation backend.
type Client struct {
	cfg    Config
	client *http.Client
}

// New creates a Client.
func New(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.ActTimeout},
	}
}

// StartOptions configures a new remote session.
type StartOptions struct {
	// TimeoutHours is the session lifetime ceiling enforced by the backend.
	TimeoutHours int `json:"timeout_hours"`
}

// Session is a live remote browser session.
type Session struct {
	ID          string `json:"id"`
	CDPURL      string `json:"cdp_url"`
	LiveViewURL string `json:"live_view_url"`

	client *Client
}

// StartSession acquires a remote session and starts its browser, returning
// the CDP control-channel descriptor alongside the session handle.
func (c *Client) StartSession(ctx context.Context, opts StartOptions) (*Session, error) {
	if opts.TimeoutHours <= 0 {
		opts.TimeoutHours = 1
	}
	var sess Session
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", opts, &sess); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	sess.client = c
	c.cfg.Logger.Info("agent: session started", "session_id", sess.ID)
	return &sess, nil
}

// ActRequest is one natural-language instruction for the session's agent.
type ActRequest struct {
	Instructions string `json:"instructions"`

	// OutputSchema, when set, constrains the agent's answer to a JSON shape.
	// Without it the result is free text (or empty for pure side effects).
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

// ActResult is the backend's answer to an act call.
type ActResult struct {
	// Output is the structured result when an OutputSchema was supplied,
	// or a JSON string for free-text answers. Null for side-effect acts.
	Output json.RawMessage `json:"output"`
}

// Act executes one instruction inside the session.
func (s *Session) Act(ctx context.Context, req ActRequest) (json.RawMessage, error) {
	var res ActResult
	path := "/v1/sessions/" + s.ID + "/act"
	if err := s.client.do(ctx, http.MethodPost, path, req, &res); err != nil {
		return nil, fmt.Errorf("act: %w", err)
	}
	return res.Output, nil
}

// Stop releases the remote session. Safe to call once per session; the
// backend treats stopping an already-stopped session as a 404, which is
// reported but carries no classified type.
func (s *Session) Stop(ctx context.Context) error {
	path := "/v1/sessions/" + s.ID
	if err := s.client.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("stop session: %w", err)
	}
	s.client.cfg.Logger.Info("agent: session stopped", "session_id", s.ID)
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("backend unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return classify(resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
