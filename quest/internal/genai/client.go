// Package genai is a thin chat client for an OpenAI-compatible generative
// backend. Sessions carry a system instruction and accumulating history;
// structured sessions additionally pin the reply to a JSON schema.
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/openai/openai-go"
)

// DefaultModel is the fast, cheap tier used for query rewriting and
// summarization.
const DefaultModel = "gemini-2.0-flash-lite"

// Config configures the chat client.
type Config struct {
	// BaseURL of the OpenAI-compatible endpoint, without the trailing
	// /chat/completions segment.
	BaseURL string

	APIKey string

	// Model defaults to DefaultModel.
	Model string

	// Timeout bounds one completion call. Default 2m.
	Timeout time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client issues chat completions.
type Client struct {
	cfg    Config
	client *http.Client
}

// New creates a Client.
func New(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// SessionOption configures a ChatSession.
type SessionOption func(*ChatSession)

// WithJSONSchema pins every reply in the session to the given JSON schema.
// The model then returns exactly one JSON object matching it.
func WithJSONSchema(name string, schema json.RawMessage) SessionOption {
	return func(s *ChatSession) {
		s.responseFormat = &responseFormat{
			Type: "json_schema",
			JSONSchema: &jsonSchemaSpec{
				Name:   name,
				Schema: schema,
				Strict: true,
			},
		}
	}
}

// ChatSession is one conversation: a system instruction plus the running
// exchange. Not safe for concurrent use.
type ChatSession struct {
	client         *Client
	history        []openai.ChatCompletionMessageParamUnion
	responseFormat *responseFormat
}

// NewSession starts a conversation seeded with a system instruction.
func (c *Client) NewSession(system string, opts ...SessionOption) *ChatSession {
	s := &ChatSession{
		client:  c,
		history: []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(system)},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type responseFormat struct {
	Type       string          `json:"type"`
	JSONSchema *jsonSchemaSpec `json:"json_schema,omitempty"`
}

type jsonSchemaSpec struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict"`
}

type completionRequest struct {
	Model          string                                   `json:"model"`
	Messages       []openai.ChatCompletionMessageParamUnion `json:"messages"`
	ResponseFormat *responseFormat                          `json:"response_format,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Send appends the user message, runs one completion and appends the reply
// to the history, so later turns see the full exchange.
func (s *ChatSession) Send(ctx context.Context, message string) (string, error) {
	s.history = append(s.history, openai.UserMessage(message))

	body, err := json.Marshal(completionRequest{
		Model:          s.client.cfg.Model,
		Messages:       s.history,
		ResponseFormat: s.responseFormat,
	})
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}

	url := s.client.cfg.BaseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.client.cfg.APIKey)

	resp, err := s.client.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion call: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read completion response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("completion failed (status %d): %s", resp.StatusCode, truncate(data, 512))
	}

	var out completionResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode completion response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("completion failed: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("completion returned no choices")
	}

	reply := out.Choices[0].Message.Content
	s.history = append(s.history, openai.AssistantMessage(reply))
	return reply, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
