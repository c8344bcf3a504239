package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Classified backend failures. These four are run-terminal: retrying a page
// never fixes an account-level condition.
var (
	ErrInvalidCredential = errors.New("agent: invalid API key")
	ErrNotAuthenticated  = errors.New("agent: not authenticated")
	ErrCreditsExhausted  = errors.New("agent: usage credits exhausted")
	ErrSessionLimit      = errors.New("agent: concurrent session limit reached")
)

// Terminal reports whether err is one of the classified run-terminal
// backend conditions.
func Terminal(err error) bool {
	return errors.Is(err, ErrInvalidCredential) ||
		errors.Is(err, ErrNotAuthenticated) ||
		errors.Is(err, ErrCreditsExhausted) ||
		errors.Is(err, ErrSessionLimit)
}

// classify maps a backend error response to a sentinel where the shape is
// recognised, otherwise to a plain error carrying status and message.
func classify(status int, body []byte) error {
	var shape struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &shape)
	msg := shape.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}

	switch {
	case shape.Code == "invalid_api_key" || status == http.StatusUnauthorized:
		return wrap(ErrInvalidCredential, msg)
	case shape.Code == "not_authenticated" || status == http.StatusForbidden:
		return wrap(ErrNotAuthenticated, msg)
	case shape.Code == "credits_exhausted" || status == http.StatusPaymentRequired:
		return wrap(ErrCreditsExhausted, msg)
	case shape.Code == "concurrent_session_limit" || status == http.StatusTooManyRequests:
		return wrap(ErrSessionLimit, msg)
	}
	return fmt.Errorf("backend error (status %d): %s", status, msg)
}

func wrap(sentinel error, msg string) error {
	if msg == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}
