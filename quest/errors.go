package quest

import (
	"errors"

	"github.com/hazyhaar/furet/identity"
	"github.com/hazyhaar/furet/quest/internal/agent"
)

// Stable errorType strings carried on terminal stream events and persisted
// error records. Clients branch on these, so they never change.
const (
	ErrorTypeInvalidAPIKey = "invalid_api_key"
	ErrorTypeNotAuthed     = "not_authenticated"
	ErrorTypeCredits       = "credits_exhausted"
	ErrorTypeSessionLimit  = "session_limit_reached"
	ErrorTypeSearchFailed  = "search_failed"
)

// ErrorTypeOf maps a run-terminal error to its stable errorType plus an
// actionable user-facing message. Everything unclassified is a generic
// search failure.
func ErrorTypeOf(err error) (errorType, message string) {
	switch {
	case errors.Is(err, agent.ErrInvalidCredential), errors.Is(err, identity.ErrNoCredential):
		return ErrorTypeInvalidAPIKey, "Your automation credential was rejected. Update it in settings and try again."
	case errors.Is(err, agent.ErrNotAuthenticated):
		return ErrorTypeNotAuthed, "Not authenticated with the automation backend. Check your account and credential."
	case errors.Is(err, agent.ErrCreditsExhausted):
		return ErrorTypeCredits, "Credits exhausted. Add usage credits to your automation account to run searches."
	case errors.Is(err, agent.ErrSessionLimit):
		return ErrorTypeSessionLimit, "Too many concurrent browser sessions. Wait for a session to finish and retry."
	}
	return ErrorTypeSearchFailed, "The search could not be completed. Please try again."
}
