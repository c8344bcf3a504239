package quest

import (
	"log/slog"

	"github.com/hazyhaar/furet/idgen"
)

// Config configures the search service. Zero values are usable; defaults()
// fills them in.
type Config struct {
	// AgentBaseURL is the browser-automation backend.
	AgentBaseURL string

	// GenAIBaseURL and GenAIAPIKey address the OpenAI-compatible
	// generative backend used for rewriting and summarization.
	GenAIBaseURL string
	GenAIAPIKey  string

	// Model overrides the generative model tier.
	Model string

	// EngineURL is the search engine landing page the session navigates to.
	EngineURL string

	// AttemptBudget caps navigate/extract/close cycles per run.
	AttemptBudget int

	// TargetExtractions stops the retry loop early once reached.
	TargetExtractions int

	// ScrollBudget caps scroll operations per extraction. Prompt-level
	// guidance for the agent, not an enforced code path.
	ScrollBudget int

	// SessionTimeoutHours is the lifetime ceiling requested for each
	// remote session. The backend enforces it.
	SessionTimeoutHours int

	// CitationColor is the CSS color token for superscript citation markers.
	CitationColor string

	// Prompts holds the literal agent and model instruction text.
	Prompts Prompts

	// IDs generates search identifiers.
	IDs idgen.Generator

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.EngineURL == "" {
		c.EngineURL = "https://duckduckgo.com"
	}
	if c.AttemptBudget <= 0 {
		c.AttemptBudget = 3
	}
	if c.TargetExtractions <= 0 {
		c.TargetExtractions = 3
	}
	if c.ScrollBudget <= 0 {
		c.ScrollBudget = 5
	}
	if c.SessionTimeoutHours <= 0 {
		c.SessionTimeoutHours = 1
	}
	if c.CitationColor == "" {
		c.CitationColor = "#2563eb"
	}
	c.Prompts.defaults()
	if c.IDs == nil {
		c.IDs = idgen.Default
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
