// Package quest implements the search-orchestration pipeline: query rewrite,
// remote browser session, bounded navigate/extract attempts, cited synthesis,
// with progress streamed as NDJSON and milestones persisted incrementally.
package quest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/hazyhaar/furet/identity"
	"github.com/hazyhaar/furet/quest/internal/agent"
	"github.com/hazyhaar/furet/quest/internal/genai"
	"github.com/hazyhaar/furet/quest/internal/reader"
	"github.com/hazyhaar/furet/quest/internal/store"
)

// Schema is the search-record schema, re-exported for callers wiring the
// database at startup.
const Schema = store.Schema

// maxSectionsPerPage caps content sections captured from a single page.
const maxSectionsPerPage = 3

var rewriteSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"search_term": {"type": "string"}},
	"required": ["search_term"],
	"additionalProperties": false
}`)

var extractionSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"link": {"type": "string"},
		"content": {"type": "array", "items": {"type": "string"}, "maxItems": 3}
	},
	"required": ["content"],
	"additionalProperties": false
}`)

// Service runs search pipelines. One Service serves all users; each Run is
// a single sequential pipeline with exactly one automation session.
type Service struct {
	cfg      Config
	records  *store.Store
	identity *identity.Store
	llm      *genai.Client

	// Replaced in tests; production wiring set by New.
	open    func(ctx context.Context, apiKey string) (*runSession, error)
	connect func(ctx context.Context, cdpURL, engineURL string) (browserChannel, error)
}

// New creates a Service over an open database (carrying Schema) and the
// identity collaborator.
func New(cfg Config, db *sql.DB, ident *identity.Store) *Service {
	cfg.defaults()
	s := &Service{
		cfg:      cfg,
		records:  store.NewStore(db),
		identity: ident,
	}
	s.llm = genai.New(genai.Config{
		BaseURL: cfg.GenAIBaseURL,
		APIKey:  cfg.GenAIAPIKey,
		Model:   cfg.Model,
		Logger:  cfg.Logger,
	})
	s.connect = connectCDP
	s.open = s.openSession
	return s
}

// Run executes one pipeline for req, emitting progress to sink. The stream
// always terminates with a done or error event; the returned error mirrors
// the terminal error event for callers that log rather than stream.
func (s *Service) Run(ctx context.Context, req SearchRequest, sink *Sink) error {
	logger := s.cfg.Logger.With("search_id", req.SearchID, "user_id", req.UserID)

	if strings.TrimSpace(req.RawQuery) == "" {
		return s.fail(ctx, req, sink, logger, fmt.Errorf("empty query"))
	}

	// A completed run for the same query text is served as-is: no second
	// automation session for a question already answered.
	if rec, err := s.records.GetCompletedByQuery(ctx, req.UserID, req.RawQuery); err == nil && rec != nil {
		logger.Info("serving completed record", "cached_search_id", rec.SearchID)
		return sink.Emit(Event{Stage: StageDone, EnhancedQuery: rec.EnhancedQuery, Summary: rec.SummaryHTML})
	}

	term := s.rewrite(ctx, req, sink, logger)

	apiKey, err := s.identity.Credential(ctx, req.UserID)
	if err != nil {
		return s.fail(ctx, req, sink, logger, err)
	}

	sess, err := s.open(ctx, apiKey)
	if err != nil {
		return s.fail(ctx, req, sink, logger, err)
	}
	defer sess.close(ctx, logger)

	sink.Emit(Event{Stage: StageSessionStart, LiveViewURL: sess.liveViewURL})

	if _, err := sess.actor.Act(ctx, agent.ActRequest{Instructions: s.cfg.Prompts.searchInstruction(term)}); err != nil {
		return s.fail(ctx, req, sink, logger, fmt.Errorf("submit search: %w", err))
	}
	sink.Emit(Event{Stage: StageNavigating, EnhancedQuery: term})

	extractions, err := s.collect(ctx, sess, term, sink, logger)
	if err != nil {
		return s.fail(ctx, req, sink, logger, err)
	}

	if data, merr := json.Marshal(extractions); merr == nil {
		if serr := s.records.SaveSources(ctx, req.UserID, req.SearchID, string(data)); serr != nil {
			logger.Warn("save sources failed", "error", serr)
		}
	}

	// The remote browser is no longer needed; release it before the
	// (potentially slow) synthesis call.
	sess.close(ctx, logger)

	sink.Emit(Event{Stage: StageSummarizing})
	summary, err := s.summarize(ctx, term, extractions)
	if err != nil {
		return s.fail(ctx, req, sink, logger, err)
	}
	if err := s.records.CompleteWithSummary(ctx, req.UserID, req.SearchID, summary); err != nil {
		return s.fail(ctx, req, sink, logger, err)
	}

	logger.Info("run completed", "extractions", len(extractions))
	return sink.Emit(Event{Stage: StageDone, EnhancedQuery: term, Summary: summary})
}

// rewrite asks the model for an optimized search term. Advisory: any
// failure falls back to the raw query. Performs the run's first durable
// write so the enhanced term survives later-stage failures.
func (s *Service) rewrite(ctx context.Context, req SearchRequest, sink *Sink, logger *slog.Logger) string {
	term := req.RawQuery
	chat := s.llm.NewSession(s.cfg.Prompts.RewriteSystem, genai.WithJSONSchema("search_rewrite", rewriteSchema))
	if out, err := chat.Send(ctx, req.RawQuery); err != nil {
		logger.Warn("query rewrite failed, using raw query", "error", err)
	} else {
		var parsed struct {
			SearchTerm string `json:"search_term"`
		}
		if uerr := json.Unmarshal([]byte(out), &parsed); uerr != nil || strings.TrimSpace(parsed.SearchTerm) == "" {
			logger.Warn("query rewrite unparseable, using raw query")
		} else {
			term = strings.TrimSpace(parsed.SearchTerm)
		}
	}

	if err := s.records.UpsertEnhanced(ctx, req.UserID, req.SearchID, req.RawQuery, term); err != nil {
		logger.Warn("enhanced query persist failed", "error", err)
	}
	sink.Emit(Event{Stage: StageRewriting, EnhancedQuery: term})
	return term
}

// collect is the retry loop: up to AttemptBudget navigate/extract/close
// cycles, stopping early at TargetExtractions. Unclassified attempt errors
// consume the attempt and continue; classified terminal errors abort.
func (s *Service) collect(ctx context.Context, sess *runSession, term string, sink *Sink, logger *slog.Logger) ([]Extraction, error) {
	visited := []string{"none"}
	extractions := make([]Extraction, 0, s.cfg.TargetExtractions)

	for attempt := 1; attempt <= s.cfg.AttemptBudget && len(extractions) < s.cfg.TargetExtractions; attempt++ {
		ext, err := s.attempt(ctx, sess, term, visited, logger)
		if err != nil {
			if agent.Terminal(err) {
				return nil, err
			}
			logger.Warn("attempt failed", "attempt", attempt, "error", err)
			sink.Emit(Event{Stage: StageReading, Sections: sections(0), Error: "page could not be read"})
			continue
		}

		// The open-next instruction forbids revisits, but the agent is
		// best-effort: a link it reopened anyway consumes the attempt
		// without filling a result slot or reappearing in the set.
		if ext.Link != "" && slices.Contains(visited, ext.Link) {
			logger.Warn("agent reopened a visited link", "attempt", attempt, "link", ext.Link)
			sink.Emit(Event{Stage: StageReading, Link: ext.Link, Sections: sections(0), Error: "page was already read"})
			continue
		}
		if ext.Link != "" {
			visited = append(visited, ext.Link)
		}
		if len(ext.Content) > 0 {
			extractions = append(extractions, ext)
		}
		sink.Emit(Event{Stage: StageReading, Link: ext.Link, Sections: sections(len(ext.Content))})
	}
	return extractions, nil
}

// attempt is one navigate → extract → close-tab cycle. The tab close runs
// on every outcome so the next attempt starts from the results page.
func (s *Service) attempt(ctx context.Context, sess *runSession, term string, visited []string, logger *slog.Logger) (Extraction, error) {
	var ext Extraction

	defer func() {
		if _, err := sess.actor.Act(ctx, agent.ActRequest{Instructions: s.cfg.Prompts.CloseTab}); err != nil {
			logger.Warn("close tab failed", "error", err)
		}
	}()

	if _, err := sess.actor.Act(ctx, agent.ActRequest{Instructions: s.cfg.Prompts.openNextInstruction(term, visited)}); err != nil {
		return ext, fmt.Errorf("open next result: %w", err)
	}

	raw, err := sess.actor.Act(ctx, agent.ActRequest{
		Instructions: s.cfg.Prompts.extractInstruction(term, s.cfg.ScrollBudget),
		OutputSchema: extractionSchema,
	})
	if err != nil {
		return ext, fmt.Errorf("extract: %w", err)
	}
	if err := json.Unmarshal(raw, &ext); err != nil {
		return ext, fmt.Errorf("decode extraction: %w", err)
	}
	if len(ext.Content) > maxSectionsPerPage {
		ext.Content = ext.Content[:maxSectionsPerPage]
	}

	// The agent reported the page but found nothing readable: capture the
	// DOM over CDP and read it locally before giving up on the page.
	if len(ext.Content) == 0 && sess.channel != nil {
		if html, herr := sess.channel.ActivePageHTML(); herr == nil {
			if paras, rerr := reader.Extract([]byte(html), maxSectionsPerPage); rerr == nil && len(paras) > 0 {
				logger.Info("read page locally", "title", reader.Title([]byte(html)), "sections", len(paras))
				ext.Content = paras
			}
		}
	}
	return ext, nil
}

// summarize runs the synthesis call. Not retried; failure is run-terminal.
func (s *Service) summarize(ctx context.Context, term string, extractions []Extraction) (string, error) {
	chat := s.llm.NewSession(s.cfg.Prompts.summarizeSystem(s.cfg.CitationColor))
	out, err := chat.Send(ctx, s.cfg.Prompts.summarizeMessage(term, extractions))
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}

	// Models occasionally fence the fragment despite instructions.
	out = strings.TrimSpace(out)
	out = strings.TrimPrefix(out, "```html")
	out = strings.TrimPrefix(out, "```")
	out = strings.TrimSuffix(out, "```")
	return reader.SanitizeSummary(strings.TrimSpace(out)), nil
}

// fail persists the error record, clears a rejected credential, emits the
// terminal error event and returns the cause.
func (s *Service) fail(ctx context.Context, req SearchRequest, sink *Sink, logger *slog.Logger, cause error) error {
	errorType, msg := ErrorTypeOf(cause)
	logger.Error("run failed", "error", cause, "error_type", errorType)

	if errorType == ErrorTypeInvalidAPIKey {
		if err := s.identity.ClearCredential(ctx, req.UserID); err != nil {
			logger.Warn("credential clear failed", "error", err)
		}
	}
	if err := s.records.SetError(ctx, req.UserID, req.SearchID, errorType, msg); err != nil {
		logger.Warn("error record persist failed", "error", err)
	}
	sink.Emit(Event{Stage: StageError, ErrorType: errorType, Error: msg})
	return cause
}
