package quest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/furet/quest/internal/agent"
)

// automationActor is the slice of the remote session the pipeline drives.
type automationActor interface {
	Act(ctx context.Context, req agent.ActRequest) (json.RawMessage, error)
	Stop(ctx context.Context) error
}

// browserChannel is the CDP control channel bound to a session. It exists
// for the landing navigation and the fallback DOM capture; every other
// browser action goes through the agent's act endpoint.
type browserChannel interface {
	// ActivePageHTML returns the serialized DOM of the most recently
	// opened page.
	ActivePageHTML() (string, error)
	Close() error
}

// runSession pairs a live remote session with its control channel. Owned
// exclusively by one pipeline run; close releases both exactly once on
// every exit path.
type runSession struct {
	actor       automationActor
	channel     browserChannel
	liveViewURL string

	closeOnce sync.Once
}

// close tears the session down: control channel first, then the remote
// session. Best-effort; failures are logged, never propagated.
func (r *runSession) close(ctx context.Context, logger *slog.Logger) {
	r.closeOnce.Do(func() {
		// Teardown usually runs from a defer after the request context
		// is gone; a canceled stop call would leak the remote session
		// until its lifetime ceiling.
		ctx = context.WithoutCancel(ctx)
		if r.channel != nil {
			if err := r.channel.Close(); err != nil {
				logger.Warn("browser channel close failed", "error", err)
			}
		}
		if err := r.actor.Stop(ctx); err != nil {
			logger.Warn("session stop failed", "error", err)
		}
	})
}

// openSession acquires a remote session for the given credential, binds a
// CDP channel to it and lands on the search engine. A session that starts
// but cannot be bound or navigated is stopped before the error returns.
func (s *Service) openSession(ctx context.Context, apiKey string) (*runSession, error) {
	client := agent.New(agent.Config{
		BaseURL: s.cfg.AgentBaseURL,
		APIKey:  apiKey,
		Logger:  s.cfg.Logger,
	})
	sess, err := client.StartSession(ctx, agent.StartOptions{TimeoutHours: s.cfg.SessionTimeoutHours})
	if err != nil {
		return nil, err
	}

	channel, err := s.connect(ctx, sess.CDPURL, s.cfg.EngineURL)
	if err != nil {
		if stopErr := sess.Stop(ctx); stopErr != nil {
			s.cfg.Logger.Warn("session stop after failed connect", "error", stopErr)
		}
		return nil, fmt.Errorf("bind control channel: %w", err)
	}

	return &runSession{
		actor:       sess,
		channel:     channel,
		liveViewURL: sess.LiveViewURL,
	}, nil
}

// rodChannel is the production browserChannel: a rod browser connected
// over CDP to the remote session.
type rodChannel struct {
	browser *rod.Browser
}

// connectCDP dials the session's CDP endpoint, opens a stealth page and
// navigates it to the engine landing URL.
func connectCDP(ctx context.Context, cdpURL, engineURL string) (browserChannel, error) {
	browser := rod.New().ControlURL(cdpURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect CDP: %w", err)
	}

	page, err := stealth.Page(browser)
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("open stealth page: %w", err)
	}
	if err := page.Navigate(engineURL); err != nil {
		browser.Close()
		return nil, fmt.Errorf("navigate to engine: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		browser.Close()
		return nil, fmt.Errorf("engine landing load: %w", err)
	}

	return &rodChannel{browser: browser}, nil
}

func (c *rodChannel) ActivePageHTML() (string, error) {
	pages, err := c.browser.Pages()
	if err != nil {
		return "", fmt.Errorf("list pages: %w", err)
	}
	if len(pages) == 0 {
		return "", fmt.Errorf("no open pages")
	}
	// The agent opens result pages in new tabs; the newest one is active.
	return pages[len(pages)-1].HTML()
}

func (c *rodChannel) Close() error {
	return c.browser.Close()
}
