// CLAUDE:SUMMARY Entry point for the furet search service — chi router, bearer-token identity, sqlite, optional MCP stdio.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/furet/dbopen"
	"github.com/hazyhaar/furet/identity"
	"github.com/hazyhaar/furet/quest"
)

func main() {
	port := env("PORT", "8090")
	dataPath := env("DATA_DB", "db/furet.db")
	mcpTransport := env("MCP_TRANSPORT", "")
	logLevel := env("LOG_LEVEL", "info")

	secretInput := os.Getenv("CREDENTIAL_SECRET")
	if secretInput == "" {
		slog.Error("CREDENTIAL_SECRET is required")
		os.Exit(1)
	}

	// Logging.
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Data DB: search records plus identity tables in one file.
	db, err := dbopen.Open(dataPath,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(quest.Schema),
		dbopen.WithSchema(identity.Schema))
	if err != nil {
		slog.Error("open data db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ident, err := identity.NewStore(db, []byte(secretInput))
	if err != nil {
		slog.Error("identity store", "error", err)
		os.Exit(1)
	}
	cfg := quest.Config{
		AgentBaseURL: env("AGENT_BASE_URL", "https://api.scrapybara.com"),
		GenAIBaseURL: env("GENAI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta/openai"),
		GenAIAPIKey:  os.Getenv("GENAI_API_KEY"),
		Model:        env("GENAI_MODEL", ""),
		EngineURL:    env("ENGINE_URL", ""),
		Logger:       logger,
	}
	if promptsFile := os.Getenv("PROMPTS_FILE"); promptsFile != "" {
		prompts, err := quest.LoadPrompts(promptsFile)
		if err != nil {
			slog.Error("load prompts", "error", err)
			os.Exit(1)
		}
		cfg.Prompts = prompts
	}
	svc := quest.New(cfg, db, ident)

	// MCP stdio mode: serve tools instead of HTTP.
	if mcpTransport == "stdio" {
		srv := mcp.NewServer(&mcp.Implementation{Name: "furet", Version: "0.1.0"}, nil)
		svc.RegisterMCP(srv)
		if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil {
			slog.Error("mcp server", "error", err)
			os.Exit(1)
		}
		return
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(ident))
		r.Mount("/api", svc.Routes())
	})

	// No WriteTimeout: stream responses stay open for the length of a
	// pipeline run.
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
