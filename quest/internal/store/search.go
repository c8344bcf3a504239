// Package store persists search records: one row per run, keyed by
// (user_id, search_id), written incrementally as the pipeline advances so
// partial progress survives later-stage failures.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SearchRecord is one persisted search run.
type SearchRecord struct {
	UserID        string `json:"user_id"`
	SearchID      string `json:"search_id"`
	Query         string `json:"query"`
	EnhancedQuery string `json:"enhanced_query"`
	SourcesJSON   string `json:"sources"`
	SummaryHTML   string `json:"summary"`
	ErrorType     string `json:"error_type,omitempty"`
	Error         string `json:"error,omitempty"`
	Completed     bool   `json:"completed"`
	CreatedAt     int64  `json:"created_at"`
	CompletedAt   int64  `json:"completed_at,omitempty"`
}

// Store wraps a database handle with search-record operations.
type Store struct {
	DB *sql.DB
}

// NewStore creates a Store over an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}

// CreateShell inserts the initial record for a submitted query. Idempotent:
// re-posting the same (user, search) pair leaves the existing row untouched.
func (s *Store) CreateShell(ctx context.Context, userID, searchID, query string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO searches (user_id, search_id, query, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, search_id) DO NOTHING`,
		userID, searchID, query, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("create search: %w", err)
	}
	return nil
}

// UpsertEnhanced records the rewritten query. This is the pipeline's first
// durable write, so the enhanced term survives even if every later stage fails.
func (s *Store) UpsertEnhanced(ctx context.Context, userID, searchID, query, enhanced string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO searches (user_id, search_id, query, enhanced_query, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, search_id) DO UPDATE SET
			query = excluded.query,
			enhanced_query = excluded.enhanced_query`,
		userID, searchID, query, enhanced, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert enhanced query: %w", err)
	}
	return nil
}

// SaveSources stores the serialized extraction set after the retrieval phase.
func (s *Store) SaveSources(ctx context.Context, userID, searchID, sourcesJSON string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE searches SET sources_json = ? WHERE user_id = ? AND search_id = ?`,
		sourcesJSON, userID, searchID)
	if err != nil {
		return fmt.Errorf("save sources: %w", err)
	}
	return nil
}

// CompleteWithSummary stores the summary and marks the run completed in one
// statement, so completed=1 is never observable without a summary.
func (s *Store) CompleteWithSummary(ctx context.Context, userID, searchID, summaryHTML string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE searches SET summary_html = ?, completed = 1, completed_at = ?, error_type = '', error = ''
		WHERE user_id = ? AND search_id = ?`,
		summaryHTML, time.Now().UnixMilli(), userID, searchID)
	if err != nil {
		return fmt.Errorf("complete search: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("complete search: no record for %s/%s", userID, searchID)
	}
	return nil
}

// SetError records a terminal failure. The record stays completed=0.
func (s *Store) SetError(ctx context.Context, userID, searchID, errorType, message string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO searches (user_id, search_id, query, error_type, error, created_at)
		VALUES (?, ?, '', ?, ?, ?)
		ON CONFLICT(user_id, search_id) DO UPDATE SET
			error_type = excluded.error_type,
			error = excluded.error`,
		userID, searchID, errorType, message, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set error: %w", err)
	}
	return nil
}

// Get returns the record for (user, search), or nil when absent.
func (s *Store) Get(ctx context.Context, userID, searchID string) (*SearchRecord, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT user_id, search_id, query, enhanced_query, sources_json, summary_html,
			error_type, error, completed, created_at, COALESCE(completed_at, 0)
		FROM searches WHERE user_id = ? AND search_id = ?`, userID, searchID)
	return scanRecord(row)
}

// GetCompletedByQuery returns the most recent completed record for the exact
// query text, or nil. Used by the short-circuit path: a repeated query never
// opens a second automation session.
func (s *Store) GetCompletedByQuery(ctx context.Context, userID, query string) (*SearchRecord, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT user_id, search_id, query, enhanced_query, sources_json, summary_html,
			error_type, error, completed, created_at, COALESCE(completed_at, 0)
		FROM searches
		WHERE user_id = ? AND query = ? AND completed = 1
		ORDER BY completed_at DESC LIMIT 1`, userID, query)
	return scanRecord(row)
}

// ListRecent returns the user's searches, newest first.
func (s *Store) ListRecent(ctx context.Context, userID string, limit int) ([]*SearchRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT user_id, search_id, query, enhanced_query, sources_json, summary_html,
			error_type, error, completed, created_at, COALESCE(completed_at, 0)
		FROM searches WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list searches: %w", err)
	}
	defer rows.Close()

	var out []*SearchRecord
	for rows.Next() {
		r, err := scanRecordRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row *sql.Row) (*SearchRecord, error) {
	r, err := scanRecordRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func scanRecordRows(row rowScanner) (*SearchRecord, error) {
	var r SearchRecord
	var completed int
	err := row.Scan(&r.UserID, &r.SearchID, &r.Query, &r.EnhancedQuery, &r.SourcesJSON,
		&r.SummaryHTML, &r.ErrorType, &r.Error, &completed, &r.CreatedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	r.Completed = completed != 0
	return &r, nil
}
