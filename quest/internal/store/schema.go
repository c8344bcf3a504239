package store

import "database/sql"

// Schema is the search-record schema. Rows are keyed by (user_id, search_id);
// the (user_id, query) index exists only for the completed-run short-circuit
// lookup. completed flips to 1 in the same statement that stores the summary.
const Schema = `
CREATE TABLE IF NOT EXISTS searches (
    user_id        TEXT NOT NULL,
    search_id      TEXT NOT NULL,
    query          TEXT NOT NULL,
    enhanced_query TEXT NOT NULL DEFAULT '',
    sources_json   TEXT NOT NULL DEFAULT '[]',
    summary_html   TEXT NOT NULL DEFAULT '',
    error_type     TEXT NOT NULL DEFAULT '',
    error          TEXT NOT NULL DEFAULT '',
    completed      INTEGER NOT NULL DEFAULT 0,
    created_at     INTEGER NOT NULL,
    completed_at   INTEGER,
    PRIMARY KEY (user_id, search_id)
);
CREATE INDEX IF NOT EXISTS idx_searches_user_query ON searches(user_id, query);
CREATE INDEX IF NOT EXISTS idx_searches_created ON searches(created_at DESC);
`

// ApplySchema creates the search tables on the given database.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
