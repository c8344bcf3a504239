package quest

import "github.com/hazyhaar/furet/quest/internal/store"

// SearchRequest starts one pipeline run. Immutable once the run begins.
type SearchRequest struct {
	RawQuery string `json:"query"`
	SearchID string `json:"searchId"`
	UserID   string `json:"userId"`
}

// Extraction is one page's worth of captured content: the page URL plus up
// to three content sections in document order.
type Extraction struct {
	Link    string   `json:"link,omitempty"`
	Content []string `json:"content"`
}

// SearchRecord is the persisted run record.
type SearchRecord = store.SearchRecord
