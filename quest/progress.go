package quest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// Pipeline stages in stream order. A stream always terminates with either
// StageDone or StageError.
const (
	StageRewriting    = "rewriting"
	StageSessionStart = "session-starting"
	StageNavigating   = "navigating"
	StageReading      = "reading"
	StageSummarizing  = "summarizing"
	StageError        = "error"
	StageDone         = "done"
)

// Event is one progress record: a tagged union over stages, serialized as
// one JSON object per line. Only the fields relevant to the stage are set.
type Event struct {
	Stage         string `json:"stage"`
	EnhancedQuery string `json:"enhancedQuery,omitempty"`
	LiveViewURL   string `json:"liveViewUrl,omitempty"`
	Link          string `json:"link,omitempty"`
	Sections      *int   `json:"sections,omitempty"`
	Summary       string `json:"summary,omitempty"`
	ErrorType     string `json:"errorType,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Sink forwards progress events as newline-delimited JSON over a single
// writer, flushing after every record so clients observe partial progress.
// It buffers nothing and never retries; a pure forwarding sink.
type Sink struct {
	mu    sync.Mutex
	enc   *json.Encoder
	flush http.Flusher
}

// NewSink wraps a writer. When w implements http.Flusher, every event is
// flushed to the client immediately.
func NewSink(w io.Writer) *Sink {
	s := &Sink{enc: json.NewEncoder(w)}
	if f, ok := w.(http.Flusher); ok {
		s.flush = f
	}
	return s
}

// Emit writes one event line. Single-writer discipline is enforced here so
// pipeline stages never interleave records.
func (s *Sink) Emit(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(ev); err != nil {
		return fmt.Errorf("emit progress: %w", err)
	}
	if s.flush != nil {
		s.flush.Flush()
	}
	return nil
}

func sections(n int) *int { return &n }
