package quest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/furet/kit"
)

// Routes returns the HTTP surface of the search service. Callers mount it
// behind the identity middleware; every handler reads the user from context.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/searches", s.handleCreate)
	r.Get("/searches", s.handleList)
	r.Get("/searches/{searchID}", s.handleGet)
	r.Post("/searches/{searchID}/stream", s.handleStream)
	r.Put("/credential", s.handlePutCredential)
	r.Delete("/credential", s.handleDeleteCredential)
	return r
}

// handleCreate registers a search shell before streaming begins, so the
// record exists even if the client never opens the stream.
func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	userID := kit.GetUserID(r.Context())
	var body struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Query == "" {
		writeError(w, http.StatusBadRequest, errors.New("query is required"))
		return
	}

	searchID := s.cfg.IDs()
	if err := s.records.CreateShell(r.Context(), userID, searchID, body.Query); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"searchId": searchID,
		"query":    body.Query,
	})
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	userID := kit.GetUserID(r.Context())
	recs, err := s.records.ListRecent(r.Context(), userID, queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []*SearchRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	userID := kit.GetUserID(r.Context())
	searchID := chi.URLParam(r, "searchID")

	rec, err := s.records.Get(r.Context(), userID, searchID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("search %s not found", searchID))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleStream runs the pipeline, emitting NDJSON progress records over a
// chunked response. The body carries the query; the URL carries the ID.
func (s *Service) handleStream(w http.ResponseWriter, r *http.Request) {
	userID := kit.GetUserID(r.Context())
	searchID := chi.URLParam(r, "searchID")

	var body struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Query == "" {
		writeError(w, http.StatusBadRequest, errors.New("query is required"))
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	req := SearchRequest{RawQuery: body.Query, SearchID: searchID, UserID: userID}
	// Errors are already on the stream as terminal events; nothing more
	// can be sent once the body has started.
	_ = s.Run(r.Context(), req, NewSink(w))
}

func (s *Service) handlePutCredential(w http.ResponseWriter, r *http.Request) {
	userID := kit.GetUserID(r.Context())
	var body struct {
		APIKey string `json:"apiKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.APIKey == "" {
		writeError(w, http.StatusBadRequest, errors.New("apiKey is required"))
		return
	}
	if err := s.identity.SetCredential(r.Context(), userID, body.APIKey); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stored": true})
}

func (s *Service) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	userID := kit.GetUserID(r.Context())
	if err := s.identity.ClearCredential(r.Context(), userID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
