package quest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/hazyhaar/furet/dbopen"
	"github.com/hazyhaar/furet/identity"
	"github.com/hazyhaar/furet/idgen"
	"github.com/hazyhaar/furet/quest/internal/agent"
	"github.com/hazyhaar/furet/quest/internal/store"
)

// fakeActor scripts the remote agent: free-text acts succeed, structured
// acts return queued extraction payloads.
type fakeActor struct {
	mu           sync.Mutex
	instructions []string
	extractions  []string
	extractIdx   int
	failWhen     func(instruction string) error
	stops        int
	stopCtxErr   error
}

// fakeChannel serves a canned DOM for the local-read fallback.
type fakeChannel struct {
	html   string
	closes int
}

func (f *fakeChannel) ActivePageHTML() (string, error) { return f.html, nil }
func (f *fakeChannel) Close() error                    { f.closes++; return nil }

func (f *fakeActor) Act(_ context.Context, req agent.ActRequest) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instructions = append(f.instructions, req.Instructions)
	if f.failWhen != nil {
		if err := f.failWhen(req.Instructions); err != nil {
			return nil, err
		}
	}
	if len(req.OutputSchema) > 0 {
		if f.extractIdx < len(f.extractions) {
			payload := f.extractions[f.extractIdx]
			f.extractIdx++
			return json.RawMessage(payload), nil
		}
		return json.RawMessage(`{"content":[]}`), nil
	}
	return nil, nil
}

func (f *fakeActor) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.stopCtxErr = ctx.Err()
	return nil
}

func (f *fakeActor) instructionsContaining(substr string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, in := range f.instructions {
		if strings.Contains(in, substr) {
			out = append(out, in)
		}
	}
	return out
}

// llmHandler answers rewrite calls (recognised by their schema constraint)
// with a fixed term and summarize calls with a cited HTML fragment.
func llmHandler(term, summary string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		content := summary
		if bytes.Contains(body, []byte("json_schema")) {
			data, _ := json.Marshal(map[string]string{"search_term": term})
			content = string(data)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		})
	}
}

func newTestService(t *testing.T, llm http.HandlerFunc, actor *fakeActor) (*Service, *identity.Store, *store.Store) {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema), dbopen.WithSchema(identity.Schema))
	records := store.NewStore(db)
	ident, err := identity.NewStore(db, []byte("test-secret"))
	if err != nil {
		t.Fatalf("identity store: %v", err)
	}

	srv := httptest.NewServer(llm)
	t.Cleanup(srv.Close)

	s := New(Config{
		GenAIBaseURL: srv.URL,
		IDs:          idgen.Sequential("search"),
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, db, ident)
	s.open = func(context.Context, string) (*runSession, error) {
		return &runSession{actor: actor, liveViewURL: "https://live.example/sess-1"}, nil
	}

	if _, err := ident.CreateUserWithID(context.Background(), identity.DemoUserID, "demo@example.com", "Demo"); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := ident.SetCredential(context.Background(), identity.DemoUserID, "sk-agent"); err != nil {
		t.Fatalf("set credential: %v", err)
	}
	return s, ident, records
}

func runPipeline(t *testing.T, s *Service, query string) []Event {
	t.Helper()
	var buf bytes.Buffer
	req := SearchRequest{RawQuery: query, SearchID: "s1", UserID: identity.DemoUserID}
	s.Run(context.Background(), req, NewSink(&buf))
	return decodeEvents(t, &buf)
}

func decodeEvents(t *testing.T, buf *bytes.Buffer) []Event {
	t.Helper()
	var events []Event
	dec := json.NewDecoder(buf)
	for dec.More() {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			t.Fatalf("stream not line-parseable: %v", err)
		}
		events = append(events, ev)
	}
	return events
}

func stages(events []Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Stage
	}
	return out
}

func TestRunHappyPath(t *testing.T) {
	// WHAT: Three successful extractions stream the full stage sequence and
	// persist a completed record with the sanitized summary.
	actor := &fakeActor{extractions: []string{
		`{"link":"https://a.example/1","content":["first section","more"]}`,
		`{"link":"https://b.example/2","content":["second section"]}`,
		`{"link":"https://c.example/3","content":["third section"]}`,
	}}
	summary := `<p>The transistor was invented in 1947.<sup style="color:#2563eb">1</sup></p>` +
		`<ol><li>https://a.example/1</li><li>https://b.example/2</li><li>https://c.example/3</li></ol>`
	s, _, records := newTestService(t, llmHandler("history of transistor invention semiconductor", summary), actor)

	events := runPipeline(t, s, "history of the transistor")

	want := []string{StageRewriting, StageSessionStart, StageNavigating,
		StageReading, StageReading, StageReading, StageSummarizing, StageDone}
	if got := stages(events); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("stage sequence:\n got %v\nwant %v", got, want)
	}
	if events[0].EnhancedQuery != "history of transistor invention semiconductor" {
		t.Errorf("enhanced query: %q", events[0].EnhancedQuery)
	}
	if events[1].LiveViewURL == "" {
		t.Error("live view URL not forwarded")
	}

	final := events[len(events)-1]
	if !strings.Contains(final.Summary, "<sup") || !strings.Contains(final.Summary, "https://c.example/3") {
		t.Errorf("summary payload: %q", final.Summary)
	}

	rec, err := records.Get(context.Background(), identity.DemoUserID, "s1")
	if err != nil || rec == nil {
		t.Fatalf("record: %v %v", rec, err)
	}
	if !rec.Completed || rec.SummaryHTML == "" || rec.CompletedAt == 0 {
		t.Errorf("record not completed: %+v", rec)
	}
	var sources []Extraction
	if err := json.Unmarshal([]byte(rec.SourcesJSON), &sources); err != nil || len(sources) != 3 {
		t.Errorf("sources: %q (%v)", rec.SourcesJSON, err)
	}

	if actor.stops != 1 {
		t.Errorf("session stopped %d times, want exactly 1", actor.stops)
	}
}

func TestVisitedLinksGrowAndNeverRepeat(t *testing.T) {
	// WHAT: Each open-next instruction carries the sentinel plus every link
	// opened so far, so the agent never reopens a page.
	actor := &fakeActor{extractions: []string{
		`{"link":"https://a.example/1","content":["x"]}`,
		`{"link":"https://b.example/2","content":["y"]}`,
		`{"link":"https://c.example/3","content":["z"]}`,
	}}
	s, _, _ := newTestService(t, llmHandler("term", "<p>s</p>"), actor)

	runPipeline(t, s, "q")

	opens := actor.instructionsContaining("do not reopen")
	if len(opens) != 3 {
		t.Fatalf("open-next instruction count: %d", len(opens))
	}
	if !strings.Contains(opens[0], "none") {
		t.Errorf("first open missing sentinel: %q", opens[0])
	}
	if !strings.Contains(opens[1], "https://a.example/1") {
		t.Errorf("second open missing first link: %q", opens[1])
	}
	if !strings.Contains(opens[2], "https://b.example/2") {
		t.Errorf("third open missing second link: %q", opens[2])
	}
	if strings.Contains(opens[0], "https://a.example/1") {
		t.Errorf("first open already lists a link: %q", opens[0])
	}
}

func TestReopenedLinkNotRecountedOrRelisted(t *testing.T) {
	// WHAT: When the agent reopens a page despite the instruction, the
	// attempt is consumed but the link is not listed twice and the page
	// does not fill a second result slot.
	actor := &fakeActor{extractions: []string{
		`{"link":"https://a.example/1","content":["x"]}`,
		`{"link":"https://a.example/1","content":["x again"]}`,
		`{"link":"https://b.example/2","content":["y"]}`,
	}}
	s, _, records := newTestService(t, llmHandler("term", "<p>s</p>"), actor)

	events := runPipeline(t, s, "q")

	opens := actor.instructionsContaining("do not reopen")
	if len(opens) != 3 {
		t.Fatalf("open-next instruction count: %d", len(opens))
	}
	if n := strings.Count(opens[2], "https://a.example/1"); n != 1 {
		t.Errorf("third open lists the link %d times: %q", n, opens[2])
	}

	rec, _ := records.Get(context.Background(), identity.DemoUserID, "s1")
	var sources []Extraction
	if err := json.Unmarshal([]byte(rec.SourcesJSON), &sources); err != nil || len(sources) != 2 {
		t.Fatalf("sources: %q (%v)", rec.SourcesJSON, err)
	}
	if sources[0].Link == sources[1].Link {
		t.Errorf("duplicate source: %q", sources[0].Link)
	}
	if events[len(events)-1].Stage != StageDone {
		t.Errorf("final stage: %q", events[len(events)-1].Stage)
	}
}

func TestShortCircuitCompletedQuery(t *testing.T) {
	// WHAT: A completed (user, query) pair is served from the store with a
	// single done event and no new automation session.
	actor := &fakeActor{}
	s, _, records := newTestService(t, llmHandler("term", "<p>s</p>"), actor)

	ctx := context.Background()
	records.UpsertEnhanced(ctx, identity.DemoUserID, "old", "cached question", "cached term")
	records.CompleteWithSummary(ctx, identity.DemoUserID, "old", "<p>cached answer</p>")

	opened := false
	s.open = func(context.Context, string) (*runSession, error) {
		opened = true
		return &runSession{actor: actor}, nil
	}

	events := runPipeline(t, s, "cached question")
	if len(events) != 1 || events[0].Stage != StageDone {
		t.Fatalf("events: %v", stages(events))
	}
	if events[0].Summary != "<p>cached answer</p>" {
		t.Errorf("summary: %q", events[0].Summary)
	}
	if opened {
		t.Error("automation session opened for a cached query")
	}
}

func TestCreditsExhaustedHaltsImmediately(t *testing.T) {
	// WHAT: Credit exhaustion on the first attempt stops the loop with no
	// further attempts, persists an incomplete error record and emits one
	// terminal error event.
	actor := &fakeActor{failWhen: func(instruction string) error {
		if strings.Contains(instruction, "do not reopen") {
			return agent.ErrCreditsExhausted
		}
		return nil
	}}
	s, _, records := newTestService(t, llmHandler("term", "<p>s</p>"), actor)

	events := runPipeline(t, s, "q")

	last := events[len(events)-1]
	if last.Stage != StageError || last.ErrorType != ErrorTypeCredits {
		t.Fatalf("terminal event: %+v", last)
	}
	if n := len(actor.instructionsContaining("do not reopen")); n != 1 {
		t.Errorf("attempts after terminal error: %d", n)
	}

	rec, _ := records.Get(context.Background(), identity.DemoUserID, "s1")
	if rec == nil || rec.Completed {
		t.Fatalf("record: %+v", rec)
	}
	if rec.ErrorType != ErrorTypeCredits || !strings.Contains(rec.Error, "Credits exhausted") {
		t.Errorf("error fields: %q %q", rec.ErrorType, rec.Error)
	}
	if actor.stops != 1 {
		t.Errorf("session stops: %d", actor.stops)
	}
}

func TestInvalidCredentialClearsStored(t *testing.T) {
	// WHAT: An invalid_api_key classification clears the stored credential
	// so the next run prompts for re-entry instead of failing again.
	actor := &fakeActor{}
	s, ident, _ := newTestService(t, llmHandler("term", "<p>s</p>"), actor)
	s.open = func(context.Context, string) (*runSession, error) {
		return nil, agent.ErrInvalidCredential
	}

	events := runPipeline(t, s, "q")

	last := events[len(events)-1]
	if last.Stage != StageError || last.ErrorType != ErrorTypeInvalidAPIKey {
		t.Fatalf("terminal event: %+v", last)
	}
	if _, err := ident.Credential(context.Background(), identity.DemoUserID); !errors.Is(err, identity.ErrNoCredential) {
		t.Errorf("credential not cleared: %v", err)
	}
}

func TestMissingCredentialIsInvalidAPIKey(t *testing.T) {
	// WHAT: No stored credential surfaces as invalid_api_key before any
	// session is requested.
	actor := &fakeActor{}
	s, ident, _ := newTestService(t, llmHandler("term", "<p>s</p>"), actor)
	ident.ClearCredential(context.Background(), identity.DemoUserID)

	opened := false
	s.open = func(context.Context, string) (*runSession, error) {
		opened = true
		return &runSession{actor: actor}, nil
	}

	events := runPipeline(t, s, "q")
	last := events[len(events)-1]
	if last.ErrorType != ErrorTypeInvalidAPIKey {
		t.Errorf("error type: %q", last.ErrorType)
	}
	if opened {
		t.Error("session opened without a credential")
	}
}

func TestRewriteFallbackOnGarbage(t *testing.T) {
	// WHAT: An unparseable rewrite reply falls back to the raw query.
	// WHY: Rewriting is advisory and must never block a run.
	actor := &fakeActor{extractions: []string{
		`{"link":"https://a.example/1","content":["x"]}`,
	}}
	llm := func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		content := "<p>summary</p>"
		if bytes.Contains(body, []byte("json_schema")) {
			content = "not json at all"
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": content}}},
		})
	}
	s, _, records := newTestService(t, llm, actor)

	events := runPipeline(t, s, "history of the transistor")
	if events[0].Stage != StageRewriting || events[0].EnhancedQuery != "history of the transistor" {
		t.Errorf("rewriting event: %+v", events[0])
	}
	rec, _ := records.Get(context.Background(), identity.DemoUserID, "s1")
	if rec.EnhancedQuery != "history of the transistor" {
		t.Errorf("persisted enhanced query: %q", rec.EnhancedQuery)
	}
}

func TestZeroSectionAttemptsConsumeBudget(t *testing.T) {
	// WHAT: Three empty extractions consume the whole attempt budget, emit
	// reading events with zero sections, and still reach summarization.
	actor := &fakeActor{extractions: []string{
		`{"link":"https://a.example/1","content":[]}`,
		`{"link":"https://b.example/2","content":[]}`,
		`{"link":"https://c.example/3","content":[]}`,
	}}
	s, _, records := newTestService(t, llmHandler("term", "<p>nothing found</p>"), actor)

	events := runPipeline(t, s, "q")

	var readings []Event
	for _, ev := range events {
		if ev.Stage == StageReading {
			readings = append(readings, ev)
		}
	}
	if len(readings) != 3 {
		t.Fatalf("reading events: %d", len(readings))
	}
	for i, ev := range readings {
		if ev.Sections == nil || *ev.Sections != 0 {
			t.Errorf("reading %d sections: %v", i, ev.Sections)
		}
	}
	if events[len(events)-1].Stage != StageDone {
		t.Errorf("final stage: %q", events[len(events)-1].Stage)
	}

	rec, _ := records.Get(context.Background(), identity.DemoUserID, "s1")
	if rec.SourcesJSON != "[]" {
		t.Errorf("sources: %q", rec.SourcesJSON)
	}
}

func TestPerAttemptFailureContinuesLoop(t *testing.T) {
	// WHAT: One unclassified attempt failure consumes an attempt; the loop
	// continues and the run still completes.
	failed := false
	actor := &fakeActor{
		extractions: []string{
			`{"link":"https://b.example/2","content":["y"]}`,
			`{"link":"https://c.example/3","content":["z"]}`,
		},
		failWhen: func(instruction string) error {
			if strings.Contains(instruction, "do not reopen") && !failed {
				failed = true
				return errors.New("element not found")
			}
			return nil
		},
	}
	s, _, _ := newTestService(t, llmHandler("term", "<p>s</p>"), actor)

	events := runPipeline(t, s, "q")

	if got := stages(events); got[len(got)-1] != StageDone {
		t.Fatalf("stages: %v", got)
	}
	if n := len(actor.instructionsContaining("do not reopen")); n != 3 {
		t.Errorf("attempts: %d, want 3", n)
	}
}

func TestCloseTabRunsAfterEveryAttempt(t *testing.T) {
	// WHAT: The close-tab instruction runs once per attempt, including
	// attempts whose extraction failed.
	actor := &fakeActor{
		extractions: []string{
			`{"link":"https://a.example/1","content":["x"]}`,
		},
	}
	s, _, _ := newTestService(t, llmHandler("term", "<p>s</p>"), actor)

	runPipeline(t, s, "q")

	closes := actor.instructionsContaining("currently active tab")
	opens := actor.instructionsContaining("do not reopen")
	if len(closes) != len(opens) {
		t.Errorf("closes %d != opens %d", len(closes), len(opens))
	}
}

func TestFallbackReadsDOMWhenAgentExtractsNothing(t *testing.T) {
	// WHAT: An empty structured extraction triggers a local read of the
	// captured DOM; its paragraphs fill the section, the page title is
	// logged, and the channel still closes exactly once.
	page := `<html><head><title>Transistor history</title></head><body><main>` +
		`<p>The first working point-contact transistor was demonstrated at Bell Labs in December 1947,` +
		` replacing fragile vacuum tubes in amplification circuits within a decade.</p></main></body></html>`
	actor := &fakeActor{extractions: []string{
		`{"link":"https://a.example/1","content":[]}`,
		`{"link":"https://b.example/2","content":["y"]}`,
		`{"link":"https://c.example/3","content":["z"]}`,
	}}
	s, _, records := newTestService(t, llmHandler("term", "<p>s</p>"), actor)

	ch := &fakeChannel{html: page}
	s.open = func(context.Context, string) (*runSession, error) {
		return &runSession{actor: actor, channel: ch, liveViewURL: "https://live.example/sess-1"}, nil
	}
	var logBuf bytes.Buffer
	s.cfg.Logger = slog.New(slog.NewTextHandler(&logBuf, nil))

	events := runPipeline(t, s, "q")

	if events[len(events)-1].Stage != StageDone {
		t.Fatalf("stages: %v", stages(events))
	}
	rec, _ := records.Get(context.Background(), identity.DemoUserID, "s1")
	var sources []Extraction
	if err := json.Unmarshal([]byte(rec.SourcesJSON), &sources); err != nil || len(sources) != 3 {
		t.Fatalf("sources: %q (%v)", rec.SourcesJSON, err)
	}
	if sources[0].Link != "https://a.example/1" || len(sources[0].Content) == 0 {
		t.Fatalf("fallback source: %+v", sources[0])
	}
	if !strings.Contains(sources[0].Content[0], "point-contact transistor") {
		t.Errorf("fallback content: %q", sources[0].Content[0])
	}
	if !strings.Contains(logBuf.String(), "Transistor history") {
		t.Error("page title not logged on local read")
	}
	if ch.closes != 1 {
		t.Errorf("channel closed %d times, want exactly 1", ch.closes)
	}
}

func TestSessionCloseSurvivesCanceledContext(t *testing.T) {
	// WHAT: Teardown detaches from the caller's context so a client
	// disconnect mid-run still stops the remote session.
	actor := &fakeActor{}
	sess := &runSession{actor: actor}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sess.close(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if actor.stops != 1 {
		t.Fatalf("stops: %d", actor.stops)
	}
	if actor.stopCtxErr != nil {
		t.Errorf("stop saw a canceled context: %v", actor.stopCtxErr)
	}
}

func TestSummaryIsSanitized(t *testing.T) {
	// WHY: The model's HTML goes straight to clients; scripts must die here.
	actor := &fakeActor{extractions: []string{
		`{"link":"https://a.example/1","content":["x"]}`,
	}}
	summary := `<p>fine<sup style="color:#2563eb">1</sup></p><script>alert(1)</script>`
	s, _, records := newTestService(t, llmHandler("term", summary), actor)

	runPipeline(t, s, "q")

	rec, _ := records.Get(context.Background(), identity.DemoUserID, "s1")
	if strings.Contains(rec.SummaryHTML, "script") {
		t.Errorf("script survived: %q", rec.SummaryHTML)
	}
	if !strings.Contains(rec.SummaryHTML, "<sup") {
		t.Errorf("citation markup lost: %q", rec.SummaryHTML)
	}
}
