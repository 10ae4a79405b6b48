package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type stubPlanner struct {
	calls int
	err   error
}

func (s *stubPlanner) Plan(ctx context.Context, in PlannerInput) (Plan, error) {
	s.calls++
	if s.err != nil {
		return Plan{}, s.err
	}
	return Plan{
		Objective: "answer: " + in.Query,
		SubQuestions: []SubQuestion{
			{ID: fmt.Sprintf("q%d-1", in.Iteration), Question: "first"},
			{ID: fmt.Sprintf("q%d-2", in.Iteration), Question: "second"},
		},
	}, nil
}

type stubFinder struct {
	calls int
	src   func(call int) []Source
}

func (s *stubFinder) Find(ctx context.Context, in FinderInput) ([]Source, error) {
	s.calls++
	if s.src != nil {
		return s.src(s.calls), nil
	}
	return []Source{
		{ID: fmt.Sprintf("s%d", s.calls), URL: fmt.Sprintf("https://example.com/a%d", s.calls), Title: "A", Confidence: 0.8},
	}, nil
}

type stubSummarizer struct {
	calls    int
	keyFacts func(call int) int
}

func (s *stubSummarizer) Summarize(ctx context.Context, in SummarizerInput) ([]Finding, error) {
	s.calls++
	n := 2
	if s.keyFacts != nil {
		n = s.keyFacts(s.calls)
	}
	facts := make([]string, n)
	for i := range facts {
		facts[i] = fmt.Sprintf("fact %d", i)
	}
	return []Finding{{SubQuestionID: "q1-1", KeyFacts: facts, Summary: "summary"}}, nil
}

type stubReviewer struct {
	calls   int
	hasGaps func(call int) bool
}

func (s *stubReviewer) Review(ctx context.Context, in ReviewerInput) (GapReport, error) {
	s.calls++
	gaps := false
	if s.hasGaps != nil {
		gaps = s.hasGaps(s.calls)
	}
	rep := GapReport{HasGaps: gaps, Confidence: 0.7}
	if gaps {
		rep.Gaps = []string{"missing detail"}
		rep.Recommendations = []string{"dig deeper"}
	}
	return rep, nil
}

type stubWriter struct {
	calls int
	got   WriterInput
}

func (s *stubWriter) Write(ctx context.Context, in WriterInput) (Report, error) {
	s.calls++
	s.got = in
	return Report{
		Title:                "Report",
		ExecutiveSummary:     "two words",
		Sections:             []ReportSection{{Heading: "H", Content: "three more words"}},
		ConfidenceAssessment: "fine",
	}, nil
}

type memRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *memRecorder) Record(ctx context.Context, sessionID, eventType string, payload map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{SessionID: sessionID, Type: eventType, Payload: payload, Timestamp: time.Now()})
	return nil
}

func (r *memRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type pipeline struct {
	planner    *stubPlanner
	finder     *stubFinder
	summarizer *stubSummarizer
	reviewer   *stubReviewer
	writer     *stubWriter
	rec        *memRecorder
}

func newPipeline() *pipeline {
	return &pipeline{
		planner:    &stubPlanner{},
		finder:     &stubFinder{},
		summarizer: &stubSummarizer{},
		reviewer:   &stubReviewer{},
		writer:     &stubWriter{},
		rec:        &memRecorder{},
	}
}

func (p *pipeline) engine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(Config{
		Planner:    p.planner,
		Finder:     p.finder,
		Summarizer: p.summarizer,
		Reviewer:   p.reviewer,
		Writer:     p.writer,
		Events:     p.rec,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return eng
}

func testSession(opts Options) Session {
	return Session{ID: "research-test", Query: "what is up", Status: StatusRunning, Options: opts}
}

func TestEngineSinglePassCompletes(t *testing.T) {
	p := newPipeline()
	report, err := p.engine(t).Run(context.Background(), testSession(DefaultOptions()), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.planner.calls != 1 || p.reviewer.calls != 1 || p.writer.calls != 1 {
		t.Fatalf("unexpected stage calls: planner=%d reviewer=%d writer=%d", p.planner.calls, p.reviewer.calls, p.writer.calls)
	}
	if report.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", report.Iterations)
	}
	if report.WordCount != len(strings.Fields("two words three more words fine")) {
		t.Errorf("word count = %d", report.WordCount)
	}
	types := p.rec.types()
	if types[0] != EventResearchStarted {
		t.Errorf("first event = %s, want %s", types[0], EventResearchStarted)
	}
	if types[len(types)-1] != EventWriterComplete {
		t.Errorf("last event = %s, want %s", types[len(types)-1], EventWriterComplete)
	}
}

func TestEngineIterationBoundTerminates(t *testing.T) {
	p := newPipeline()
	p.reviewer.hasGaps = func(int) bool { return true }
	opts := DefaultOptions()
	opts.MaxIterations = 3

	report, err := p.engine(t).Run(context.Background(), testSession(opts), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.planner.calls != 3 {
		t.Fatalf("planner calls = %d, want 3", p.planner.calls)
	}
	if report.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", report.Iterations)
	}
	if len(p.writer.got.UnresolvedGaps) == 0 {
		t.Errorf("writer should receive the unresolved gaps at the iteration bound")
	}
}

func TestEngineZeroFactRetryCapped(t *testing.T) {
	p := newPipeline()
	p.summarizer.keyFacts = func(int) int { return 0 }

	if _, err := p.engine(t).Run(context.Background(), testSession(DefaultOptions()), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Initial pass plus two capped retries.
	if p.finder.calls != 3 {
		t.Fatalf("finder calls = %d, want 3", p.finder.calls)
	}
	if p.summarizer.calls != 3 {
		t.Fatalf("summarizer calls = %d, want 3", p.summarizer.calls)
	}
	// After the cap the run proceeds to the reviewer instead of looping.
	if p.reviewer.calls != 1 {
		t.Fatalf("reviewer calls = %d, want 1", p.reviewer.calls)
	}
}

func TestEngineZeroFactRetryRecoversEarly(t *testing.T) {
	p := newPipeline()
	p.summarizer.keyFacts = func(call int) int {
		if call == 1 {
			return 0
		}
		return 2
	}

	if _, err := p.engine(t).Run(context.Background(), testSession(DefaultOptions()), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.finder.calls != 2 {
		t.Fatalf("finder calls = %d, want 2", p.finder.calls)
	}
}

func TestEngineTransientFailureRetriedOnce(t *testing.T) {
	p := newPipeline()
	fail := errors.New("upstream hiccup")
	calls := 0
	base := p.planner
	flaky := plannerFunc(func(ctx context.Context, in PlannerInput) (Plan, error) {
		calls++
		if calls == 1 {
			return Plan{}, fail
		}
		return base.Plan(ctx, in)
	})

	eng, err := NewEngine(Config{
		Planner:    flaky,
		Finder:     p.finder,
		Summarizer: p.summarizer,
		Reviewer:   p.reviewer,
		Writer:     p.writer,
		Events:     p.rec,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if _, err := eng.Run(context.Background(), testSession(DefaultOptions()), nil); err != nil {
		t.Fatalf("Run should recover on retry, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("planner attempts = %d, want 2", calls)
	}
}

func TestEnginePersistentFailureFails(t *testing.T) {
	p := newPipeline()
	p.planner.err = errors.New("model unavailable")

	_, err := p.engine(t).Run(context.Background(), testSession(DefaultOptions()), nil)
	if err == nil {
		t.Fatal("expected failure")
	}
	if errors.Is(err, ErrStopped) {
		t.Fatalf("failure must not be reported as a stop: %v", err)
	}
	if p.planner.calls != 2 {
		t.Fatalf("planner attempts = %d, want 2 (one retry)", p.planner.calls)
	}
}

func TestEngineCancelBetweenStages(t *testing.T) {
	p := newPipeline()
	ctx, cancel := context.WithCancel(context.Background())
	blocking := finderFunc(func(fctx context.Context, in FinderInput) ([]Source, error) {
		cancel()
		return []Source{{URL: "https://late.example.com", Confidence: 1}}, nil
	})

	eng, err := NewEngine(Config{
		Planner:    p.planner,
		Finder:     blocking,
		Summarizer: p.summarizer,
		Reviewer:   p.reviewer,
		Writer:     p.writer,
		Events:     p.rec,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	_, err = eng.Run(ctx, testSession(DefaultOptions()), nil)
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
	// The late finder result is discarded: no finder_source event recorded.
	for _, tp := range p.rec.types() {
		if tp == EventFinderSource {
			t.Fatal("finder result observed after cancellation must be discarded")
		}
	}
	if p.summarizer.calls != 0 {
		t.Fatal("no stage may run after cancellation")
	}
}

func TestEngineSourceDedupAcrossIterations(t *testing.T) {
	p := newPipeline()
	p.reviewer.hasGaps = func(call int) bool { return call == 1 }
	p.finder.src = func(call int) []Source {
		return []Source{
			{URL: "https://Example.com/shared/", Title: "dup", Confidence: 0.5 + float64(call)/10},
			{URL: fmt.Sprintf("https://example.com/unique%d", call), Title: "uniq", Confidence: 0.4},
		}
	}
	opts := DefaultOptions()
	opts.MaxIterations = 2

	report, err := p.engine(t).Run(context.Background(), testSession(opts), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	seen := map[string]int{}
	for _, s := range report.Sources {
		seen[NormalizeSourceURL(s.URL)]++
	}
	if seen["https://example.com/shared"] != 1 {
		t.Fatalf("shared URL not deduplicated: %v", seen)
	}
	if len(report.Sources) != 3 {
		t.Fatalf("sources = %d, want 3 (dedup of two finder passes)", len(report.Sources))
	}
	for _, s := range report.Sources {
		if NormalizeSourceURL(s.URL) == "https://example.com/shared" && s.Confidence < 0.69 {
			t.Fatalf("dedup must keep the higher-confidence source, got %v", s.Confidence)
		}
	}
}

type plannerFunc func(context.Context, PlannerInput) (Plan, error)

func (f plannerFunc) Plan(ctx context.Context, in PlannerInput) (Plan, error) { return f(ctx, in) }

type finderFunc func(context.Context, FinderInput) ([]Source, error)

func (f finderFunc) Find(ctx context.Context, in FinderInput) ([]Source, error) { return f(ctx, in) }
