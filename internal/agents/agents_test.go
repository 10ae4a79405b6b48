package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/deepresearch/internal/research"
	"github.com/mohammad-safakhou/deepresearch/internal/search"
)

type cannedLLM struct {
	reply string
	err   error
	last  string
}

func (c *cannedLLM) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	c.last = userPrompt
	return c.reply, c.err
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"bare object", `{"a": 1}`, `{"a": 1}`, true},
		{"fenced", "```json\n{\"a\": 1}\n```", `{"a": 1}`, true},
		{"prose around", `Sure, here it is: {"a": {"b": [1, 2]}} hope that helps`, `{"a": {"b": [1, 2]}}`, true},
		{"braces in strings", `{"a": "}{"}`, `{"a": "}{"}`, true},
		{"array", `[1, 2, 3]`, `[1, 2, 3]`, true},
		{"unbalanced", `{"a": 1`, "", false},
		{"no json", `nothing here`, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ExtractJSON(tc.in)
			if tc.ok && err != nil {
				t.Fatalf("ExtractJSON: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected error, got %q", got)
			}
			if tc.ok && got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestPlannerParsesReply(t *testing.T) {
	llm := &cannedLLM{reply: "```json\n" + `{"objective": "obj", "sub_questions": [{"question": "q1", "rationale": "r1"}, {"question": "q2"}]}` + "\n```"}
	p := &Planner{LLM: llm}
	plan, err := p.Plan(context.Background(), research.PlannerInput{Query: "topic", Iteration: 1})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Objective != "obj" || len(plan.SubQuestions) != 2 {
		t.Fatalf("unexpected plan: %+v", plan)
	}
	if plan.SubQuestions[0].ID == "" {
		t.Fatal("sub-questions must get ids")
	}
}

func TestPlannerIncludesRecommendationsAndMemory(t *testing.T) {
	llm := &cannedLLM{reply: `{"objective": "o", "sub_questions": [{"question": "q"}]}`}
	p := &Planner{LLM: llm}
	_, err := p.Plan(context.Background(), research.PlannerInput{
		Query:           "topic",
		Iteration:       2,
		Recommendations: []string{"check primary data"},
		Memory:          []research.MemoryEntry{{Query: "earlier", Summary: "covered basics"}},
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !strings.Contains(llm.last, "check primary data") {
		t.Error("prompt must carry reviewer recommendations")
	}
	if !strings.Contains(llm.last, "covered basics") {
		t.Error("prompt must carry session memory")
	}
}

func TestPlannerRejectsMalformedReply(t *testing.T) {
	p := &Planner{LLM: &cannedLLM{reply: "I could not produce a plan, sorry."}}
	if _, err := p.Plan(context.Background(), research.PlannerInput{Query: "topic"}); err == nil {
		t.Fatal("expected error for non-JSON reply")
	}
}

type cannedSearcher struct {
	results map[string][]search.Result
	err     error
}

func (c *cannedSearcher) Search(ctx context.Context, query string, k int) ([]search.Result, error) {
	if c.err != nil {
		return nil, c.err
	}
	res := c.results[query]
	if len(res) > k {
		res = res[:k]
	}
	return res, nil
}

func finderOptions() research.Options {
	opts := research.DefaultOptions()
	opts.MaxSourcesPerQuestion = 2
	opts.SearchResultsPerQuery = 5
	return opts
}

func TestFinderLimitsAndSkipsKnown(t *testing.T) {
	searcher := &cannedSearcher{results: map[string][]search.Result{
		"q1": {
			{Title: "known", URL: "https://example.com/known"},
			{Title: "a", URL: "https://alpha.example.org/a"},
			{Title: "b", URL: "https://beta.example.org/b"},
			{Title: "c", URL: "https://gamma.example.org/c"},
		},
	}}
	f := &Finder{Searcher: searcher}
	in := research.FinderInput{
		Plan:    research.Plan{SubQuestions: []research.SubQuestion{{ID: "sq1", Question: "q1"}}},
		Known:   []research.Source{{URL: "https://example.com/known/"}},
		Options: finderOptions(),
	}
	got, err := f.Find(context.Background(), in)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (per-question limit)", len(got))
	}
	for _, s := range got {
		if research.NormalizeSourceURL(s.URL) == "https://example.com/known" {
			t.Fatal("known URL must be skipped")
		}
		if s.SubQuestionID != "sq1" || s.ID == "" {
			t.Fatalf("source not attributed: %+v", s)
		}
	}
}

func TestFinderDiversityCapsDomains(t *testing.T) {
	var many []search.Result
	for i := 0; i < 6; i++ {
		many = append(many, search.Result{Title: "t", URL: fmt.Sprintf("https://same.example.com/p%d", i)})
	}
	searcher := &cannedSearcher{results: map[string][]search.Result{"q1": many, "q2": many[3:]}}
	f := &Finder{Searcher: searcher}
	opts := finderOptions()
	opts.MaxSourcesPerQuestion = 6
	in := research.FinderInput{
		Plan: research.Plan{SubQuestions: []research.SubQuestion{
			{ID: "sq1", Question: "q1"}, {ID: "sq2", Question: "q2"},
		}},
		Options: opts,
	}
	got, err := f.Find(context.Background(), in)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (domain diversity cap)", len(got))
	}
}

func TestFinderAllSearchesFailed(t *testing.T) {
	f := &Finder{Searcher: &cannedSearcher{err: errors.New("quota exceeded")}}
	in := research.FinderInput{
		Plan:    research.Plan{SubQuestions: []research.SubQuestion{{ID: "sq1", Question: "q1"}}},
		Options: finderOptions(),
	}
	if _, err := f.Find(context.Background(), in); err == nil {
		t.Fatal("expected error when every search fails")
	}
}

func TestRateDomain(t *testing.T) {
	cases := map[string]string{
		"nih.gov":          "high",
		"cdc.gov":          "high",
		"mit.edu":          "high",
		"en.wikipedia.org": "medium",
		"reuters.com":      "medium",
		"randomblog.net":   "medium-low",
		"":                 "unknown",
	}
	for domain, want := range cases {
		if got, _ := rateDomain(domain); got != want {
			t.Errorf("rateDomain(%q) = %s, want %s", domain, got, want)
		}
	}
}

type cannedFetcher struct {
	text string
	err  error
}

func (c *cannedFetcher) Fetch(ctx context.Context, pageURL string) (string, error) {
	return c.text, c.err
}

func TestSummarizerParsesFindings(t *testing.T) {
	llm := &cannedLLM{reply: `{"findings": [{"sub_question_id": "sq1", "key_facts": [" f1 ", ""], "summary": "s", "source_ids": ["a"]}]}`}
	s := &Summarizer{LLM: llm, Fetcher: &cannedFetcher{text: "page body"}}
	in := research.SummarizerInput{
		Plan:    research.Plan{SubQuestions: []research.SubQuestion{{ID: "sq1", Question: "q"}}},
		Sources: []research.Source{{ID: "a", URL: "https://example.com", Title: "T", Snippet: "snip"}},
		Options: research.DefaultOptions(),
	}
	findings, err := s.Summarize(context.Background(), in)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if len(findings) != 1 || len(findings[0].KeyFacts) != 1 || findings[0].KeyFacts[0] != "f1" {
		t.Fatalf("unexpected findings: %+v", findings)
	}
	if !strings.Contains(llm.last, "page body") {
		t.Error("fetched content must reach the prompt")
	}
}

func TestSummarizerFallsBackToSnippet(t *testing.T) {
	llm := &cannedLLM{reply: `{"findings": []}`}
	s := &Summarizer{LLM: llm, Fetcher: &cannedFetcher{err: errors.New("404")}}
	in := research.SummarizerInput{
		Plan:    research.Plan{SubQuestions: []research.SubQuestion{{ID: "sq1", Question: "q"}}},
		Sources: []research.Source{{ID: "a", URL: "https://example.com", Title: "T", Snippet: "the snippet"}},
		Options: research.DefaultOptions(),
	}
	if _, err := s.Summarize(context.Background(), in); err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if !strings.Contains(llm.last, "the snippet") {
		t.Error("prompt must fall back to the snippet when the fetch fails")
	}
}

func TestReviewerClampsConfidence(t *testing.T) {
	r := &Reviewer{LLM: &cannedLLM{reply: `{"has_gaps": true, "gaps": ["g"], "recommendations": ["r"], "confidence": 1.7}`}}
	gap, err := r.Review(context.Background(), research.ReviewerInput{Query: "q", Iteration: 1, MaxIterations: 3})
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if !gap.HasGaps || gap.Confidence != 1 {
		t.Fatalf("unexpected gap report: %+v", gap)
	}
}

func TestWriterBuildsReport(t *testing.T) {
	llm := &cannedLLM{reply: `{"title": "T", "executive_summary": "sum", "sections": [{"heading": "H", "content": "C"}, {"heading": "", "content": ""}], "confidence_assessment": "ok"}`}
	w := &Writer{LLM: llm}
	in := research.WriterInput{
		Query:          "q",
		Plan:           research.Plan{Objective: "obj"},
		UnresolvedGaps: []string{"left open"},
		Options:        research.DefaultOptions(),
	}
	report, err := w.Write(context.Background(), in)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if report.Title != "T" || len(report.Sections) != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if !strings.Contains(llm.last, "left open") {
		t.Error("unresolved gaps must reach the writer prompt")
	}
}

func TestWriterRejectsEmptyReport(t *testing.T) {
	w := &Writer{LLM: &cannedLLM{reply: `{"title": "", "sections": []}`}}
	if _, err := w.Write(context.Background(), research.WriterInput{Query: "q"}); err == nil {
		t.Fatal("expected error for empty report")
	}
}
