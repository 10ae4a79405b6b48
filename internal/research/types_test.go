package research

import (
	"errors"
	"strings"
	"testing"
)

func TestOptionsValidateBounds(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Options)
		field  string
	}{
		{"iterations too low", func(o *Options) { o.MaxIterations = 0 }, "max_iterations"},
		{"iterations too high", func(o *Options) { o.MaxIterations = 11 }, "max_iterations"},
		{"sources too low", func(o *Options) { o.MaxSources = 2 }, "max_sources"},
		{"sources too high", func(o *Options) { o.MaxSources = 41 }, "max_sources"},
		{"per question too high", func(o *Options) { o.MaxSourcesPerQuestion = 13 }, "max_sources_per_question"},
		{"results per query too high", func(o *Options) { o.SearchResultsPerQuery = 16 }, "search_results_per_query"},
		{"summarizer limit too high", func(o *Options) { o.SummarizerSourceLimit = 21 }, "summarizer_source_limit"},
		{"memory limit negative", func(o *Options) { o.SessionMemoryLimit = -1 }, "session_memory_limit"},
		{"memory limit too high", func(o *Options) { o.SessionMemoryLimit = 9 }, "session_memory_limit"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := DefaultOptions()
			tc.mutate(&opts)
			err := opts.Validate()
			var inv *InvalidOptionsError
			if !errors.As(err, &inv) {
				t.Fatalf("want InvalidOptionsError, got %v", err)
			}
			if inv.Field != tc.field {
				t.Fatalf("field = %s, want %s", inv.Field, tc.field)
			}
		})
	}
}

func TestOptionsValidateAccepts(t *testing.T) {
	if err := DefaultOptions().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	opts := DefaultOptions()
	opts.SessionMemoryLimit = 0
	if err := opts.Validate(); err != nil {
		t.Fatalf("zero memory limit is valid: %v", err)
	}
}

func TestOptionsValidateReportLength(t *testing.T) {
	opts := DefaultOptions()
	opts.ReportLength = "gigantic"
	if err := opts.Validate(); err == nil {
		t.Fatal("expected report_length rejection")
	}
}

func TestApplyDefaultsFillsZeroes(t *testing.T) {
	got := Options{MaxIterations: 5}.ApplyDefaults()
	if got.MaxIterations != 5 {
		t.Errorf("explicit value overwritten: %d", got.MaxIterations)
	}
	if got.MaxSources != 12 || got.SearchResultsPerQuery != 5 || got.ReportLength != ReportMedium {
		t.Errorf("defaults not applied: %+v", got)
	}
}

func TestNormalizeSourceURL(t *testing.T) {
	cases := map[string]string{
		"HTTPS://Example.COM/Path/":         "https://example.com/Path",
		"https://example.com/a#frag":        "https://example.com/a",
		"https://example.com/a?q=1#frag":    "https://example.com/a?q=1",
		"  https://example.com/trailing/  ": "https://example.com/trailing",
		"https://example.com":               "https://example.com",
	}
	for in, want := range cases {
		if got := NormalizeSourceURL(in); got != want {
			t.Errorf("NormalizeSourceURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMergeSourcesKeepsHigherConfidence(t *testing.T) {
	existing := []Source{{URL: "https://example.com/a", Confidence: 0.4, Title: "old"}}
	incoming := []Source{
		{URL: "https://EXAMPLE.com/a/", Confidence: 0.9, Title: "new"},
		{URL: "https://example.com/b", Confidence: 0.3},
	}
	merged := MergeSources(existing, incoming, 0)
	if len(merged) != 2 {
		t.Fatalf("len = %d, want 2", len(merged))
	}
	if merged[0].Title != "new" || merged[0].Confidence != 0.9 {
		t.Fatalf("higher-confidence duplicate must win: %+v", merged[0])
	}
}

func TestMergeSourcesCap(t *testing.T) {
	var incoming []Source
	for i := 0; i < 10; i++ {
		incoming = append(incoming, Source{URL: "https://example.com/" + string(rune('a'+i))})
	}
	merged := MergeSources(nil, incoming, 4)
	if len(merged) != 4 {
		t.Fatalf("len = %d, want 4", len(merged))
	}
}

func TestReportMarkdownLayout(t *testing.T) {
	r := Report{
		Title:                "Quantum Widgets",
		ExecutiveSummary:     "Short summary.",
		Sections:             []ReportSection{{Heading: "Background", Content: "Body text."}},
		ConfidenceAssessment: "High confidence.",
		Sources: []Source{
			{Title: "Widget Weekly", URL: "https://example.com/w", Reliability: "high"},
			{URL: "https://example.org/no-title", Domain: "example.org"},
		},
		WordCount: 6,
	}
	md := ReportMarkdown(r)
	for _, want := range []string{
		"# Quantum Widgets",
		"## Executive Summary",
		"### Background",
		"## Confidence Assessment",
		"1. [Widget Weekly](https://example.com/w) (high)",
		"2. [example.org](https://example.org/no-title)",
		"_Word count: 6_",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q\n%s", want, md)
		}
	}
	if md != ReportMarkdown(r) {
		t.Error("rendering must be deterministic")
	}
}

func TestCountWords(t *testing.T) {
	r := Report{
		ExecutiveSummary:     "one two",
		Sections:             []ReportSection{{Content: "three four five"}},
		ConfidenceAssessment: "six",
	}
	if got := CountWords(r); got != 6 {
		t.Fatalf("CountWords = %d, want 6", got)
	}
}
