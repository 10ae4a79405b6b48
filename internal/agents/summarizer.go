package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/mohammad-safakhou/deepresearch/internal/fetch"
	"github.com/mohammad-safakhou/deepresearch/internal/provider"
	"github.com/mohammad-safakhou/deepresearch/internal/research"
)

const summarizerSystemPrompt = `You are a research summarizer. Given sub-questions and source material, extract the key facts each source contributes to each sub-question. Respond with JSON only:
{"findings": [{"sub_question_id": "...", "key_facts": ["..."], "summary": "...", "source_ids": ["..."]}]}
Only include facts actually supported by the sources. If the sources say nothing useful for a sub-question, return it with empty key_facts.`

// Summarizer fetches source content and asks the model for per-question
// findings.
type Summarizer struct {
	LLM     provider.LLM
	Fetcher fetch.Fetcher
	Logger  *log.Logger
}

type summarizerReply struct {
	Findings []struct {
		SubQuestionID string   `json:"sub_question_id"`
		KeyFacts      []string `json:"key_facts"`
		Summary       string   `json:"summary"`
		SourceIDs     []string `json:"source_ids"`
	} `json:"findings"`
}

func (s *Summarizer) logf(format string, args ...interface{}) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}

func (s *Summarizer) Summarize(ctx context.Context, in research.SummarizerInput) ([]research.Finding, error) {
	var b strings.Builder
	b.WriteString("Sub-questions:\n")
	for _, sq := range in.Plan.SubQuestions {
		fmt.Fprintf(&b, "- [%s] %s\n", sq.ID, sq.Question)
	}
	b.WriteString("\nSources:\n")
	for _, src := range in.Sources {
		content := s.sourceContent(ctx, src)
		fmt.Fprintf(&b, "--- source %s (%s) %s\n%s\n", src.ID, src.Domain, src.URL, content)
	}

	raw, err := s.LLM.Generate(ctx, summarizerSystemPrompt, b.String())
	if err != nil {
		return nil, fmt.Errorf("summarizer: %w", err)
	}
	extracted, err := ExtractJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("summarizer produced no JSON: %w", err)
	}
	var reply summarizerReply
	if err := json.Unmarshal([]byte(extracted), &reply); err != nil {
		return nil, fmt.Errorf("decoding summarizer output: %w", err)
	}

	out := make([]research.Finding, 0, len(reply.Findings))
	for _, f := range reply.Findings {
		facts := make([]string, 0, len(f.KeyFacts))
		for _, fact := range f.KeyFacts {
			if fact = strings.TrimSpace(fact); fact != "" {
				facts = append(facts, fact)
			}
		}
		out = append(out, research.Finding{
			SubQuestionID: f.SubQuestionID,
			KeyFacts:      facts,
			Summary:       strings.TrimSpace(f.Summary),
			SourceIDs:     f.SourceIDs,
		})
	}
	return out, nil
}

// sourceContent fetches the page body, falling back to title and snippet
// when the fetch fails. The run keeps going on dead links.
func (s *Summarizer) sourceContent(ctx context.Context, src research.Source) string {
	if s.Fetcher != nil {
		if text, err := s.Fetcher.Fetch(ctx, src.URL); err == nil {
			return text
		} else {
			s.logf("fetch %s failed, using snippet: %v", src.URL, err)
		}
	}
	if src.Snippet != "" {
		return src.Title + ": " + src.Snippet
	}
	return src.Title
}
