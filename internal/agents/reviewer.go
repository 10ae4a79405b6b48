package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/deepresearch/internal/provider"
	"github.com/mohammad-safakhou/deepresearch/internal/research"
)

const reviewerSystemPrompt = `You are a research reviewer. Judge whether the findings answer the original query. Respond with JSON only:
{"has_gaps": true|false, "gaps": ["..."], "recommendations": ["..."], "confidence": 0.0}
has_gaps is true only when material questions remain unanswered. recommendations are concrete follow-up directions, one per gap.`

// Reviewer asks the model whether coverage is sufficient.
type Reviewer struct {
	LLM provider.LLM
}

type reviewerReply struct {
	HasGaps         bool     `json:"has_gaps"`
	Gaps            []string `json:"gaps"`
	Recommendations []string `json:"recommendations"`
	Confidence      float64  `json:"confidence"`
}

func (r *Reviewer) Review(ctx context.Context, in research.ReviewerInput) (research.GapReport, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Original query: %s\n", in.Query)
	fmt.Fprintf(&b, "Iteration %d of at most %d.\n\nFindings:\n", in.Iteration, in.MaxIterations)
	for _, f := range in.Findings {
		fmt.Fprintf(&b, "- sub-question %s (%d key facts): %s\n", f.SubQuestionID, len(f.KeyFacts), f.Summary)
		for _, fact := range f.KeyFacts {
			fmt.Fprintf(&b, "    * %s\n", fact)
		}
	}

	raw, err := r.LLM.Generate(ctx, reviewerSystemPrompt, b.String())
	if err != nil {
		return research.GapReport{}, fmt.Errorf("reviewer: %w", err)
	}
	extracted, err := ExtractJSON(raw)
	if err != nil {
		return research.GapReport{}, fmt.Errorf("reviewer produced no JSON: %w", err)
	}
	var reply reviewerReply
	if err := json.Unmarshal([]byte(extracted), &reply); err != nil {
		return research.GapReport{}, fmt.Errorf("decoding reviewer output: %w", err)
	}
	if reply.Confidence < 0 {
		reply.Confidence = 0
	}
	if reply.Confidence > 1 {
		reply.Confidence = 1
	}
	return research.GapReport{
		HasGaps:         reply.HasGaps,
		Gaps:            reply.Gaps,
		Recommendations: reply.Recommendations,
		Confidence:      reply.Confidence,
	}, nil
}
