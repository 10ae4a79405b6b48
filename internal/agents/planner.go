// Package agents implements the pipeline's stage adapters on top of the LLM
// provider and the web search tools.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/deepresearch/internal/provider"
	"github.com/mohammad-safakhou/deepresearch/internal/research"
)

const plannerSystemPrompt = `You are a research planner. Decompose the user's query into 3 to 5 focused sub-questions that together cover it. Respond with JSON only:
{"objective": "...", "sub_questions": [{"question": "...", "rationale": "..."}]}`

// Planner asks the model to decompose a query into sub-questions.
type Planner struct {
	LLM provider.LLM
}

type plannerReply struct {
	Objective    string `json:"objective"`
	SubQuestions []struct {
		Question  string `json:"question"`
		Rationale string `json:"rationale"`
	} `json:"sub_questions"`
}

func (p *Planner) Plan(ctx context.Context, in research.PlannerInput) (research.Plan, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Research query: %s\n", in.Query)
	if in.Iteration > 1 && len(in.Recommendations) > 0 {
		b.WriteString("\nThis is a follow-up pass. Address these gaps from the previous review:\n")
		for _, rec := range in.Recommendations {
			fmt.Fprintf(&b, "- %s\n", rec)
		}
	}
	if len(in.Memory) > 0 {
		b.WriteString("\nRelated research done earlier in this workspace:\n")
		for _, m := range in.Memory {
			fmt.Fprintf(&b, "- %q: %s\n", m.Query, m.Summary)
		}
	}

	raw, err := p.LLM.Generate(ctx, plannerSystemPrompt, b.String())
	if err != nil {
		return research.Plan{}, fmt.Errorf("planner: %w", err)
	}
	extracted, err := ExtractJSON(raw)
	if err != nil {
		return research.Plan{}, fmt.Errorf("planner produced no JSON: %w", err)
	}
	var reply plannerReply
	if err := json.Unmarshal([]byte(extracted), &reply); err != nil {
		return research.Plan{}, fmt.Errorf("decoding planner output: %w", err)
	}
	if len(reply.SubQuestions) == 0 {
		return research.Plan{}, fmt.Errorf("planner returned no sub-questions")
	}

	plan := research.Plan{Objective: strings.TrimSpace(reply.Objective)}
	if plan.Objective == "" {
		plan.Objective = in.Query
	}
	for _, sq := range reply.SubQuestions {
		q := strings.TrimSpace(sq.Question)
		if q == "" {
			continue
		}
		plan.SubQuestions = append(plan.SubQuestions, research.SubQuestion{
			ID:        uuid.NewString(),
			Question:  q,
			Rationale: strings.TrimSpace(sq.Rationale),
		})
	}
	if len(plan.SubQuestions) == 0 {
		return research.Plan{}, fmt.Errorf("planner returned only empty sub-questions")
	}
	return plan, nil
}
