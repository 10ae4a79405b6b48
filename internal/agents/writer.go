package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/deepresearch/internal/provider"
	"github.com/mohammad-safakhou/deepresearch/internal/research"
)

const writerSystemPrompt = `You are a research report writer. Compose a structured report from the findings. Respond with JSON only:
{"title": "...", "executive_summary": "...", "sections": [{"heading": "...", "content": "..."}], "confidence_assessment": "..."}
Ground every claim in the findings. The confidence assessment must name any unresolved gaps.`

// reportLengthGuidance maps the requested length to section sizing hints.
var reportLengthGuidance = map[string]string{
	research.ReportShort:  "Write 2-3 short sections, about 400 words total.",
	research.ReportMedium: "Write 3-5 sections, about 900 words total.",
	research.ReportLong:   "Write 5-8 detailed sections, about 1800 words total.",
}

// Writer asks the model for the final report.
type Writer struct {
	LLM provider.LLM
}

type writerReply struct {
	Title            string `json:"title"`
	ExecutiveSummary string `json:"executive_summary"`
	Sections         []struct {
		Heading string `json:"heading"`
		Content string `json:"content"`
	} `json:"sections"`
	ConfidenceAssessment string `json:"confidence_assessment"`
}

func (w *Writer) Write(ctx context.Context, in research.WriterInput) (research.Report, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Original query: %s\n", in.Query)
	fmt.Fprintf(&b, "Objective: %s\n", in.Plan.Objective)
	if guidance, ok := reportLengthGuidance[in.Options.ReportLength]; ok {
		b.WriteString(guidance)
		b.WriteString("\n")
	}
	b.WriteString("\nFindings:\n")
	for _, f := range in.Findings {
		fmt.Fprintf(&b, "- %s\n", f.Summary)
		for _, fact := range f.KeyFacts {
			fmt.Fprintf(&b, "    * %s\n", fact)
		}
	}
	if len(in.UnresolvedGaps) > 0 {
		b.WriteString("\nUnresolved gaps (the iteration budget ran out):\n")
		for _, g := range in.UnresolvedGaps {
			fmt.Fprintf(&b, "- %s\n", g)
		}
	}

	raw, err := w.LLM.Generate(ctx, writerSystemPrompt, b.String())
	if err != nil {
		return research.Report{}, fmt.Errorf("writer: %w", err)
	}
	extracted, err := ExtractJSON(raw)
	if err != nil {
		return research.Report{}, fmt.Errorf("writer produced no JSON: %w", err)
	}
	var reply writerReply
	if err := json.Unmarshal([]byte(extracted), &reply); err != nil {
		return research.Report{}, fmt.Errorf("decoding writer output: %w", err)
	}
	if strings.TrimSpace(reply.ExecutiveSummary) == "" && len(reply.Sections) == 0 {
		return research.Report{}, fmt.Errorf("writer returned an empty report")
	}

	report := research.Report{
		Title:                strings.TrimSpace(reply.Title),
		ExecutiveSummary:     strings.TrimSpace(reply.ExecutiveSummary),
		ConfidenceAssessment: strings.TrimSpace(reply.ConfidenceAssessment),
	}
	if report.Title == "" {
		report.Title = in.Query
	}
	for _, sec := range reply.Sections {
		if strings.TrimSpace(sec.Heading) == "" && strings.TrimSpace(sec.Content) == "" {
			continue
		}
		report.Sections = append(report.Sections, research.ReportSection{
			Heading: strings.TrimSpace(sec.Heading),
			Content: strings.TrimSpace(sec.Content),
		})
	}
	return report, nil
}
