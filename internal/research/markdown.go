package research

import (
	"fmt"
	"strings"
)

// ReportMarkdown renders a report as markdown. The layout is deterministic:
// the same report always yields the same document.
func ReportMarkdown(r Report) string {
	var b strings.Builder

	title := strings.TrimSpace(r.Title)
	if title == "" {
		title = "Research Report"
	}
	fmt.Fprintf(&b, "# %s\n\n", title)

	if summary := strings.TrimSpace(r.ExecutiveSummary); summary != "" {
		b.WriteString("## Executive Summary\n\n")
		b.WriteString(summary)
		b.WriteString("\n\n")
	}

	for _, sec := range r.Sections {
		heading := strings.TrimSpace(sec.Heading)
		if heading == "" {
			continue
		}
		fmt.Fprintf(&b, "### %s\n\n", heading)
		if content := strings.TrimSpace(sec.Content); content != "" {
			b.WriteString(content)
			b.WriteString("\n\n")
		}
	}

	if conf := strings.TrimSpace(r.ConfidenceAssessment); conf != "" {
		b.WriteString("## Confidence Assessment\n\n")
		b.WriteString(conf)
		b.WriteString("\n\n")
	}

	if len(r.Sources) > 0 {
		b.WriteString("## Sources\n\n")
		for i, src := range r.Sources {
			line := fmt.Sprintf("%d. [%s](%s)", i+1, sourceTitle(src), src.URL)
			if src.Reliability != "" {
				line += fmt.Sprintf(" (%s)", src.Reliability)
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "_Word count: %d_\n", r.WordCount)
	return b.String()
}

func sourceTitle(s Source) string {
	if t := strings.TrimSpace(s.Title); t != "" {
		return t
	}
	if d := strings.TrimSpace(s.Domain); d != "" {
		return d
	}
	return s.URL
}

// CountWords counts whitespace-separated words across the report body, the
// figure embedded in the rendered document's footer.
func CountWords(r Report) int {
	n := len(strings.Fields(r.ExecutiveSummary))
	for _, sec := range r.Sections {
		n += len(strings.Fields(sec.Content))
	}
	n += len(strings.Fields(r.ConfidenceAssessment))
	return n
}
