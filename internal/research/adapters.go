package research

import "context"

// MemoryEntry is a prior completed session surfaced to the planner when
// session memory is enabled.
type MemoryEntry struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
	Summary   string `json:"summary"`
}

// PlannerInput carries everything the planner needs for one iteration.
// Recommendations is non-empty only on iterations after the first, when the
// reviewer routed back with gaps to address.
type PlannerInput struct {
	Query           string
	Iteration       int
	Recommendations []string
	Memory          []MemoryEntry
}

// FinderInput asks for sources covering the plan's sub-questions. Known
// holds the URLs already collected so the finder can favor new material.
type FinderInput struct {
	Plan    Plan
	Known   []Source
	Options Options
}

// SummarizerInput asks for findings over the collected sources.
type SummarizerInput struct {
	Plan    Plan
	Sources []Source
	Options Options
}

// ReviewerInput asks for a coverage assessment of the findings so far.
type ReviewerInput struct {
	Query         string
	Plan          Plan
	Findings      []Finding
	Iteration     int
	MaxIterations int
}

// WriterInput asks for the final report. UnresolvedGaps is non-empty when
// the iteration bound was reached with gaps outstanding; the writer reflects
// them in the confidence assessment.
type WriterInput struct {
	Query          string
	Plan           Plan
	Findings       []Finding
	Sources        []Source
	UnresolvedGaps []string
	Iterations     int
	Options        Options
}

// Planner decomposes a query into sub-questions.
type Planner interface {
	Plan(ctx context.Context, in PlannerInput) (Plan, error)
}

// Finder gathers candidate sources for a plan.
type Finder interface {
	Find(ctx context.Context, in FinderInput) ([]Source, error)
}

// Summarizer distills sources into per-question findings.
type Summarizer interface {
	Summarize(ctx context.Context, in SummarizerInput) ([]Finding, error)
}

// Reviewer judges whether the findings answer the query.
type Reviewer interface {
	Review(ctx context.Context, in ReviewerInput) (GapReport, error)
}

// Writer composes the final report.
type Writer interface {
	Write(ctx context.Context, in WriterInput) (Report, error)
}

// EventRecorder appends one event to a session's trace log.
type EventRecorder interface {
	Record(ctx context.Context, sessionID, eventType string, payload map[string]interface{}) error
}

// ProgressRecorder persists the engine's loop counters so interrupted
// sessions report how far they got.
type ProgressRecorder interface {
	RecordProgress(ctx context.Context, sessionID string, iteration, finderRetries int) error
}
