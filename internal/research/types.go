package research

import (
	"fmt"
	"time"
)

// Session status values. Terminal statuses are completed, stopped and error.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusStopped   = "stopped"
	StatusError     = "error"
)

// IsTerminalStatus reports whether a session in the given status can still change.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusStopped, StatusError:
		return true
	}
	return false
}

// Pipeline stages in execution order.
const (
	StagePlanner    = "planner"
	StageFinder     = "finder"
	StageSummarizer = "summarizer"
	StageReviewer   = "reviewer"
	StageWriter     = "writer"
)

// Event types emitted over a session's trace stream.
const (
	EventConnected          = "connected"
	EventResearchStarted    = "research_started"
	EventPlannerRunning     = "planner_running"
	EventPlannerComplete    = "planner_complete"
	EventFinderRunning      = "finder_running"
	EventFinderSource       = "finder_source"
	EventFinderComplete     = "finder_complete"
	EventSummarizerRunning  = "summarizer_running"
	EventSummarizerComplete = "summarizer_complete"
	EventReviewerRunning    = "reviewer_running"
	EventReviewerComplete   = "reviewer_complete"
	EventWriterRunning      = "writer_running"
	EventWriterComplete     = "writer_complete"
	EventResearchCompleted  = "research_completed"
	EventResearchStopped    = "research_stopped"
	EventResearchError      = "research_error"
	EventHeartbeat          = "heartbeat"
	EventDone               = "done"
)

// Reviewer routing decisions carried on reviewer_complete events.
const (
	NextActionFinish  = "finish"
	NextActionIterate = "iterate"
)

// Report length presets.
const (
	ReportShort  = "short"
	ReportMedium = "medium"
	ReportLong   = "long"
)

// Options controls a single research run. Zero values are filled in by
// ApplyDefaults; Validate rejects out-of-range values.
type Options struct {
	MaxIterations         int    `json:"max_iterations"`
	MaxSources            int    `json:"max_sources"`
	MaxSourcesPerQuestion int    `json:"max_sources_per_question"`
	SearchResultsPerQuery int    `json:"search_results_per_query"`
	SummarizerSourceLimit int    `json:"summarizer_source_limit"`
	SessionMemoryLimit    int    `json:"session_memory_limit"`
	SourceDiversity       bool   `json:"source_diversity"`
	IncludeSessionMemory  bool   `json:"include_session_memory"`
	ReportLength          string `json:"report_length"`
}

// DefaultOptions returns the options used when a request supplies none.
func DefaultOptions() Options {
	return Options{
		MaxIterations:         3,
		MaxSources:            12,
		MaxSourcesPerQuestion: 4,
		SearchResultsPerQuery: 5,
		SummarizerSourceLimit: 6,
		SessionMemoryLimit:    3,
		SourceDiversity:       true,
		IncludeSessionMemory:  true,
		ReportLength:          ReportMedium,
	}
}

// InvalidOptionsError reports a single option outside its allowed range.
type InvalidOptionsError struct {
	Field string
	Min   int
	Max   int
	Got   int
}

func (e *InvalidOptionsError) Error() string {
	return fmt.Sprintf("invalid option %s: got %d, allowed range [%d, %d]", e.Field, e.Got, e.Min, e.Max)
}

type intBound struct {
	field    string
	min, max int
	got      int
}

// Validate checks every bounded option. The first violation is returned as an
// *InvalidOptionsError so callers can surface field-level detail.
func (o Options) Validate() error {
	bounds := []intBound{
		{"max_iterations", 1, 10, o.MaxIterations},
		{"max_sources", 3, 40, o.MaxSources},
		{"max_sources_per_question", 1, 12, o.MaxSourcesPerQuestion},
		{"search_results_per_query", 1, 15, o.SearchResultsPerQuery},
		{"summarizer_source_limit", 1, 20, o.SummarizerSourceLimit},
		{"session_memory_limit", 0, 8, o.SessionMemoryLimit},
	}
	for _, b := range bounds {
		if b.got < b.min || b.got > b.max {
			return &InvalidOptionsError{Field: b.field, Min: b.min, Max: b.max, Got: b.got}
		}
	}
	switch o.ReportLength {
	case ReportShort, ReportMedium, ReportLong:
	default:
		return fmt.Errorf("invalid option report_length: %q (want short, medium or long)", o.ReportLength)
	}
	return nil
}

// ApplyDefaults fills unset numeric fields and report length from
// DefaultOptions. Booleans are left as provided.
func (o Options) ApplyDefaults() Options {
	def := DefaultOptions()
	if o.MaxIterations == 0 {
		o.MaxIterations = def.MaxIterations
	}
	if o.MaxSources == 0 {
		o.MaxSources = def.MaxSources
	}
	if o.MaxSourcesPerQuestion == 0 {
		o.MaxSourcesPerQuestion = def.MaxSourcesPerQuestion
	}
	if o.SearchResultsPerQuery == 0 {
		o.SearchResultsPerQuery = def.SearchResultsPerQuery
	}
	if o.SummarizerSourceLimit == 0 {
		o.SummarizerSourceLimit = def.SummarizerSourceLimit
	}
	if o.ReportLength == "" {
		o.ReportLength = def.ReportLength
	}
	return o
}

// Session is the durable record of one research run.
type Session struct {
	ID            string    `json:"session_id"`
	Query         string    `json:"query"`
	Status        string    `json:"status"`
	Options       Options   `json:"options"`
	Stage         string    `json:"current_stage,omitempty"`
	Iteration     int       `json:"iteration"`
	FinderRetries int       `json:"finder_retries"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SubQuestion is one line of inquiry produced by the planner.
type SubQuestion struct {
	ID        string `json:"id"`
	Question  string `json:"question"`
	Rationale string `json:"rationale,omitempty"`
}

// Plan is the planner's decomposition of the user query.
type Plan struct {
	Objective    string        `json:"objective"`
	SubQuestions []SubQuestion `json:"sub_questions"`
}

// Source is a deduplicated search hit attributed to a sub-question.
type Source struct {
	ID            string  `json:"id"`
	SubQuestionID string  `json:"sub_question_id"`
	URL           string  `json:"url"`
	Title         string  `json:"title"`
	Snippet       string  `json:"snippet,omitempty"`
	Domain        string  `json:"domain,omitempty"`
	Reliability   string  `json:"reliability,omitempty"`
	Confidence    float64 `json:"confidence"`
}

// Finding is the summarizer's digest of the sources for one sub-question.
type Finding struct {
	SubQuestionID string   `json:"sub_question_id"`
	KeyFacts      []string `json:"key_facts"`
	Summary       string   `json:"summary"`
	SourceIDs     []string `json:"source_ids,omitempty"`
}

// TotalKeyFacts counts key facts across a set of findings.
func TotalKeyFacts(findings []Finding) int {
	n := 0
	for _, f := range findings {
		n += len(f.KeyFacts)
	}
	return n
}

// GapReport is the reviewer's assessment of coverage after an iteration.
type GapReport struct {
	HasGaps         bool     `json:"has_gaps"`
	Gaps            []string `json:"gaps"`
	Recommendations []string `json:"recommendations"`
	Confidence      float64  `json:"confidence"`
}

// ReportSection is one body section of the final report.
type ReportSection struct {
	Heading string `json:"heading"`
	Content string `json:"content"`
}

// Report is the writer's final product.
type Report struct {
	Title                string          `json:"title"`
	ExecutiveSummary     string          `json:"executive_summary"`
	Sections             []ReportSection `json:"sections"`
	ConfidenceAssessment string          `json:"confidence_assessment"`
	Sources              []Source        `json:"sources"`
	WordCount            int             `json:"word_count"`
	Iterations           int             `json:"iterations"`
}

// Event is one entry in a session's ordered trace log. Sequence is assigned
// by the event sink on append and is strictly increasing per session.
type Event struct {
	SessionID string                 `json:"session_id"`
	Sequence  int64                  `json:"sequence_no"`
	Type      string                 `json:"event_type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}
