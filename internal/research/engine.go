package research

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// summarizerRetryMax bounds the summarizer -> finder loop. The iteration
// loop is bounded separately by Options.MaxIterations.
const summarizerRetryMax = 2

// ErrStopped is returned by Run when the session context was cancelled. Any
// stage result observed after cancellation is discarded.
var ErrStopped = errors.New("research stopped")

// Config wires an Engine. Events is required; Progress and Logger are
// optional.
type Config struct {
	Planner    Planner
	Finder     Finder
	Summarizer Summarizer
	Reviewer   Reviewer
	Writer     Writer

	Events   EventRecorder
	Progress ProgressRecorder

	// StageTimeout bounds each adapter call; MaxRunTime bounds the whole run.
	StageTimeout time.Duration
	MaxRunTime   time.Duration

	Logger *log.Logger
}

// Engine drives one session through the planner -> finder -> summarizer ->
// reviewer -> writer graph. An Engine value is used for a single Run.
type Engine struct {
	cfg Config
	log *log.Logger
}

// NewEngine validates the config and returns an engine ready to Run.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Planner == nil || cfg.Finder == nil || cfg.Summarizer == nil || cfg.Reviewer == nil || cfg.Writer == nil {
		return nil, errors.New("engine: all five stage adapters are required")
	}
	if cfg.Events == nil {
		return nil, errors.New("engine: event recorder is required")
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 2 * time.Minute
	}
	if cfg.MaxRunTime <= 0 {
		cfg.MaxRunTime = 10 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[ENGINE] ", log.LstdFlags)
	}
	return &Engine{cfg: cfg, log: logger}, nil
}

type runState struct {
	iteration       int
	finderRetries   int
	plan            Plan
	sources         []Source
	findings        []Finding
	recommendations []string
	unresolvedGaps  []string
}

// Run executes the pipeline for sess and returns the final report. It
// returns ErrStopped when the context is cancelled; any other error means
// the session failed. Terminal research_* events are the caller's concern,
// Run emits only research_started and the per-stage events.
func (e *Engine) Run(ctx context.Context, sess Session, memory []MemoryEntry) (Report, error) {
	opts := sess.Options
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.MaxRunTime)
	defer cancel()

	e.emit(runCtx, sess.ID, EventResearchStarted, map[string]interface{}{
		"query":          sess.Query,
		"max_iterations": opts.MaxIterations,
	})

	st := runState{}
	stage := StagePlanner
	for {
		if err := e.checkCancelled(ctx, runCtx); err != nil {
			return Report{}, err
		}

		switch stage {
		case StagePlanner:
			st.iteration++
			e.recordProgress(runCtx, sess.ID, st)
			e.emit(runCtx, sess.ID, EventPlannerRunning, map[string]interface{}{"iteration": st.iteration})
			in := PlannerInput{
				Query:           sess.Query,
				Iteration:       st.iteration,
				Recommendations: clipStrings(st.recommendations, 3),
				Memory:          memory,
			}
			plan, err := callStage(e, runCtx, ctx, StagePlanner, func(sctx context.Context) (Plan, error) {
				return e.cfg.Planner.Plan(sctx, in)
			})
			if err != nil {
				return Report{}, err
			}
			st.plan = plan
			e.emit(runCtx, sess.ID, EventPlannerComplete, map[string]interface{}{
				"iteration":     st.iteration,
				"objective":     plan.Objective,
				"sub_questions": len(plan.SubQuestions),
			})
			stage = StageFinder

		case StageFinder:
			e.emit(runCtx, sess.ID, EventFinderRunning, map[string]interface{}{
				"iteration":      st.iteration,
				"finder_retries": st.finderRetries,
			})
			in := FinderInput{Plan: st.plan, Known: st.sources, Options: opts}
			found, err := callStage(e, runCtx, ctx, StageFinder, func(sctx context.Context) ([]Source, error) {
				return e.cfg.Finder.Find(sctx, in)
			})
			if err != nil {
				return Report{}, err
			}
			before := len(st.sources)
			st.sources = MergeSources(st.sources, found, opts.MaxSources)
			for _, s := range st.sources[minInt(before, len(st.sources)):] {
				e.emit(runCtx, sess.ID, EventFinderSource, map[string]interface{}{
					"url":         s.URL,
					"title":       s.Title,
					"domain":      s.Domain,
					"reliability": s.Reliability,
				})
			}
			e.emit(runCtx, sess.ID, EventFinderComplete, map[string]interface{}{
				"new_sources":   len(st.sources) - before,
				"total_sources": len(st.sources),
				"sample_urls":   sampleURLs(st.sources, 3),
			})
			stage = StageSummarizer

		case StageSummarizer:
			e.emit(runCtx, sess.ID, EventSummarizerRunning, map[string]interface{}{
				"sources": minInt(len(st.sources), opts.SummarizerSourceLimit),
			})
			in := SummarizerInput{Plan: st.plan, Sources: clipSources(st.sources, opts.SummarizerSourceLimit), Options: opts}
			findings, err := callStage(e, runCtx, ctx, StageSummarizer, func(sctx context.Context) ([]Finding, error) {
				return e.cfg.Summarizer.Summarize(sctx, in)
			})
			if err != nil {
				return Report{}, err
			}
			facts := TotalKeyFacts(findings)
			// Retry bound is checked before looping back to the finder.
			if facts == 0 && len(st.sources) > 0 && st.finderRetries < summarizerRetryMax {
				st.finderRetries++
				e.recordProgress(runCtx, sess.ID, st)
				e.emit(runCtx, sess.ID, EventSummarizerComplete, map[string]interface{}{
					"key_facts":      0,
					"retrying":       true,
					"finder_retries": st.finderRetries,
				})
				stage = StageFinder
				continue
			}
			st.findings = mergeFindings(st.findings, findings)
			e.emit(runCtx, sess.ID, EventSummarizerComplete, map[string]interface{}{
				"key_facts": facts,
				"findings":  len(st.findings),
			})
			stage = StageReviewer

		case StageReviewer:
			e.emit(runCtx, sess.ID, EventReviewerRunning, map[string]interface{}{"iteration": st.iteration})
			in := ReviewerInput{
				Query:         sess.Query,
				Plan:          st.plan,
				Findings:      st.findings,
				Iteration:     st.iteration,
				MaxIterations: opts.MaxIterations,
			}
			gap, err := callStage(e, runCtx, ctx, StageReviewer, func(sctx context.Context) (GapReport, error) {
				return e.cfg.Reviewer.Review(sctx, in)
			})
			if err != nil {
				return Report{}, err
			}
			// Iteration bound is checked before looping back to the planner.
			next := NextActionFinish
			if gap.HasGaps && st.iteration < opts.MaxIterations {
				next = NextActionIterate
			}
			e.emit(runCtx, sess.ID, EventReviewerComplete, map[string]interface{}{
				"iteration":   st.iteration,
				"has_gaps":    gap.HasGaps,
				"gaps":        len(gap.Gaps),
				"confidence":  gap.Confidence,
				"next_action": next,
			})
			if next == NextActionIterate {
				st.recommendations = gap.Recommendations
				stage = StagePlanner
				continue
			}
			if gap.HasGaps {
				st.unresolvedGaps = gap.Gaps
			}
			stage = StageWriter

		case StageWriter:
			e.emit(runCtx, sess.ID, EventWriterRunning, map[string]interface{}{
				"report_length": opts.ReportLength,
				"iterations":    st.iteration,
			})
			in := WriterInput{
				Query:          sess.Query,
				Plan:           st.plan,
				Findings:       st.findings,
				Sources:        st.sources,
				UnresolvedGaps: st.unresolvedGaps,
				Iterations:     st.iteration,
				Options:        opts,
			}
			report, err := callStage(e, runCtx, ctx, StageWriter, func(sctx context.Context) (Report, error) {
				return e.cfg.Writer.Write(sctx, in)
			})
			if err != nil {
				return Report{}, err
			}
			report.Sources = st.sources
			report.Iterations = st.iteration
			report.WordCount = CountWords(report)
			e.emit(runCtx, sess.ID, EventWriterComplete, map[string]interface{}{
				"word_count": report.WordCount,
				"sections":   len(report.Sections),
			})
			return report, nil

		default:
			return Report{}, fmt.Errorf("engine: unknown stage %q", stage)
		}
	}
}

// checkCancelled distinguishes a user stop from the run-time guardrail.
func (e *Engine) checkCancelled(ctx, runCtx context.Context) error {
	if ctx.Err() != nil {
		return ErrStopped
	}
	if err := runCtx.Err(); err != nil {
		return fmt.Errorf("research run exceeded %s: %w", e.cfg.MaxRunTime, err)
	}
	return nil
}

// callStage runs one adapter call with the per-stage timeout and a single
// retry. A result that arrives after the session context was cancelled is
// discarded and ErrStopped returned instead.
func callStage[T any](e *Engine, runCtx, sessCtx context.Context, stage string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	attempt := func() (T, error) {
		sctx, cancel := context.WithTimeout(runCtx, e.cfg.StageTimeout)
		defer cancel()
		return fn(sctx)
	}
	out, err := attempt()
	if sessCtx.Err() != nil {
		return zero, ErrStopped
	}
	if err != nil {
		if runCtx.Err() != nil {
			return zero, fmt.Errorf("stage %s: %w", stage, runCtx.Err())
		}
		e.log.Printf("stage %s failed, retrying once: %v", stage, err)
		out, err = attempt()
		if sessCtx.Err() != nil {
			return zero, ErrStopped
		}
		if err != nil {
			return zero, fmt.Errorf("stage %s: %w", stage, err)
		}
	}
	return out, nil
}

func (e *Engine) emit(ctx context.Context, sessionID, eventType string, payload map[string]interface{}) {
	if err := e.cfg.Events.Record(ctx, sessionID, eventType, payload); err != nil {
		e.log.Printf("record event %s for %s: %v", eventType, sessionID, err)
	}
}

func (e *Engine) recordProgress(ctx context.Context, sessionID string, st runState) {
	if e.cfg.Progress == nil {
		return
	}
	if err := e.cfg.Progress.RecordProgress(ctx, sessionID, st.iteration, st.finderRetries); err != nil {
		e.log.Printf("record progress for %s: %v", sessionID, err)
	}
}

// mergeFindings replaces older findings for the same sub-question and
// appends new ones, preserving first-seen order.
func mergeFindings(existing, incoming []Finding) []Finding {
	index := make(map[string]int, len(existing))
	merged := make([]Finding, len(existing))
	copy(merged, existing)
	for i, f := range merged {
		index[f.SubQuestionID] = i
	}
	for _, f := range incoming {
		if at, ok := index[f.SubQuestionID]; ok {
			merged[at] = f
			continue
		}
		index[f.SubQuestionID] = len(merged)
		merged = append(merged, f)
	}
	return merged
}

func clipStrings(in []string, n int) []string {
	if len(in) <= n {
		return in
	}
	return in[:n]
}

func clipSources(in []Source, n int) []Source {
	if n <= 0 || len(in) <= n {
		return in
	}
	return in[:n]
}

func sampleURLs(sources []Source, n int) []string {
	urls := make([]string, 0, n)
	for _, s := range sources {
		if len(urls) == n {
			break
		}
		urls = append(urls, s.URL)
	}
	return urls
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
