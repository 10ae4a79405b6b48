// Package manager owns session lifecycle: starting engine runs, stopping
// them, resuming state after restarts and cleaning up old sessions.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/deepresearch/internal/events"
	"github.com/mohammad-safakhou/deepresearch/internal/research"
	"github.com/mohammad-safakhou/deepresearch/internal/store"
)

// Stop results reported to callers.
const (
	StopResultStopped         = "stopped"
	StopResultAlreadyTerminal = "already_terminal"
)

// Resume policies for sessions found in a running state at startup. The
// process cannot tell how far the lost run got, so the choice is explicit
// configuration.
const (
	ResumeMarkError   = "mark_error"
	ResumeMarkStopped = "mark_stopped"
)

// SessionStore is the persistence surface the manager drives.
type SessionStore interface {
	CreateSession(ctx context.Context, sess research.Session) error
	UpdateSessionStatus(ctx context.Context, id, status, errMsg string) error
	UpdateSessionProgress(ctx context.Context, id string, iteration, finderRetries int) error
	GetSession(ctx context.Context, id string) (research.Session, error)
	ListSessions(ctx context.Context) ([]research.Session, error)
	ListSessionsByStatus(ctx context.Context, status string) ([]research.Session, error)
	ListCompletedSessions(ctx context.Context, limit int) ([]research.Session, error)
	ListTerminalBefore(ctx context.Context, cutoff time.Time) ([]research.Session, error)
	DeleteSession(ctx context.Context, id string) error
	SaveReportDocuments(ctx context.Context, sessionID string, report research.Report, markdown string) error
	GetDocument(ctx context.Context, sessionID, documentID string) (store.Document, error)
}

// Metrics receives lifecycle counts. All methods may be called concurrently.
type Metrics interface {
	SessionStarted()
	SessionFinished(status string)
}

type noopMetrics struct{}

func (noopMetrics) SessionStarted()          {}
func (noopMetrics) SessionFinished(_ string) {}

// Config wires a Manager.
type Config struct {
	Store SessionStore
	Sink  events.Sink

	Planner    research.Planner
	Finder     research.Finder
	Summarizer research.Summarizer
	Reviewer   research.Reviewer
	Writer     research.Writer

	StageTimeout  time.Duration
	MaxRunTime    time.Duration
	MaxConcurrent int

	// ResumePolicy decides what happens to sessions persisted as running
	// when the process starts; see ResumeMarkError and ResumeMarkStopped.
	ResumePolicy string

	Metrics Metrics
	Logger  *log.Logger
}

type runningSession struct {
	cancel context.CancelFunc
	done   chan struct{}
	stage  string
}

// Manager starts and tracks engine runs, one goroutine per session.
type Manager struct {
	cfg  Config
	log  *log.Logger
	sem  chan struct{}
	base context.Context

	mu      sync.RWMutex
	active  map[string]*runningSession
	stopped bool
}

// New builds a Manager and resolves sessions left running by a previous
// process according to the resume policy.
func New(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.Store == nil || cfg.Sink == nil {
		return nil, errors.New("manager: store and sink are required")
	}
	if cfg.Planner == nil || cfg.Finder == nil || cfg.Summarizer == nil || cfg.Reviewer == nil || cfg.Writer == nil {
		return nil, errors.New("manager: all five stage adapters are required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.ResumePolicy == "" {
		cfg.ResumePolicy = ResumeMarkError
	}
	if cfg.ResumePolicy != ResumeMarkError && cfg.ResumePolicy != ResumeMarkStopped {
		return nil, fmt.Errorf("manager: unknown resume policy %q", cfg.ResumePolicy)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[MANAGER] ", log.LstdFlags)
	}
	m := &Manager{
		cfg:    cfg,
		log:    cfg.Logger,
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		base:   ctx,
		active: make(map[string]*runningSession),
	}
	if err := m.resolveOrphans(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// resolveOrphans finalizes sessions persisted as running or pending with no
// live task. A restart means those runs are gone.
func (m *Manager) resolveOrphans(ctx context.Context) error {
	for _, status := range []string{research.StatusRunning, research.StatusPending} {
		sessions, err := m.cfg.Store.ListSessionsByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("scanning %s sessions: %w", status, err)
		}
		for _, sess := range sessions {
			newStatus := research.StatusError
			eventType := research.EventResearchError
			msg := "interrupted by restart"
			if m.cfg.ResumePolicy == ResumeMarkStopped {
				newStatus = research.StatusStopped
				eventType = research.EventResearchStopped
				msg = ""
			}
			if err := m.cfg.Store.UpdateSessionStatus(ctx, sess.ID, newStatus, msg); err != nil {
				m.log.Printf("resolving orphaned session %s: %v", sess.ID, err)
				continue
			}
			m.appendEvent(ctx, sess.ID, eventType, map[string]interface{}{"reason": "restart"})
			m.log.Printf("session %s found %s at startup, marked %s", sess.ID, status, newStatus)
		}
	}
	return nil
}

// Start validates options, persists a new session and launches its run.
func (m *Manager) Start(ctx context.Context, query string, opts research.Options) (research.Session, error) {
	if query == "" {
		return research.Session{}, errors.New("query is required")
	}
	opts = opts.ApplyDefaults()
	if err := opts.Validate(); err != nil {
		return research.Session{}, err
	}

	sess := research.Session{
		ID:      "research-" + uuid.NewString(),
		Query:   query,
		Status:  research.StatusPending,
		Options: opts,
	}
	if err := m.cfg.Store.CreateSession(ctx, sess); err != nil {
		return research.Session{}, fmt.Errorf("creating session: %w", err)
	}
	if err := m.cfg.Store.UpdateSessionStatus(ctx, sess.ID, research.StatusRunning, ""); err != nil {
		return research.Session{}, fmt.Errorf("marking session running: %w", err)
	}
	sess.Status = research.StatusRunning

	runCtx, cancel := context.WithCancel(m.base)
	handle := &runningSession{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		cancel()
		return research.Session{}, errors.New("manager is shutting down")
	}
	if _, exists := m.active[sess.ID]; exists {
		m.mu.Unlock()
		cancel()
		return research.Session{}, fmt.Errorf("session %s already running", sess.ID)
	}
	m.active[sess.ID] = handle
	m.mu.Unlock()

	m.cfg.Metrics.SessionStarted()
	go m.run(runCtx, sess, handle)
	return sess, nil
}

func (m *Manager) run(ctx context.Context, sess research.Session, handle *runningSession) {
	defer close(handle.done)
	defer func() {
		m.mu.Lock()
		delete(m.active, sess.ID)
		m.mu.Unlock()
	}()

	select {
	case m.sem <- struct{}{}:
		defer func() { <-m.sem }()
	case <-ctx.Done():
		m.finalize(sess.ID, research.StatusStopped, "")
		return
	}

	memory := m.loadMemory(ctx, sess.Options)

	eng, err := research.NewEngine(research.Config{
		Planner:      m.cfg.Planner,
		Finder:       m.cfg.Finder,
		Summarizer:   m.cfg.Summarizer,
		Reviewer:     m.cfg.Reviewer,
		Writer:       m.cfg.Writer,
		Events:       stageRecorder{inner: events.Recorder{Sink: m.cfg.Sink}, m: m, id: sess.ID},
		Progress:     progressRecorder{store: m.cfg.Store},
		StageTimeout: m.cfg.StageTimeout,
		MaxRunTime:   m.cfg.MaxRunTime,
		Logger:       m.log,
	})
	if err != nil {
		m.finalize(sess.ID, research.StatusError, err.Error())
		return
	}

	report, err := eng.Run(ctx, sess, memory)
	switch {
	case errors.Is(err, research.ErrStopped):
		m.finalize(sess.ID, research.StatusStopped, "")
	case err != nil:
		m.log.Printf("session %s failed: %v", sess.ID, err)
		m.finalize(sess.ID, research.StatusError, err.Error())
	default:
		m.complete(sess.ID, report)
	}
}

// finalize moves a session to a terminal status and appends the matching
// terminal event. It uses a fresh context so shutdown does not lose the
// final write.
func (m *Manager) finalize(sessionID, status, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.cfg.Store.UpdateSessionStatus(ctx, sessionID, status, errMsg); err != nil && !errors.Is(err, store.ErrSessionTerminal) {
		m.log.Printf("finalizing session %s as %s: %v", sessionID, status, err)
	}
	payload := map[string]interface{}{}
	eventType := research.EventResearchStopped
	if status == research.StatusError {
		eventType = research.EventResearchError
		payload["error"] = errMsg
	}
	m.appendEvent(ctx, sessionID, eventType, payload)
	m.cfg.Metrics.SessionFinished(status)
}

// complete persists the report documents atomically with the status change
// and appends research_completed carrying the full report.
func (m *Manager) complete(sessionID string, report research.Report) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	markdown := research.ReportMarkdown(report)
	if err := m.cfg.Store.SaveReportDocuments(ctx, sessionID, report, markdown); err != nil {
		m.log.Printf("saving report for %s: %v", sessionID, err)
		m.finalize(sessionID, research.StatusError, fmt.Sprintf("saving report: %v", err))
		return
	}
	m.appendEvent(ctx, sessionID, research.EventResearchCompleted, map[string]interface{}{
		"report": reportPayload(report),
	})
	m.cfg.Metrics.SessionFinished(research.StatusCompleted)
}

func reportPayload(report research.Report) map[string]interface{} {
	raw, err := json.Marshal(report)
	if err != nil {
		return map[string]interface{}{"title": report.Title}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{"title": report.Title}
	}
	return out
}

func (m *Manager) appendEvent(ctx context.Context, sessionID, eventType string, payload map[string]interface{}) {
	rec := events.Recorder{Sink: m.cfg.Sink}
	if err := rec.Record(ctx, sessionID, eventType, payload); err != nil {
		m.log.Printf("appending %s for %s: %v", eventType, sessionID, err)
	}
}

// loadMemory collects summaries of recent completed sessions when session
// memory is enabled.
func (m *Manager) loadMemory(ctx context.Context, opts research.Options) []research.MemoryEntry {
	if !opts.IncludeSessionMemory || opts.SessionMemoryLimit == 0 {
		return nil
	}
	completed, err := m.cfg.Store.ListCompletedSessions(ctx, opts.SessionMemoryLimit)
	if err != nil {
		m.log.Printf("loading session memory: %v", err)
		return nil
	}
	var out []research.MemoryEntry
	for _, sess := range completed {
		entry := research.MemoryEntry{SessionID: sess.ID, Query: sess.Query}
		doc, err := m.cfg.Store.GetDocument(ctx, sess.ID, sess.ID+"-json")
		if err == nil {
			var report research.Report
			if json.Unmarshal([]byte(doc.Content), &report) == nil {
				entry.Summary = report.ExecutiveSummary
			}
		}
		if entry.Summary == "" {
			entry.Summary = "completed earlier"
		}
		out = append(out, entry)
	}
	return out
}

// Stop cancels a running session. It is idempotent: terminal sessions
// report StopResultAlreadyTerminal.
func (m *Manager) Stop(ctx context.Context, id string) (string, error) {
	sess, err := m.cfg.Store.GetSession(ctx, id)
	if err != nil {
		return "", err
	}
	if research.IsTerminalStatus(sess.Status) {
		return StopResultAlreadyTerminal, nil
	}

	m.mu.RLock()
	handle := m.active[id]
	m.mu.RUnlock()

	if handle != nil {
		handle.cancel()
		return StopResultStopped, nil
	}
	// No live task for a non-terminal session; finalize directly.
	m.finalize(id, research.StatusStopped, "")
	return StopResultStopped, nil
}

// stageRecorder mirrors stage transitions into the active-session map so
// Status can report the current stage without reading the event log.
type stageRecorder struct {
	inner research.EventRecorder
	m     *Manager
	id    string
}

func (r stageRecorder) Record(ctx context.Context, sessionID, eventType string, payload map[string]interface{}) error {
	if stage, ok := strings.CutSuffix(eventType, "_running"); ok {
		r.m.setStage(r.id, stage)
	}
	return r.inner.Record(ctx, sessionID, eventType, payload)
}

func (m *Manager) setStage(id, stage string) {
	m.mu.Lock()
	if handle, ok := m.active[id]; ok {
		handle.stage = stage
	}
	m.mu.Unlock()
}

func (m *Manager) currentStage(id string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if handle, ok := m.active[id]; ok {
		return handle.stage
	}
	return ""
}

// Status returns the persisted session, with the live stage overlaid while
// a run is attached.
func (m *Manager) Status(ctx context.Context, id string) (research.Session, error) {
	sess, err := m.cfg.Store.GetSession(ctx, id)
	if err != nil {
		return research.Session{}, err
	}
	if sess.Status == research.StatusRunning {
		sess.Stage = m.currentStage(id)
	}
	return sess, nil
}

// List returns all sessions, newest first.
func (m *Manager) List(ctx context.Context) ([]research.Session, error) {
	return m.cfg.Store.ListSessions(ctx)
}

// Delete removes a terminal session and its event log. Running sessions are
// refused with store.ErrSessionActive.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.cfg.Store.DeleteSession(ctx, id); err != nil {
		return err
	}
	if err := m.cfg.Sink.Delete(ctx, id); err != nil {
		m.log.Printf("deleting event log for %s: %v", id, err)
	}
	return nil
}

// ActiveCount reports how many sessions currently have a live task.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// Shutdown cancels every live session and waits for their goroutines.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	handles := make([]*runningSession, 0, len(m.active))
	for _, h := range m.active {
		h.cancel()
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

type progressRecorder struct {
	store SessionStore
}

func (p progressRecorder) RecordProgress(ctx context.Context, sessionID string, iteration, finderRetries int) error {
	return p.store.UpdateSessionProgress(ctx, sessionID, iteration, finderRetries)
}
