package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mohammad-safakhou/deepresearch/internal/research"
)

// MemoryStore is an in-process SessionStore with the same semantics as the
// Postgres store. It backs tests and local runs without a database.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]research.Session
	documents map[string][]Document
	events    map[string][]research.Event
	users     map[string]User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]research.Session),
		documents: make(map[string][]Document),
		events:    make(map[string][]research.Event),
		users:     make(map[string]User),
	}
}

func (m *MemoryStore) CreateSession(ctx context.Context, sess research.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sess.ID]; ok {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	m.sessions[sess.ID] = sess
	return nil
}

func (m *MemoryStore) UpdateSessionStatus(ctx context.Context, id, status, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if research.IsTerminalStatus(sess.Status) {
		return ErrSessionTerminal
	}
	sess.Status = status
	sess.Error = errMsg
	sess.UpdatedAt = time.Now().UTC()
	m.sessions[id] = sess
	return nil
}

func (m *MemoryStore) UpdateSessionProgress(ctx context.Context, id string, iteration, finderRetries int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.Iteration = iteration
	sess.FinderRetries = finderRetries
	sess.UpdatedAt = time.Now().UTC()
	m.sessions[id] = sess
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (research.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return research.Session{}, ErrSessionNotFound
	}
	return sess, nil
}

func (m *MemoryStore) ListSessions(ctx context.Context) ([]research.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]research.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListSessionsByStatus(ctx context.Context, status string) ([]research.Session, error) {
	all, _ := m.ListSessions(ctx)
	out := all[:0]
	for _, sess := range all {
		if sess.Status == status {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListCompletedSessions(ctx context.Context, limit int) ([]research.Session, error) {
	completed, err := m.ListSessionsByStatus(ctx, research.StatusCompleted)
	if err != nil {
		return nil, err
	}
	sort.Slice(completed, func(i, j int) bool { return completed[i].UpdatedAt.After(completed[j].UpdatedAt) })
	if limit > 0 && len(completed) > limit {
		completed = completed[:limit]
	}
	return completed, nil
}

func (m *MemoryStore) ListTerminalBefore(ctx context.Context, cutoff time.Time) ([]research.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []research.Session
	for _, sess := range m.sessions {
		if research.IsTerminalStatus(sess.Status) && sess.UpdatedAt.Before(cutoff) {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.Status == research.StatusRunning || sess.Status == research.StatusPending {
		return ErrSessionActive
	}
	delete(m.sessions, id)
	delete(m.documents, id)
	delete(m.events, id)
	return nil
}

func (m *MemoryStore) SaveReportDocuments(ctx context.Context, sessionID string, report research.Report, markdown string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if research.IsTerminalStatus(sess.Status) {
		return ErrSessionTerminal
	}
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	now := time.Now().UTC()
	meta := map[string]interface{}{
		"word_count": report.WordCount,
		"iterations": report.Iterations,
		"sources":    len(report.Sources),
	}
	sess.Status = research.StatusCompleted
	sess.UpdatedAt = now
	m.sessions[sessionID] = sess
	m.documents[sessionID] = []Document{
		{ID: sessionID + "-json", SessionID: sessionID, DocType: "report_json", Title: report.Title, Content: string(reportJSON), Metadata: meta, CreatedAt: now},
		{ID: sessionID + "-markdown", SessionID: sessionID, DocType: "report_markdown", Title: report.Title, Content: markdown, Metadata: meta, CreatedAt: now},
	}
	return nil
}

func (m *MemoryStore) ListDocuments(ctx context.Context, sessionID string) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs := m.documents[sessionID]
	out := make([]Document, len(docs))
	copy(out, docs)
	return out, nil
}

func (m *MemoryStore) GetDocument(ctx context.Context, sessionID, documentID string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, doc := range m.documents[sessionID] {
		if doc.ID == documentID {
			return doc, nil
		}
	}
	return Document{}, ErrDocumentNotFound
}

func (m *MemoryStore) AppendEvent(ctx context.Context, sessionID, eventType string, payload []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq := int64(len(m.events[sessionID])) + 1
	ev := research.Event{SessionID: sessionID, Sequence: seq, Type: eventType, Timestamp: time.Now().UTC()}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return 0, fmt.Errorf("decoding event payload: %w", err)
		}
	}
	m.events[sessionID] = append(m.events[sessionID], ev)
	return seq, nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, sessionID string, after int64) ([]research.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.events[sessionID]
	if after < 0 {
		after = 0
	}
	if after >= int64(len(log)) {
		return nil, nil
	}
	out := make([]research.Event, len(log)-int(after))
	copy(out, log[after:])
	return out, nil
}

func (m *MemoryStore) DeleteEvents(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, sessionID)
	return nil
}

func (m *MemoryStore) CreateUser(ctx context.Context, id, email, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[email]; ok {
		return fmt.Errorf("user %s already exists", email)
	}
	m.users[email] = User{ID: id, Email: email, PasswordHash: passwordHash, CreatedAt: time.Now().UTC()}
	return nil
}

func (m *MemoryStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[email]
	if !ok {
		return User{}, sql.ErrNoRows
	}
	return u, nil
}
