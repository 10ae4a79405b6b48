package events

import (
	"context"
	"sync"

	"github.com/mohammad-safakhou/deepresearch/internal/research"
)

// MemorySink keeps event logs in process memory. Suitable for single-node
// deployments without Redis and for tests.
type MemorySink struct {
	mu   sync.RWMutex
	logs map[string][]research.Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{logs: make(map[string][]research.Event)}
}

func (m *MemorySink) Append(ctx context.Context, sessionID string, ev research.Event) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq := int64(len(m.logs[sessionID])) + 1
	ev.SessionID = sessionID
	ev.Sequence = seq
	m.logs[sessionID] = append(m.logs[sessionID], ev)
	return seq, nil
}

func (m *MemorySink) Events(ctx context.Context, sessionID string, after int64) ([]research.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.logs[sessionID]
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

func (m *MemorySink) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.logs, sessionID)
	return nil
}
