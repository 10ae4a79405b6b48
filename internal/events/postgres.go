package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mohammad-safakhou/deepresearch/internal/research"
)

// EventLog is the slice of the session store the durable sink needs.
type EventLog interface {
	AppendEvent(ctx context.Context, sessionID, eventType string, payload []byte) (int64, error)
	ListEvents(ctx context.Context, sessionID string, after int64) ([]research.Event, error)
	DeleteEvents(ctx context.Context, sessionID string) error
}

// StoreSink persists events through the session store, giving replay that
// survives restarts without Redis.
type StoreSink struct {
	log EventLog

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStoreSink(log EventLog) *StoreSink {
	return &StoreSink{log: log, locks: make(map[string]*sync.Mutex)}
}

func (s *StoreSink) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

func (s *StoreSink) Append(ctx context.Context, sessionID string, ev research.Event) (int64, error) {
	var payload []byte
	if len(ev.Payload) > 0 {
		var err error
		payload, err = json.Marshal(ev.Payload)
		if err != nil {
			return 0, fmt.Errorf("encoding payload: %w", err)
		}
	}
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return s.log.AppendEvent(ctx, sessionID, ev.Type, payload)
}

func (s *StoreSink) Events(ctx context.Context, sessionID string, after int64) ([]research.Event, error) {
	return s.log.ListEvents(ctx, sessionID, after)
}

func (s *StoreSink) Delete(ctx context.Context, sessionID string) error {
	if err := s.log.DeleteEvents(ctx, sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.locks, sessionID)
	s.mu.Unlock()
	return nil
}
