// Package events provides the per-session ordered trace log. Every appended
// event gets a strictly increasing, gap-free sequence number; readers replay
// from any cursor without duplicates.
package events

import (
	"context"
	"time"

	"github.com/mohammad-safakhou/deepresearch/internal/research"
)

// Sink is the append log behind session event streams.
type Sink interface {
	// Append stores ev for sessionID and returns its assigned sequence number.
	Append(ctx context.Context, sessionID string, ev research.Event) (int64, error)
	// Events returns, in order, every event with sequence number > after.
	Events(ctx context.Context, sessionID string, after int64) ([]research.Event, error)
	// Delete drops the session's log.
	Delete(ctx context.Context, sessionID string) error
}

// Recorder adapts a Sink to the engine's event-recording hook, stamping
// type, payload and time on the way in.
type Recorder struct {
	Sink Sink
}

func (r Recorder) Record(ctx context.Context, sessionID, eventType string, payload map[string]interface{}) error {
	_, err := r.Sink.Append(ctx, sessionID, research.Event{
		SessionID: sessionID,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
	return err
}
