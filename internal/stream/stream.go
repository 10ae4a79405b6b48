// Package stream bridges a session's event log to live subscribers. Each
// subscriber gets its own bounded channel: a synthetic connected event first,
// every logged event after its cursor in order, heartbeats while idle, and a
// synthetic done after the session's terminal event. On backpressure only
// heartbeats are dropped; logged events are delivered or the subscriber is
// gone.
package stream

import (
	"context"
	"log"
	"time"

	"github.com/mohammad-safakhou/deepresearch/internal/events"
	"github.com/mohammad-safakhou/deepresearch/internal/research"
)

type Streamer struct {
	sink      events.Sink
	heartbeat time.Duration
	poll      time.Duration
	buffer    int
	log       *log.Logger
}

// Option configures a Streamer.
type Option func(*Streamer)

func WithHeartbeat(d time.Duration) Option { return func(s *Streamer) { s.heartbeat = d } }
func WithPollInterval(d time.Duration) Option {
	return func(s *Streamer) { s.poll = d }
}
func WithBuffer(n int) Option { return func(s *Streamer) { s.buffer = n } }

func New(sink events.Sink, opts ...Option) *Streamer {
	s := &Streamer{
		sink:      sink,
		heartbeat: 15 * time.Second,
		poll:      250 * time.Millisecond,
		buffer:    64,
		log:       log.New(log.Writer(), "[STREAM] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tail returns a channel of the session's events starting after sequence
// number from. The channel is closed after the done event or when ctx ends.
func (s *Streamer) Tail(ctx context.Context, sessionID string, from int64) <-chan research.Event {
	out := make(chan research.Event, s.buffer)
	go s.run(ctx, sessionID, from, out)
	return out
}

func (s *Streamer) run(ctx context.Context, sessionID string, from int64, out chan research.Event) {
	defer close(out)

	connected := research.Event{
		SessionID: sessionID,
		Type:      research.EventConnected,
		Payload:   map[string]interface{}{"from_sequence": from},
		Timestamp: time.Now().UTC(),
	}
	if !s.deliver(ctx, out, connected) {
		return
	}

	cursor := from
	lastSent := time.Now()
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		evs, err := s.sink.Events(ctx, sessionID, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Printf("reading events for %s: %v", sessionID, err)
		}
		for _, ev := range evs {
			if !s.deliver(ctx, out, ev) {
				return
			}
			cursor = ev.Sequence
			lastSent = time.Now()
			if isTerminal(ev.Type) {
				s.deliver(ctx, out, research.Event{
					SessionID: sessionID,
					Type:      research.EventDone,
					Timestamp: time.Now().UTC(),
				})
				return
			}
		}
		if time.Since(lastSent) >= s.heartbeat {
			s.offer(out, research.Event{
				SessionID: sessionID,
				Type:      research.EventHeartbeat,
				Timestamp: time.Now().UTC(),
			})
			lastSent = time.Now()
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// deliver blocks until the event is accepted or the subscriber is gone.
// Logged events must never be dropped.
func (s *Streamer) deliver(ctx context.Context, out chan research.Event, ev research.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// offer is best-effort; a full buffer drops the heartbeat.
func (s *Streamer) offer(out chan research.Event, ev research.Event) {
	select {
	case out <- ev:
	default:
	}
}

func isTerminal(eventType string) bool {
	switch eventType {
	case research.EventResearchCompleted, research.EventResearchStopped, research.EventResearchError:
		return true
	}
	return false
}
