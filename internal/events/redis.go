package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/deepresearch/internal/research"
)

// RedisSink stores each session's log as a Redis stream. Sequence numbers
// double as stream entry IDs (<seq>-0), so XRANGE gives ordered replay for
// free and a restart continues numbering from the last stored entry. The
// next sequence is derived from the stream itself rather than a separate
// counter: a failed append therefore never consumes a sequence number.
type RedisSink struct {
	client *redis.Client

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client, locks: make(map[string]*sync.Mutex)}
}

func streamKey(sessionID string) string { return "research:events:" + sessionID }

// sessionLock serializes appends per session so two writers cannot read the
// same tail entry and collide on the next ID.
func (r *RedisSink) sessionLock(sessionID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[sessionID] = l
	}
	return l
}

// entrySequence parses the sequence number out of a "<seq>-0" stream ID.
func entrySequence(id string) (int64, error) {
	head, _, ok := strings.Cut(id, "-")
	if !ok {
		return 0, fmt.Errorf("malformed stream id %q", id)
	}
	return strconv.ParseInt(head, 10, 64)
}

func (r *RedisSink) Append(ctx context.Context, sessionID string, ev research.Event) (int64, error) {
	lock := r.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	seq := int64(1)
	tail, err := r.client.XRevRangeN(ctx, streamKey(sessionID), "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("reading stream tail for %s: %w", sessionID, err)
	}
	if len(tail) > 0 {
		prev, err := entrySequence(tail[0].ID)
		if err != nil {
			return 0, fmt.Errorf("stream tail for %s: %w", sessionID, err)
		}
		seq = prev + 1
	}

	ev.SessionID = sessionID
	ev.Sequence = seq
	body, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("encoding event: %w", err)
	}
	_, err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(sessionID),
		ID:     fmt.Sprintf("%d-0", seq),
		Values: map[string]interface{}{"event": string(body)},
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("appending event for %s: %w", sessionID, err)
	}
	return seq, nil
}

func (r *RedisSink) Events(ctx context.Context, sessionID string, after int64) ([]research.Event, error) {
	if after < 0 {
		after = 0
	}
	start := fmt.Sprintf("%d-0", after+1)
	entries, err := r.client.XRange(ctx, streamKey(sessionID), start, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("reading events for %s: %w", sessionID, err)
	}
	out := make([]research.Event, 0, len(entries))
	for _, entry := range entries {
		raw, ok := entry.Values["event"].(string)
		if !ok {
			continue
		}
		var ev research.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("decoding event %s for %s: %w", entry.ID, sessionID, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (r *RedisSink) Delete(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, streamKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("deleting events for %s: %w", sessionID, err)
	}
	r.mu.Lock()
	delete(r.locks, sessionID)
	r.mu.Unlock()
	return nil
}
