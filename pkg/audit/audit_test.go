package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callsession-backend/internal/domain"
)

type fakeSink struct {
	mu      sync.Mutex
	entries map[string][][]byte
	err     error
}

func newFakeSink() *fakeSink {
	return &fakeSink{entries: make(map[string][][]byte)}
}

func (s *fakeSink) SafeAppendList(ctx context.Context, key string, value []byte, maxLen int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries[key] = append(s.entries[key], value)
	return nil
}

func (s *fakeSink) list(key string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.entries[key]...)
}

func TestTrail_WritesEvents(t *testing.T) {
	sink := newFakeSink()
	trail := NewTrail(sink, 8, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = trail.Run(ctx)
		close(done)
	}()

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	trail.Publish(domain.Event{
		Type:        domain.EventParticipantJoined,
		SessionID:   "call_1",
		Sequence:    2,
		Participant: &domain.Participant{UserID: "alice", ConnectionID: "c1"},
		OccurredAt:  at,
	})
	trail.Publish(domain.Event{
		Type:       domain.EventSessionEnded,
		SessionID:  "call_1",
		Sequence:   3,
		EndedBy:    "alice",
		Duration:   42,
		OccurredAt: at,
	})

	key := Key(at)
	assert.Equal(t, "audit:calls:2026-03-01", key)
	require.Eventually(t, func() bool { return len(sink.list(key)) == 2 }, time.Second, 10*time.Millisecond)

	cancel()
	<-done

	var first, second Event
	entries := sink.list(key)
	require.NoError(t, json.Unmarshal(entries[0], &first))
	require.NoError(t, json.Unmarshal(entries[1], &second))

	assert.Equal(t, domain.EventParticipantJoined, first.EventType)
	assert.Equal(t, "alice", first.UserID)
	assert.Equal(t, "c1", first.ConnectionID)
	assert.Equal(t, domain.EventSessionEnded, second.EventType)
	assert.Equal(t, "alice", second.EndedBy)
	assert.Equal(t, 42, second.Duration)
	assert.NotEqual(t, first.EventID, second.EventID)
}

func TestTrail_PublishNeverBlocks(t *testing.T) {
	sink := newFakeSink()
	trail := NewTrail(sink, 1, nil)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	// nothing drains the queue yet
	for i := 0; i < 5; i++ {
		trail.Publish(domain.Event{Type: domain.EventMediaChanged, SessionID: "call_1", OccurredAt: at})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, trail.Run(ctx))

	assert.Len(t, sink.list(Key(at)), 1)
}

func TestTrail_SinkFailureIsSwallowed(t *testing.T) {
	sink := newFakeSink()
	sink.err = errors.New("redis down")
	trail := NewTrail(sink, 4, nil)

	trail.Publish(domain.Event{Type: domain.EventParticipantLeft, SessionID: "call_1", OccurredAt: time.Now()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, trail.Run(ctx))
}
