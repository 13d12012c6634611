package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callsession-backend/internal/domain"
	"callsession-backend/pkg/constants"
	"callsession-backend/pkg/logger"
	"callsession-backend/pkg/metrics"
)

// Sink appends one encoded record to a per-day list
type Sink interface {
	SafeAppendList(ctx context.Context, key string, value []byte, maxLen int64, ttl time.Duration) error
}

// Event is one audit log entry for a committed call mutation
type Event struct {
	EventID      uuid.UUID        `json:"event_id"`
	EventType    domain.EventType `json:"event_type"`
	SessionID    string           `json:"session_id"`
	Sequence     int64            `json:"sequence"`
	UserID       string           `json:"user_id,omitempty"`
	ConnectionID string           `json:"connection_id,omitempty"`
	Disconnected bool             `json:"disconnected,omitempty"`
	EndedBy      string           `json:"ended_by,omitempty"`
	Duration     int              `json:"duration,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// Trail records session events to Redis off the caller's path.
// Publish never blocks: events that do not fit in the buffer are dropped.
type Trail struct {
	sink    Sink
	queue   chan Event
	timeout time.Duration
	metrics *metrics.Metrics
}

// NewTrail creates a trail with the given queue size
func NewTrail(sink Sink, bufferSize int, m *metrics.Metrics) *Trail {
	if bufferSize <= 0 {
		bufferSize = constants.AuditBufferSize
	}
	return &Trail{
		sink:    sink,
		queue:   make(chan Event, bufferSize),
		timeout: 2 * time.Second,
		metrics: m,
	}
}

// Publish queues a committed session event
func (t *Trail) Publish(event domain.Event) {
	entry := Event{
		EventID:      uuid.New(),
		EventType:    event.Type,
		SessionID:    event.SessionID,
		Sequence:     event.Sequence,
		Disconnected: event.Disconnected,
		EndedBy:      event.EndedBy,
		Duration:     event.Duration,
		Timestamp:    event.OccurredAt.UTC(),
	}
	if event.Participant != nil {
		entry.UserID = event.Participant.UserID
		entry.ConnectionID = event.Participant.ConnectionID
	}

	select {
	case t.queue <- entry:
	default:
		t.metrics.RecordAuditEvent("dropped")
		logger.Warn("Audit queue full, dropping event",
			zap.String("session_id", event.SessionID),
			zap.String("event_type", string(event.Type)))
	}
}

// Run writes queued events until ctx is cancelled, then drains what is left
func (t *Trail) Run(ctx context.Context) error {
	for {
		select {
		case entry := <-t.queue:
			t.write(ctx, entry)
		case <-ctx.Done():
			t.drain()
			return nil
		}
	}
}

func (t *Trail) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	for {
		select {
		case entry := <-t.queue:
			t.write(ctx, entry)
		default:
			return
		}
	}
}

func (t *Trail) write(ctx context.Context, entry Event) {
	data, err := json.Marshal(entry)
	if err != nil {
		t.metrics.RecordAuditEvent("failed")
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	if err := t.sink.SafeAppendList(writeCtx, Key(entry.Timestamp), data, constants.AuditMaxEventsPerDay, constants.AuditLogRetention); err != nil {
		t.metrics.RecordAuditEvent("failed")
		logger.Debug("Failed to store audit event",
			zap.String("session_id", entry.SessionID),
			zap.Error(err))
		return
	}
	t.metrics.RecordAuditEvent("written")
}

// Key is the Redis list holding the audit events of ts's day
func Key(ts time.Time) string {
	return fmt.Sprintf("audit:calls:%s", ts.UTC().Format("2006-01-02"))
}
