package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"callsession-backend/internal/domain"
	"callsession-backend/internal/service/call"
	"callsession-backend/pkg/logger"
)

// Leaver is the part of the call service the monitor drives
type Leaver interface {
	Leave(ctx context.Context, in call.LeaveInput) error
}

// Monitor turns transport disconnects into leaves. It learns which sessions a
// connection is attached to from committed events.
type Monitor struct {
	leaver  Leaver
	timeout time.Duration

	mu sync.Mutex
	// connectionID -> sessionID -> userID
	attachments map[string]map[string]string
	// sessionID -> connectionIDs
	bySession map[string]map[string]struct{}
}

// NewMonitor creates a presence monitor; each cleanup leave is bounded by timeout
func NewMonitor(leaver Leaver, timeout time.Duration) *Monitor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Monitor{
		leaver:      leaver,
		timeout:     timeout,
		attachments: make(map[string]map[string]string),
		bySession:   make(map[string]map[string]struct{}),
	}
}

// Publish implements call.EventPublisher
func (m *Monitor) Publish(event domain.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch event.Type {
	case domain.EventParticipantJoined:
		if event.PreviousConnectionID != "" {
			m.detach(event.PreviousConnectionID, event.SessionID)
		}
		m.attach(event.Participant.ConnectionID, event.SessionID, event.Participant.UserID)
	case domain.EventParticipantLeft:
		m.detach(event.Participant.ConnectionID, event.SessionID)
	case domain.EventSessionEnded:
		for conn := range m.bySession[event.SessionID] {
			m.detach(conn, event.SessionID)
		}
	}
}

// HandleDisconnect leaves every session the connection was attached to.
// Failures are logged and never stop the remaining cleanups.
func (m *Monitor) HandleDisconnect(connectionID string) {
	m.mu.Lock()
	sessions := m.attachments[connectionID]
	delete(m.attachments, connectionID)
	for sessionID := range sessions {
		m.dropIndex(connectionID, sessionID)
	}
	m.mu.Unlock()

	for sessionID, userID := range sessions {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		err := m.leaver.Leave(ctx, call.LeaveInput{
			SessionID:    sessionID,
			UserID:       userID,
			ConnectionID: connectionID,
			Disconnect:   true,
		})
		cancel()
		if err != nil {
			logger.Warn("Disconnect cleanup failed",
				zap.String("session_id", sessionID),
				zap.String("user_id", userID),
				zap.String("connection_id", connectionID),
				zap.Error(err))
			continue
		}
		logger.Debug("Disconnect cleanup done",
			zap.String("session_id", sessionID),
			zap.String("user_id", userID),
			zap.String("connection_id", connectionID))
	}
}

// Attachments returns the number of tracked (connection, session) pairs
func (m *Monitor) Attachments() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, sessions := range m.attachments {
		n += len(sessions)
	}
	return n
}

func (m *Monitor) attach(connectionID, sessionID, userID string) {
	sessions, ok := m.attachments[connectionID]
	if !ok {
		sessions = make(map[string]string)
		m.attachments[connectionID] = sessions
	}
	sessions[sessionID] = userID

	conns, ok := m.bySession[sessionID]
	if !ok {
		conns = make(map[string]struct{})
		m.bySession[sessionID] = conns
	}
	conns[connectionID] = struct{}{}
}

func (m *Monitor) detach(connectionID, sessionID string) {
	if sessions, ok := m.attachments[connectionID]; ok {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(m.attachments, connectionID)
		}
	}
	m.dropIndex(connectionID, sessionID)
}

func (m *Monitor) dropIndex(connectionID, sessionID string) {
	if conns, ok := m.bySession[sessionID]; ok {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(m.bySession, sessionID)
		}
	}
}
