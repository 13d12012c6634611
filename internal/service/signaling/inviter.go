package signaling

import (
	"context"
	"time"

	"go.uber.org/zap"

	"callsession-backend/internal/domain"
	"callsession-backend/internal/transport"
	"callsession-backend/pkg/logger"
	"callsession-backend/pkg/metrics"
)

// Inviter rings the invitees of a new session on every connection they hold
type Inviter struct {
	directory  transport.Directory
	iceServers []domain.ICEServer
	metrics    *metrics.Metrics
}

// NewInviter creates a new call inviter
func NewInviter(d transport.Directory, iceServers []domain.ICEServer, m *metrics.Metrics) *Inviter {
	return &Inviter{
		directory:  d,
		iceServers: iceServers,
		metrics:    m,
	}
}

// Invite sends call_invitation to each invitee that is online and returns how
// many connections were reached. Offline invitees are skipped.
func (i *Inviter) Invite(ctx context.Context, session *domain.CallSession, initiatorName string) int {
	reached := 0
	for _, userID := range session.Invitees {
		if userID == session.InitiatorID {
			continue
		}
		n := i.directory.SendToUser(userID, &transport.ServerMessage{
			Type:      transport.MessageCallInvitation,
			SessionID: session.SessionID,
			Session:   session,
			Initiator: &transport.Sender{
				UserID:      session.InitiatorID,
				DisplayName: initiatorName,
			},
			ICEServers: i.iceServers,
			Timestamp:  time.Now().UTC(),
		})
		if n == 0 {
			i.metrics.RecordSignal(string(transport.MessageCallInvitation), "offline")
			continue
		}
		i.metrics.RecordSignal(string(transport.MessageCallInvitation), "delivered")
		reached += n
	}

	logger.Session(ctx, session.SessionID).Debug("Call invitations sent",
		zap.Int("invitees", len(session.Invitees)),
		zap.Int("connections", reached))
	return reached
}
