package signaling

import (
	"callsession-backend/internal/domain"
	"callsession-backend/internal/transport"
)

// Forwarder turns committed session events into wire messages and keeps the
// transport channel of each session in step with its membership.
// It runs under the session lock and only uses non-blocking transport calls.
type Forwarder struct {
	transport transport.Transport
}

// NewForwarder creates a new event forwarder
func NewForwarder(t transport.Transport) *Forwarder {
	return &Forwarder{transport: t}
}

// Publish implements call.EventPublisher
func (f *Forwarder) Publish(event domain.Event) {
	msg := &transport.ServerMessage{
		SessionID:   event.SessionID,
		Sequence:    event.Sequence,
		Participant: event.Participant,
		Timestamp:   event.OccurredAt,
	}

	switch event.Type {
	case domain.EventParticipantJoined:
		conn := event.Participant.ConnectionID
		msg.Type = transport.MessageParticipantJoined
		f.transport.Broadcast(event.SessionID, msg, conn, event.PreviousConnectionID)
		f.transport.JoinChannel(event.SessionID, conn)
		if event.PreviousConnectionID != "" && event.PreviousConnectionID != conn {
			f.transport.LeaveChannel(event.SessionID, event.PreviousConnectionID)
		}

	case domain.EventParticipantLeft:
		msg.Type = transport.MessageParticipantLeft
		f.transport.LeaveChannel(event.SessionID, event.Participant.ConnectionID)
		f.transport.Broadcast(event.SessionID, msg)

	case domain.EventMediaChanged:
		msg.Type = transport.MessageMediaChanged
		f.transport.Broadcast(event.SessionID, msg)

	case domain.EventSessionEnded:
		duration := event.Duration
		minutes := (duration + 30) / 60
		msg.Type = transport.MessageSessionEnded
		msg.EndedBy = event.EndedBy
		msg.Duration = &duration
		msg.DurationInMinutes = &minutes
		f.transport.Broadcast(event.SessionID, msg)
		f.transport.CloseChannel(event.SessionID)
	}
}
