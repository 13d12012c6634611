// Package transport defines the real-time connection abstraction the call core
// depends on, and the JSON messages exchanged over it.
package transport

import (
	"encoding/json"
	"errors"
	"time"

	"callsession-backend/internal/domain"
)

// ErrConnectionNotFound is returned by SendTo when the connection is gone
var ErrConnectionNotFound = errors.New("transport: connection not found")

// ErrSendBufferFull is returned by SendTo when the connection is not draining
var ErrSendBufferFull = errors.New("transport: send buffer full")

// Transport is the connection layer seen by the signaling router and presence monitor.
// Channels are keyed by session ID; connections by the ID assigned at accept time.
type Transport interface {
	JoinChannel(sessionID, connectionID string)
	LeaveChannel(sessionID, connectionID string)
	CloseChannel(sessionID string)
	// Broadcast queues msg to every connection in the channel except the listed ones.
	// It never blocks on a slow connection.
	Broadcast(sessionID string, msg *ServerMessage, except ...string)
	// SendTo queues msg to one connection
	SendTo(connectionID string, msg *ServerMessage) error
	// OnDisconnect registers fn to be called once for every closed connection
	OnDisconnect(fn func(connectionID string))
}

// Directory resolves live connections by the user they authenticated as
type Directory interface {
	// ConnectionOwner returns the user of a live connection
	ConnectionOwner(connectionID string) (userID string, ok bool)
	// SendToUser queues msg to every live connection of userID and returns how many were reached
	SendToUser(userID string, msg *ServerMessage) int
}

// MessageType discriminates wire messages
type MessageType string

// Client → server
const (
	MessageJoinRequest  MessageType = "join_request"
	MessageLeaveRequest MessageType = "leave_request"
	MessageMediaUpdate  MessageType = "media_update"
	MessageOffer        MessageType = "offer"
	MessageAnswer       MessageType = "answer"
	MessageICECandidate MessageType = "ice_candidate"

	MessageConnectionIssue MessageType = "connection_issue"
	MessageQualityReport   MessageType = "call_quality_report"
)

// Server → client
const (
	MessageConnected         MessageType = "connected"
	MessageSessionJoined     MessageType = "session_joined"
	MessageParticipantJoined MessageType = "participant_joined"
	MessageParticipantLeft   MessageType = "participant_left"
	MessageMediaChanged      MessageType = "media_changed"
	MessageSessionEnded      MessageType = "session_ended"
	MessageSignalingError    MessageType = "signaling_error"
	MessageError             MessageType = "error"

	MessageCallInvitation             MessageType = "call_invitation"
	MessageParticipantConnectionIssue MessageType = "participant_connection_issue"
)

// IsSignal reports whether t is one of the relayed negotiation kinds
func (t MessageType) IsSignal() bool {
	switch t {
	case MessageOffer, MessageAnswer, MessageICECandidate:
		return true
	}
	return false
}

// Signaling error reasons
const (
	ReasonTargetNotFound = "target_not_found"
	ReasonForbidden      = "forbidden"
	ReasonInvalidMessage = "invalid_message"
)

// ClientMessage is any message received from a client
type ClientMessage struct {
	Type         MessageType `json:"type"`
	SessionID    string      `json:"session_id,omitempty"`
	PeerID       string      `json:"peer_id,omitempty"`
	TargetPeerID string      `json:"target_peer_id,omitempty"`

	// SDP/candidate body of a signal, forwarded without inspection
	Payload json.RawMessage `json:"payload,omitempty"`

	HasVideo        *bool `json:"has_video,omitempty"`
	HasAudio        *bool `json:"has_audio,omitempty"`
	IsScreenSharing *bool `json:"is_screen_sharing,omitempty"`

	// connection_issue
	IssueType   string `json:"issue_type,omitempty"`
	Description string `json:"description,omitempty"`

	// call_quality_report, stored as reported
	QualityData json.RawMessage `json:"quality_data,omitempty"`
}

// MediaPatch extracts the media fields of a media_update
func (m *ClientMessage) MediaPatch() domain.MediaPatch {
	return domain.MediaPatch{
		HasVideo:        m.HasVideo,
		HasAudio:        m.HasAudio,
		IsScreenSharing: m.IsScreenSharing,
	}
}

// Sender identifies the origin of a relayed signal
type Sender struct {
	UserID       string `json:"user_id"`
	DisplayName  string `json:"display_name,omitempty"`
	PeerID       string `json:"peer_id,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`
}

// ServerMessage is any message sent to a client
type ServerMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Sequence  int64       `json:"sequence,omitempty"`

	// connected
	ConnectionID string             `json:"connection_id,omitempty"`
	ICEServers   []domain.ICEServer `json:"ice_servers,omitempty"`

	// relayed signals
	From    *Sender         `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	Participant  *domain.Participant  `json:"participant,omitempty"`
	Participants []domain.Participant `json:"participants,omitempty"`

	// call_invitation
	Session   *domain.CallSession `json:"session,omitempty"`
	Initiator *Sender             `json:"initiator,omitempty"`

	// participant_connection_issue
	IssueType   string `json:"issue_type,omitempty"`
	Description string `json:"description,omitempty"`

	// session_ended
	EndedBy           string `json:"ended_by,omitempty"`
	Duration          *int   `json:"duration,omitempty"`
	DurationInMinutes *int   `json:"duration_in_minutes,omitempty"`

	// signaling_error / error
	Reason  string `json:"reason,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// NewSignalingError builds a signaling_error for the sender of a failed relay
func NewSignalingError(sessionID, reason string) *ServerMessage {
	return &ServerMessage{
		Type:      MessageSignalingError,
		SessionID: sessionID,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
}

// NewError builds a generic error reply
func NewError(code, message string) *ServerMessage {
	return &ServerMessage{
		Type:      MessageError,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}
