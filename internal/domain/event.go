package domain

import "time"

// EventType identifies a committed session mutation
type EventType string

const (
	EventParticipantJoined EventType = "participant_joined"
	EventParticipantLeft   EventType = "participant_left"
	EventMediaChanged      EventType = "media_changed"
	EventSessionEnded      EventType = "session_ended"
)

// Event is emitted once per committed join/leave/media-update/end.
// Sequence is the session Version at commit time, so it increases strictly per session.
type Event struct {
	Type      EventType
	SessionID string
	Sequence  int64

	// Participant is a copy of the affected row (joined, left, media_changed).
	Participant *Participant
	// PreviousConnectionID is set when a join re-attached an existing row to a new connection.
	PreviousConnectionID string
	// Disconnected marks a leave triggered by transport loss.
	Disconnected bool

	// EndedBy and Duration are set for session_ended.
	EndedBy  string
	Duration int
	// Released holds the connections still attached when the session ended.
	Released []string

	OccurredAt time.Time
}
