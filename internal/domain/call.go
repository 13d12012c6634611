package domain

import (
	"time"
)

// SessionType is the kind of call a session hosts
type SessionType string

const (
	SessionTypeOneToOne SessionType = "one-to-one"
	SessionTypeGroup    SessionType = "group"
	SessionTypeTherapy  SessionType = "therapy"
)

// Valid reports whether t is a known session type
func (t SessionType) Valid() bool {
	switch t {
	case SessionTypeOneToOne, SessionTypeGroup, SessionTypeTherapy:
		return true
	}
	return false
}

// SessionStatus is the lifecycle state of a call session
type SessionStatus string

const (
	SessionStatusWaiting SessionStatus = "waiting"
	SessionStatusActive  SessionStatus = "active"
	SessionStatusEnded   SessionStatus = "ended"
)

// Valid reports whether s is a known status
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusWaiting, SessionStatusActive, SessionStatusEnded:
		return true
	}
	return false
}

// CallSettings are the per-session feature flags chosen at initiation
type CallSettings struct {
	VideoEnabled       bool `json:"is_video_enabled"`
	AudioEnabled       bool `json:"is_audio_enabled"`
	RecordingEnabled   bool `json:"is_recording_enabled"`
	ScreenShareEnabled bool `json:"allow_screen_share"`
}

// DefaultCallSettings returns the settings applied when the initiator sends none
func DefaultCallSettings() CallSettings {
	return CallSettings{
		VideoEnabled:       true,
		AudioEnabled:       true,
		RecordingEnabled:   false,
		ScreenShareEnabled: true,
	}
}

// SessionMetadata is free-form descriptive data attached at initiation
type SessionMetadata struct {
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Participant is one (user, connection) attachment row within a session.
// Rows are superseded on reconnect, never duplicated, and never deleted.
type Participant struct {
	UserID          string     `json:"user_id"`
	DisplayName     string     `json:"display_name,omitempty"`
	ConnectionID    string     `json:"connection_id"`
	PeerID          string     `json:"peer_id"`
	JoinedAt        time.Time  `json:"joined_at"`
	LeftAt          *time.Time `json:"left_at,omitempty"`
	IsActive        bool       `json:"is_active"`
	HasVideo        bool       `json:"has_video"`
	HasAudio        bool       `json:"has_audio"`
	IsScreenSharing bool       `json:"is_screen_sharing"`
}

// CallSession represents a tracked multi-party call
type CallSession struct {
	SessionID        string          `json:"session_id"`
	SessionType      SessionType     `json:"session_type"`
	InitiatorID      string          `json:"initiator_id"`
	Status           SessionStatus   `json:"status"`
	MaxParticipants  int             `json:"max_participants"`
	Settings         CallSettings    `json:"call_settings"`
	Invitees         []string        `json:"invitees,omitempty"`
	TherapySessionID string          `json:"therapy_session_id,omitempty"`
	Metadata         SessionMetadata `json:"metadata"`
	StartTime        time.Time       `json:"start_time"`
	EndTime          *time.Time      `json:"end_time,omitempty"`
	Duration         int             `json:"duration"` // in seconds
	Participants     []*Participant  `json:"participants"`
	Version          int64           `json:"version"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// IsEnded reports whether the session reached its terminal state
func (s *CallSession) IsEnded() bool {
	return s.Status == SessionStatusEnded
}

// IsInitiator reports whether userID created the session
func (s *CallSession) IsInitiator(userID string) bool {
	return s.InitiatorID == userID
}

// DurationInMinutes rounds the duration to whole minutes
func (s *CallSession) DurationInMinutes() int {
	return (s.Duration + 30) / 60
}

// Clone returns a deep copy so a mutation can be prepared without touching committed state
func (s *CallSession) Clone() *CallSession {
	c := *s
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	c.Invitees = append([]string(nil), s.Invitees...)
	c.Metadata.Tags = append([]string(nil), s.Metadata.Tags...)
	c.Participants = make([]*Participant, len(s.Participants))
	for i, p := range s.Participants {
		row := *p
		if p.LeftAt != nil {
			t := *p.LeftAt
			row.LeftAt = &t
		}
		c.Participants[i] = &row
	}
	return &c
}

// MediaPatch is a partial media-state update; nil fields are left untouched
type MediaPatch struct {
	HasVideo        *bool `json:"has_video,omitempty"`
	HasAudio        *bool `json:"has_audio,omitempty"`
	IsScreenSharing *bool `json:"is_screen_sharing,omitempty"`
}

// Empty reports whether the patch carries no fields
func (p MediaPatch) Empty() bool {
	return p.HasVideo == nil && p.HasAudio == nil && p.IsScreenSharing == nil
}

// ICEServer is one STUN/TURN endpoint entry handed to clients
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}
