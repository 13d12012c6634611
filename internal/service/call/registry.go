package call

import (
	"time"

	"github.com/samber/lo"

	"callsession-backend/internal/domain"
	apperrors "callsession-backend/pkg/errors"
)

// AttachResult describes what AddParticipant did to the participant log
type AttachResult struct {
	Row                  *domain.Participant
	Reattached           bool
	PreviousConnectionID string
}

// AddParticipant attaches userID to the session. An existing active row for the
// user is re-attached in place; otherwise a new active row is appended if the
// session has room.
func AddParticipant(s *domain.CallSession, userID, displayName, connectionID, peerID string, now time.Time) (*AttachResult, error) {
	if row := findActive(s, userID); row != nil {
		previous := row.ConnectionID
		row.ConnectionID = connectionID
		row.PeerID = peerID
		row.JoinedAt = now
		if displayName != "" {
			row.DisplayName = displayName
		}
		return &AttachResult{Row: row, Reattached: true, PreviousConnectionID: previous}, nil
	}

	if ActiveCount(s) >= s.MaxParticipants {
		return nil, apperrors.SessionFullError()
	}

	row := &domain.Participant{
		UserID:          userID,
		DisplayName:     displayName,
		ConnectionID:    connectionID,
		PeerID:          peerID,
		JoinedAt:        now,
		IsActive:        true,
		HasVideo:        s.Settings.VideoEnabled,
		HasAudio:        s.Settings.AudioEnabled,
		IsScreenSharing: false,
	}
	s.Participants = append(s.Participants, row)
	return &AttachResult{Row: row}, nil
}

// RemoveParticipant deactivates the active row for userID. Only when userID is
// empty is the row looked up by connectionID, so a known user can never detach
// somebody else's row. It returns nil when nothing matched.
func RemoveParticipant(s *domain.CallSession, userID, connectionID string, now time.Time) *domain.Participant {
	row := findActive(s, userID)
	if row == nil && userID == "" && connectionID != "" {
		row, _ = lo.Find(s.Participants, func(p *domain.Participant) bool {
			return p.IsActive && p.ConnectionID == connectionID
		})
	}
	if row == nil {
		return nil
	}
	deactivate(row, now)
	return row
}

// UpdateMedia applies the supplied fields of patch to the user's active row.
// It returns nil when the user has no active row.
func UpdateMedia(s *domain.CallSession, userID string, patch domain.MediaPatch) *domain.Participant {
	row := findActive(s, userID)
	if row == nil {
		return nil
	}
	if patch.HasVideo != nil {
		row.HasVideo = *patch.HasVideo
	}
	if patch.HasAudio != nil {
		row.HasAudio = *patch.HasAudio
	}
	if patch.IsScreenSharing != nil {
		row.IsScreenSharing = *patch.IsScreenSharing
	}
	return row
}

// ActiveCount returns the number of active rows
func ActiveCount(s *domain.CallSession) int {
	return lo.CountBy(s.Participants, func(p *domain.Participant) bool {
		return p.IsActive
	})
}

// ActiveParticipants returns copies of the active rows in join order
func ActiveParticipants(s *domain.CallSession) []domain.Participant {
	return lo.FilterMap(s.Participants, func(p *domain.Participant, _ int) (domain.Participant, bool) {
		if !p.IsActive {
			return domain.Participant{}, false
		}
		return *p, true
	})
}

// FindActive returns the active row for userID, or nil
func FindActive(s *domain.CallSession, userID string) *domain.Participant {
	return findActive(s, userID)
}

// HasParticipated reports whether userID has any row, active or historical
func HasParticipated(s *domain.CallSession, userID string) bool {
	return lo.ContainsBy(s.Participants, func(p *domain.Participant) bool {
		return p.UserID == userID
	})
}

// deactivateAll closes every active row and returns the released connection IDs
func deactivateAll(s *domain.CallSession, now time.Time) []string {
	var released []string
	for _, p := range s.Participants {
		if p.IsActive {
			deactivate(p, now)
			released = append(released, p.ConnectionID)
		}
	}
	return released
}

func findActive(s *domain.CallSession, userID string) *domain.Participant {
	if userID == "" {
		return nil
	}
	row, _ := lo.Find(s.Participants, func(p *domain.Participant) bool {
		return p.IsActive && p.UserID == userID
	})
	return row
}

func deactivate(p *domain.Participant, now time.Time) {
	left := now
	p.IsActive = false
	p.LeftAt = &left
	p.IsScreenSharing = false
}

// connectionOwner returns the user whose active row is bound to connectionID,
// or "" when no active row uses it.
func connectionOwner(s *domain.CallSession, connectionID string) string {
	if connectionID == "" {
		return ""
	}
	row, ok := lo.Find(s.Participants, func(p *domain.Participant) bool {
		return p.IsActive && p.ConnectionID == connectionID
	})
	if !ok {
		return ""
	}
	return row.UserID
}
