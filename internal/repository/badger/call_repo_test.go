package badger

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"

	"callsession-backend/internal/domain"
	apperrors "callsession-backend/pkg/errors"
)

func newTestRepo(t *testing.T) *CallRepository {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").
		WithInMemory(true).
		WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewCallRepository(db)
}

func newSession(id, initiator string, start time.Time) *domain.CallSession {
	return &domain.CallSession{
		SessionID:       id,
		SessionType:     domain.SessionTypeGroup,
		InitiatorID:     initiator,
		Status:          domain.SessionStatusWaiting,
		MaxParticipants: 4,
		Settings:        domain.DefaultCallSettings(),
		StartTime:       start,
		Participants:    []*domain.Participant{},
		Version:         1,
		CreatedAt:       start,
		UpdatedAt:       start,
	}
}

func TestCallRepository_CreateAndGet(t *testing.T) {
	req := require.New(t)
	repo := newTestRepo(t)
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Millisecond)
	s := newSession("call_1", "alice", start)
	s.Invitees = []string{"bob"}
	s.Metadata = domain.SessionMetadata{Title: "standup"}

	req.NoError(repo.Create(ctx, s))

	got, err := repo.GetByID(ctx, "call_1")
	req.NoError(err)
	req.Equal("alice", got.InitiatorID)
	req.Equal([]string{"bob"}, got.Invitees)
	req.Equal("standup", got.Metadata.Title)
	req.True(start.Equal(got.StartTime))

	err = repo.Create(ctx, s)
	req.True(apperrors.HasCode(err, apperrors.ErrCodeDuplicateSessionID))

	_, err = repo.GetByID(ctx, "call_missing")
	req.True(apperrors.HasCode(err, apperrors.ErrCodeCallNotFound))
}

func TestCallRepository_UpdateChecksVersion(t *testing.T) {
	req := require.New(t)
	repo := newTestRepo(t)
	ctx := context.Background()
	s := newSession("call_1", "alice", time.Now())
	req.NoError(repo.Create(ctx, s))

	next := s.Clone()
	next.Version = 2
	next.Status = domain.SessionStatusActive
	next.Participants = append(next.Participants, &domain.Participant{UserID: "bob", ConnectionID: "c1", IsActive: true})
	req.NoError(repo.Update(ctx, next))

	stale := s.Clone()
	stale.Version = 2
	err := repo.Update(ctx, stale)
	req.True(apperrors.IsTransient(err))

	got, err := repo.GetByID(ctx, "call_1")
	req.NoError(err)
	req.Equal(int64(2), got.Version)
	req.Len(got.Participants, 1)

	missing := newSession("call_missing", "alice", time.Now())
	missing.Version = 2
	req.True(apperrors.HasCode(repo.Update(ctx, missing), apperrors.ErrCodeCallNotFound))
}

func TestCallRepository_ListByUser(t *testing.T) {
	req := require.New(t)
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"call_a", "call_b", "call_c"} {
		req.NoError(repo.Create(ctx, newSession(id, "alice", base.Add(time.Duration(i)*time.Minute))))
	}

	// bob takes part in call_a only
	a, err := repo.GetByID(ctx, "call_a")
	req.NoError(err)
	a.Version = 2
	a.Status = domain.SessionStatusEnded
	a.Participants = []*domain.Participant{{UserID: "bob", ConnectionID: "c1"}}
	req.NoError(repo.Update(ctx, a))

	sessions, total, err := repo.ListByUser(ctx, "alice", "", 2, 0)
	req.NoError(err)
	req.Equal(3, total)
	req.Len(sessions, 2)
	req.Equal("call_c", sessions[0].SessionID)
	req.Equal("call_b", sessions[1].SessionID)

	sessions, total, err = repo.ListByUser(ctx, "alice", "", 2, 2)
	req.NoError(err)
	req.Equal(3, total)
	req.Len(sessions, 1)
	req.Equal("call_a", sessions[0].SessionID)

	sessions, total, err = repo.ListByUser(ctx, "bob", "", 20, 0)
	req.NoError(err)
	req.Equal(1, total)
	req.Equal("call_a", sessions[0].SessionID)

	_, total, err = repo.ListByUser(ctx, "alice", domain.SessionStatusEnded, 20, 0)
	req.NoError(err)
	req.Equal(1, total)
}
