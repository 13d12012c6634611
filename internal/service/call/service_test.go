package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"callsession-backend/internal/domain"
	apperrors "callsession-backend/pkg/errors"
	"callsession-backend/pkg/metrics"
)

func join(f *fixture, sessionID, userID, connID string) (*JoinResult, error) {
	return f.svc.Join(context.Background(), JoinInput{
		SessionID:    sessionID,
		UserID:       userID,
		ConnectionID: connID,
		PeerID:       "peer-" + connID,
	})
}

func TestInitiate(t *testing.T) {
	f := newFixture(t, Options{DefaultMaxParticipants: 8, MaxParticipantsCap: 16})

	session, err := f.svc.Initiate(context.Background(), InitiateInput{
		InitiatorID: "alice",
		SessionType: domain.SessionTypeOneToOne,
		Invitees:    []string{"bob", "bob", "alice", ""},
	})

	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(session.SessionID, "call_"))
	assert.Equal(t, domain.SessionStatusWaiting, session.Status)
	assert.Equal(t, 2, session.MaxParticipants)
	assert.Equal(t, []string{"bob"}, session.Invitees)
	assert.Equal(t, domain.DefaultCallSettings(), session.Settings)
	assert.Empty(t, session.Participants)
	assert.Equal(t, int64(1), session.Version)
}

func TestInitiate_CleansUserText(t *testing.T) {
	f := newFixture(t, Options{DefaultMaxParticipants: 8, MaxParticipantsCap: 16})

	session, err := f.svc.Initiate(context.Background(), InitiateInput{
		InitiatorID: "alice",
		Metadata: domain.SessionMetadata{
			Title: " <b>Weekly</b> sync\x00 ",
			Tags:  []string{"team", "", "team"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Weekly sync", session.Metadata.Title)
	assert.Equal(t, []string{"team"}, session.Metadata.Tags)

	res, err := f.svc.Join(context.Background(), JoinInput{
		SessionID:    session.SessionID,
		UserID:       "alice",
		DisplayName:  "  Alice   <i>A.</i> ",
		ConnectionID: "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, "Alice A.", res.Session.Participants[0].DisplayName)
}

func TestInitiate_GroupDefaults(t *testing.T) {
	f := newFixture(t, Options{DefaultMaxParticipants: 8, MaxParticipantsCap: 16})

	session := f.initiate(t, "alice", domain.SessionTypeGroup)

	assert.Equal(t, 8, session.MaxParticipants)
}

func TestInitiate_Validation(t *testing.T) {
	f := newFixture(t, Options{DefaultMaxParticipants: 8, MaxParticipantsCap: 16})

	tests := []struct {
		name  string
		input InitiateInput
		code  apperrors.ErrorCode
	}{
		{
			name:  "missing initiator",
			input: InitiateInput{SessionType: domain.SessionTypeGroup},
			code:  apperrors.ErrCodeMissingField,
		},
		{
			name:  "unknown type",
			input: InitiateInput{InitiatorID: "alice", SessionType: "broadcast"},
			code:  apperrors.ErrCodeInvalidInput,
		},
		{
			name:  "max above cap",
			input: InitiateInput{InitiatorID: "alice", SessionType: domain.SessionTypeGroup, MaxParticipants: 17},
			code:  apperrors.ErrCodeInvalidInput,
		},
		{
			name:  "max below two",
			input: InitiateInput{InitiatorID: "alice", SessionType: domain.SessionTypeGroup, MaxParticipants: 1},
			code:  apperrors.ErrCodeInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Initiate(context.Background(), tt.input)
			assert.True(t, apperrors.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func TestJoin_OneToOneLifecycle(t *testing.T) {
	f := newFixture(t, Options{})
	session := f.initiate(t, "alice", domain.SessionTypeOneToOne, "bob", "carol")

	res, err := join(f, session.SessionID, "alice", "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusActive, res.Session.Status)
	assert.Len(t, res.Participants, 1)
	assert.False(t, res.Reattached)

	res, err = join(f, session.SessionID, "bob", "c2")
	require.NoError(t, err)
	assert.Len(t, res.Participants, 2)
	assert.Equal(t, []string{"alice", "bob"}, []string{res.Participants[0].UserID, res.Participants[1].UserID})

	_, err = join(f, session.SessionID, "carol", "c3")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSessionFull))

	assert.Len(t, f.rec.ofType(domain.EventParticipantJoined), 2)
	assert.Len(t, f.svc.ActiveMembers(session.SessionID), 2)
}

func TestJoin_MediaDefaultsFollowSettings(t *testing.T) {
	f := newFixture(t, Options{})
	settings := domain.CallSettings{VideoEnabled: false, AudioEnabled: true}
	session, err := f.svc.Initiate(context.Background(), InitiateInput{
		InitiatorID: "alice",
		SessionType: domain.SessionTypeGroup,
		Settings:    &settings,
	})
	require.NoError(t, err)

	res, err := join(f, session.SessionID, "alice", "c1")
	require.NoError(t, err)

	p := res.Participants[0]
	assert.False(t, p.HasVideo)
	assert.True(t, p.HasAudio)
	assert.False(t, p.IsScreenSharing)
	assert.True(t, p.IsActive)
}

func TestJoin_ReattachSupersedesConnection(t *testing.T) {
	f := newFixture(t, Options{})
	session := f.initiate(t, "alice", domain.SessionTypeGroup, "bob")

	_, err := join(f, session.SessionID, "alice", "c1")
	require.NoError(t, err)
	_, err = join(f, session.SessionID, "bob", "c2")
	require.NoError(t, err)

	res, err := join(f, session.SessionID, "alice", "c9")
	require.NoError(t, err)

	assert.True(t, res.Reattached)
	assert.Len(t, res.Participants, 2)
	assert.Len(t, res.Session.Participants, 2, "reattach must not append a row")
	assert.Equal(t, "c9", FindActive(res.Session, "alice").ConnectionID)

	joined := f.rec.ofType(domain.EventParticipantJoined)
	require.Len(t, joined, 3)
	assert.Equal(t, "c1", joined[2].PreviousConnectionID)
	assert.Equal(t, "c9", joined[2].Participant.ConnectionID)
}

func TestJoin_ReattachAllowedWhenFull(t *testing.T) {
	f := newFixture(t, Options{})
	session := f.initiate(t, "alice", domain.SessionTypeOneToOne, "bob")

	_, err := join(f, session.SessionID, "alice", "c1")
	require.NoError(t, err)
	_, err = join(f, session.SessionID, "bob", "c2")
	require.NoError(t, err)

	res, err := join(f, session.SessionID, "bob", "c3")

	require.NoError(t, err)
	assert.True(t, res.Reattached)
}

func TestJoin_Authorization(t *testing.T) {
	t.Run("stranger is rejected", func(t *testing.T) {
		f := newFixture(t, Options{})
		session := f.initiate(t, "alice", domain.SessionTypeGroup, "bob")

		_, err := join(f, session.SessionID, "mallory", "c1")

		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))
		assert.Empty(t, f.rec.all())
	})

	t.Run("open join admits anyone", func(t *testing.T) {
		f := newFixture(t, Options{OpenJoin: true})
		session := f.initiate(t, "alice", domain.SessionTypeGroup)

		_, err := join(f, session.SessionID, "mallory", "c1")

		assert.NoError(t, err)
	})

	t.Run("previous participant may rejoin", func(t *testing.T) {
		f := newFixture(t, Options{OpenJoin: true})
		session := f.initiate(t, "alice", domain.SessionTypeGroup)
		_, err := join(f, session.SessionID, "alice", "c0")
		require.NoError(t, err)
		_, err = join(f, session.SessionID, "dave", "c1")
		require.NoError(t, err)
		require.NoError(t, f.svc.Leave(context.Background(), LeaveInput{SessionID: session.SessionID, UserID: "dave"}))

		f.svc.opts.OpenJoin = false
		_, err = join(f, session.SessionID, "dave", "c2")

		assert.NoError(t, err)
	})
}

func TestJoin_UnknownSession(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := join(f, "call_missing", "alice", "c1")

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallNotFound))
}

func TestJoin_ImplicitCreate(t *testing.T) {
	f := newFixture(t, Options{ImplicitCreate: true, DefaultMaxParticipants: 4})

	res, err := join(f, "room-42", "alice", "c1")
	require.NoError(t, err)

	assert.Equal(t, "room-42", res.Session.SessionID)
	assert.Equal(t, "alice", res.Session.InitiatorID)
	assert.Equal(t, domain.SessionTypeGroup, res.Session.SessionType)
	assert.Equal(t, 4, res.Session.MaxParticipants)
	assert.Equal(t, domain.SessionStatusActive, res.Session.Status)
}

func TestLeave_LastParticipantEndsSession(t *testing.T) {
	f := newFixture(t, Options{})
	session := f.initiate(t, "alice", domain.SessionTypeOneToOne, "bob")
	ctx := context.Background()

	_, err := join(f, session.SessionID, "alice", "c1")
	require.NoError(t, err)
	_, err = join(f, session.SessionID, "bob", "c2")
	require.NoError(t, err)
	f.clock.Advance(90 * time.Second)

	require.NoError(t, f.svc.Leave(ctx, LeaveInput{SessionID: session.SessionID, UserID: "alice"}))
	stored := f.repo.stored(session.SessionID)
	assert.Equal(t, domain.SessionStatusActive, stored.Status)
	assert.Len(t, f.svc.ActiveMembers(session.SessionID), 1)

	require.NoError(t, f.svc.Leave(ctx, LeaveInput{SessionID: session.SessionID, UserID: "bob"}))
	stored = f.repo.stored(session.SessionID)
	assert.Equal(t, domain.SessionStatusEnded, stored.Status)
	require.NotNil(t, stored.EndTime)
	assert.Equal(t, 90, stored.Duration)
	assert.Equal(t, 2, stored.DurationInMinutes())
	assert.Nil(t, f.svc.ActiveMembers(session.SessionID))

	for _, p := range stored.Participants {
		assert.False(t, p.IsActive)
		assert.NotNil(t, p.LeftAt)
	}

	ended := f.rec.ofType(domain.EventSessionEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, 90, ended[0].Duration)

	// leaving again is a no-op
	require.NoError(t, f.svc.Leave(ctx, LeaveInput{SessionID: session.SessionID, UserID: "bob"}))
	assert.Len(t, f.rec.ofType(domain.EventSessionEnded), 1)
}

func TestLeave_UnknownSessionIsNoop(t *testing.T) {
	f := newFixture(t, Options{})

	err := f.svc.Leave(context.Background(), LeaveInput{SessionID: "call_missing", UserID: "alice"})

	assert.NoError(t, err)
	assert.Empty(t, f.rec.all())
}

func TestLeave_ConcurrentLastLeaveEndsOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t, Options{})
		session := f.initiate(t, "alice", domain.SessionTypeOneToOne, "bob")
		_, err := join(f, session.SessionID, "alice", "c1")
		require.NoError(t, err)
		_, err = join(f, session.SessionID, "bob", "c2")
		require.NoError(t, err)

		var wg sync.WaitGroup
		for _, user := range []string{"alice", "bob", "alice", "bob"} {
			wg.Add(1)
			go func(user string) {
				defer wg.Done()
				assert.NoError(t, f.svc.Leave(context.Background(), LeaveInput{SessionID: session.SessionID, UserID: user}))
			}(user)
		}
		wg.Wait()

		assert.Len(t, f.rec.ofType(domain.EventSessionEnded), 1)
		assert.Len(t, f.rec.ofType(domain.EventParticipantLeft), 2)
		assert.Equal(t, domain.SessionStatusEnded, f.repo.stored(session.SessionID).Status)
	}
}

func TestJoin_ConcurrentJoinsRespectCapacity(t *testing.T) {
	f := newFixture(t, Options{OpenJoin: true})
	session, err := f.svc.Initiate(context.Background(), InitiateInput{
		InitiatorID:     "host",
		SessionType:     domain.SessionTypeGroup,
		MaxParticipants: 3,
	})
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		full     int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := join(f, session.SessionID, fmt.Sprintf("user-%d", i), fmt.Sprintf("conn-%d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case apperrors.HasCode(err, apperrors.ErrCodeSessionFull):
				full++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, accepted)
	assert.Equal(t, 7, full)
	assert.Equal(t, 3, ActiveCount(f.repo.stored(session.SessionID)))
}

func TestLeave_StaleDisconnectIgnored(t *testing.T) {
	f := newFixture(t, Options{})
	session := f.initiate(t, "alice", domain.SessionTypeGroup)
	ctx := context.Background()

	_, err := join(f, session.SessionID, "alice", "c1")
	require.NoError(t, err)
	_, err = join(f, session.SessionID, "alice", "c2")
	require.NoError(t, err)

	err = f.svc.Leave(ctx, LeaveInput{SessionID: session.SessionID, UserID: "alice", ConnectionID: "c1", Disconnect: true})
	require.NoError(t, err)

	stored := f.repo.stored(session.SessionID)
	assert.Equal(t, domain.SessionStatusActive, stored.Status)
	assert.Equal(t, "c2", FindActive(stored, "alice").ConnectionID)
	assert.Empty(t, f.rec.ofType(domain.EventParticipantLeft))

	err = f.svc.Leave(ctx, LeaveInput{SessionID: session.SessionID, UserID: "alice", ConnectionID: "c2", Disconnect: true})
	require.NoError(t, err)

	left := f.rec.ofType(domain.EventParticipantLeft)
	require.Len(t, left, 1)
	assert.True(t, left[0].Disconnected)
	assert.Len(t, f.rec.ofType(domain.EventSessionEnded), 1)
}

func TestUpdateMedia(t *testing.T) {
	f := newFixture(t, Options{})
	session := f.initiate(t, "alice", domain.SessionTypeGroup, "bob")
	ctx := context.Background()
	_, err := join(f, session.SessionID, "alice", "c1")
	require.NoError(t, err)

	off := false
	on := true

	t.Run("empty patch", func(t *testing.T) {
		_, err := f.svc.UpdateMedia(ctx, session.SessionID, "alice", domain.MediaPatch{})
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
	})

	t.Run("inactive user is a no-op", func(t *testing.T) {
		p, err := f.svc.UpdateMedia(ctx, session.SessionID, "bob", domain.MediaPatch{HasVideo: &off})
		assert.NoError(t, err)
		assert.Nil(t, p)
		assert.Empty(t, f.rec.ofType(domain.EventMediaChanged))
	})

	t.Run("partial patch", func(t *testing.T) {
		p, err := f.svc.UpdateMedia(ctx, session.SessionID, "alice", domain.MediaPatch{HasVideo: &off, IsScreenSharing: &on})
		require.NoError(t, err)
		assert.False(t, p.HasVideo)
		assert.True(t, p.HasAudio)
		assert.True(t, p.IsScreenSharing)

		events := f.rec.ofType(domain.EventMediaChanged)
		require.Len(t, events, 1)
		assert.Equal(t, "alice", events[0].Participant.UserID)
		assert.False(t, f.svc.ActiveMembers(session.SessionID)[0].HasVideo)
	})

	t.Run("unknown session", func(t *testing.T) {
		_, err := f.svc.UpdateMedia(ctx, "call_missing", "alice", domain.MediaPatch{HasVideo: &off})
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallNotFound))
	})
}

func TestEnd(t *testing.T) {
	f := newFixture(t, Options{})
	session := f.initiate(t, "alice", domain.SessionTypeGroup, "bob", "carol")
	ctx := context.Background()
	_, err := join(f, session.SessionID, "bob", "c2")
	require.NoError(t, err)
	_, err = join(f, session.SessionID, "carol", "c3")
	require.NoError(t, err)
	f.clock.Advance(5 * time.Minute)

	_, err = f.svc.End(ctx, session.SessionID, "mallory")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))

	ended, err := f.svc.End(ctx, session.SessionID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusEnded, ended.Status)
	assert.Equal(t, 300, ended.Duration)
	assert.Equal(t, 5, ended.DurationInMinutes())
	assert.Equal(t, 0, ActiveCount(ended))

	events := f.rec.ofType(domain.EventSessionEnded)
	require.Len(t, events, 1)
	assert.Equal(t, "alice", events[0].EndedBy)
	assert.ElementsMatch(t, []string{"c2", "c3"}, events[0].Released)

	_, err = f.svc.End(ctx, session.SessionID, "alice")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAlreadyEnded))

	_, err = join(f, session.SessionID, "bob", "c4")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAlreadyEnded))
}

func TestEvents_SequenceIncreasesPerSession(t *testing.T) {
	f := newFixture(t, Options{})
	session := f.initiate(t, "alice", domain.SessionTypeGroup, "bob")
	ctx := context.Background()
	on := true

	_, err := join(f, session.SessionID, "alice", "c1")
	require.NoError(t, err)
	_, err = join(f, session.SessionID, "bob", "c2")
	require.NoError(t, err)
	_, err = f.svc.UpdateMedia(ctx, session.SessionID, "bob", domain.MediaPatch{HasAudio: &on})
	require.NoError(t, err)
	require.NoError(t, f.svc.Leave(ctx, LeaveInput{SessionID: session.SessionID, UserID: "bob"}))
	_, err = f.svc.End(ctx, session.SessionID, "alice")
	require.NoError(t, err)

	events := f.rec.all()
	require.Len(t, events, 5)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Sequence, events[i-1].Sequence)
	}
	assert.Equal(t, f.repo.stored(session.SessionID).Version, events[len(events)-1].Sequence)
}

func TestJoin_StoreTimeoutLeavesNoPartialState(t *testing.T) {
	f := newFixture(t, Options{})
	f.svc.store.timeout = 30 * time.Millisecond
	session := f.initiate(t, "alice", domain.SessionTypeGroup)

	f.repo.updateHook = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	_, err := join(f, session.SessionID, "alice", "c1")

	assert.True(t, apperrors.IsTransient(err))
	assert.Empty(t, f.rec.all())
	assert.Nil(t, f.svc.ActiveMembers(session.SessionID))
	stored := f.repo.stored(session.SessionID)
	assert.Equal(t, domain.SessionStatusWaiting, stored.Status)
	assert.Empty(t, stored.Participants)

	// the session stays usable once the store recovers
	f.repo.updateHook = nil
	_, err = join(f, session.SessionID, "alice", "c1")
	assert.NoError(t, err)
}

func TestJoin_CancelledContext(t *testing.T) {
	f := newFixture(t, Options{})
	session := f.initiate(t, "alice", domain.SessionTypeGroup)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.Join(ctx, JoinInput{SessionID: session.SessionID, UserID: "alice", ConnectionID: "c1"})

	assert.True(t, apperrors.IsTransient(err))
	assert.Empty(t, f.repo.stored(session.SessionID).Participants)
}

func TestJoin_RepositoryFailure(t *testing.T) {
	// Setup expectations
	repo := new(MockRepository)
	repo.On("GetByID", mock.Anything, "call_1").Return(nil, errors.New("connection refused"))

	svc := NewService(NewStore(repo, time.Second, nil), NewKeyedLocker(), Options{}, nil)

	// Execute
	_, err := svc.Join(context.Background(), JoinInput{SessionID: "call_1", UserID: "alice", ConnectionID: "c1"})

	// Assert
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDatabase))
	repo.AssertExpectations(t)
	repo.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
}

func TestInitiate_RetriesGeneratedIDCollision(t *testing.T) {
	// Setup expectations
	repo := new(MockRepository)
	repo.On("Create", mock.Anything, mock.AnythingOfType("*domain.CallSession")).
		Return(apperrors.DuplicateSessionIDError("taken")).Once()
	repo.On("Create", mock.Anything, mock.AnythingOfType("*domain.CallSession")).
		Return(nil).Once()

	svc := NewService(NewStore(repo, time.Second, nil), NewKeyedLocker(), Options{}, nil)

	// Execute
	session, err := svc.Initiate(context.Background(), InitiateInput{InitiatorID: "alice"})

	// Assert
	require.NoError(t, err)
	assert.NotEmpty(t, session.SessionID)
	repo.AssertNumberOfCalls(t, "Create", 2)
}

func TestGetSession_Access(t *testing.T) {
	f := newFixture(t, Options{})
	session := f.initiate(t, "alice", domain.SessionTypeGroup, "bob")
	ctx := context.Background()

	_, err := f.svc.GetSession(ctx, session.SessionID, "alice")
	assert.NoError(t, err)
	_, err = f.svc.GetSession(ctx, session.SessionID, "bob")
	assert.NoError(t, err)
	_, err = f.svc.GetSession(ctx, session.SessionID, "mallory")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))
	_, err = f.svc.GetSession(ctx, "call_missing", "alice")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallNotFound))
}

func TestListHistory(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	var ids []string
	for i := 0; i < 5; i++ {
		s := f.initiate(t, "alice", domain.SessionTypeGroup)
		ids = append(ids, s.SessionID)
		f.clock.Advance(time.Minute)
	}
	_, err := f.svc.End(ctx, ids[0], "alice")
	require.NoError(t, err)

	page, err := f.svc.ListHistory(ctx, "alice", "", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 3, page.TotalPages)
	require.Len(t, page.Sessions, 2)
	assert.Equal(t, ids[4], page.Sessions[0].SessionID)

	page, err = f.svc.ListHistory(ctx, "alice", domain.SessionStatusEnded, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	_, err = f.svc.ListHistory(ctx, "alice", "bogus", 1, 20)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
}

func TestLifecycle_InstrumentedStore(t *testing.T) {
	m := metrics.NewMetrics("call-service-test")
	clock := newFakeClock()
	store := NewStore(newMemRepo(), time.Second, m)
	store.now = clock.Now
	svc := NewService(store, NewKeyedLocker(), Options{}, m)
	svc.now = clock.Now
	ctx := context.Background()

	assert.NotPanics(t, func() {
		session, err := svc.Initiate(ctx, InitiateInput{InitiatorID: "alice", Invitees: []string{"bob"}})
		require.NoError(t, err)

		_, err = svc.Join(ctx, JoinInput{SessionID: session.SessionID, UserID: "alice", ConnectionID: "c1"})
		require.NoError(t, err)
		_, err = svc.Join(ctx, JoinInput{SessionID: session.SessionID, UserID: "bob", ConnectionID: "c2"})
		require.NoError(t, err)
		require.NoError(t, svc.Leave(ctx, LeaveInput{SessionID: session.SessionID, UserID: "bob", ConnectionID: "c2"}))

		clock.Advance(time.Minute)
		ended, err := svc.End(ctx, session.SessionID, "alice")
		require.NoError(t, err)
		assert.Equal(t, domain.SessionStatusEnded, ended.Status)
		assert.Equal(t, 60, ended.Duration)

		_, err = svc.GetSession(ctx, "call_missing", "alice")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallNotFound))
	})
}

func TestLeave_ForeignConnectionIgnored(t *testing.T) {
	f := newFixture(t, Options{})
	session := f.initiate(t, "alice", domain.SessionTypeGroup, "bob", "mallory")
	ctx := context.Background()

	_, err := join(f, session.SessionID, "alice", "c1")
	require.NoError(t, err)
	_, err = join(f, session.SessionID, "bob", "c2")
	require.NoError(t, err)

	err = f.svc.Leave(ctx, LeaveInput{SessionID: session.SessionID, UserID: "mallory", ConnectionID: "c1"})
	require.NoError(t, err)
	err = f.svc.Leave(ctx, LeaveInput{SessionID: session.SessionID, UserID: "mallory", ConnectionID: "c1", Disconnect: true})
	require.NoError(t, err)

	stored := f.repo.stored(session.SessionID)
	require.NotNil(t, FindActive(stored, "alice"))
	assert.Equal(t, "c1", FindActive(stored, "alice").ConnectionID)
	assert.Equal(t, 2, ActiveCount(stored))
	assert.Empty(t, f.rec.ofType(domain.EventParticipantLeft))

	err = f.svc.Leave(ctx, LeaveInput{SessionID: session.SessionID, ConnectionID: "c1"})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMissingField))
}

func TestJoin_ConnectionBoundToAnotherUser(t *testing.T) {
	f := newFixture(t, Options{})
	session := f.initiate(t, "alice", domain.SessionTypeGroup, "bob")

	_, err := join(f, session.SessionID, "alice", "c1")
	require.NoError(t, err)

	_, err = join(f, session.SessionID, "bob", "c1")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))

	members := f.svc.ActiveMembers(session.SessionID)
	require.Len(t, members, 1)
	assert.Equal(t, "alice", members[0].UserID)
	assert.Len(t, f.rec.ofType(domain.EventParticipantJoined), 1)

	// the owner may re-attach on the same connection
	res, err := join(f, session.SessionID, "alice", "c1")
	require.NoError(t, err)
	assert.True(t, res.Reattached)

	// once alice moves to another connection c1 is free again
	_, err = join(f, session.SessionID, "alice", "c9")
	require.NoError(t, err)
	_, err = join(f, session.SessionID, "bob", "c1")
	require.NoError(t, err)
	assert.Len(t, f.svc.ActiveMembers(session.SessionID), 2)
}
