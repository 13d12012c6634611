package call

import (
	"context"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"callsession-backend/internal/domain"
	apperrors "callsession-backend/pkg/errors"
	"callsession-backend/pkg/logger"
	"callsession-backend/pkg/metrics"
	"callsession-backend/pkg/pagination"
	"callsession-backend/pkg/sanitize"
)

// EventPublisher receives committed session events. Publish is called while the
// session lock is held, so implementations must not block or call back into Service.
type EventPublisher interface {
	Publish(event domain.Event)
}

// PublisherFunc adapts a function to EventPublisher
type PublisherFunc func(event domain.Event)

// Publish calls f(event)
func (f PublisherFunc) Publish(event domain.Event) { f(event) }

// Options holds call-control policy
type Options struct {
	DefaultMaxParticipants int
	MaxParticipantsCap     int
	LockTimeout            time.Duration
	// OpenJoin lets any authenticated user join a session they were not invited to
	OpenJoin bool
	// ImplicitCreate creates a group session when a join names an unknown ID
	ImplicitCreate bool
}

// Service is the lifecycle controller for call sessions. All mutations of one
// session are serialized through its lock and committed through the Store.
type Service struct {
	store   *Store
	locker  Locker
	opts    Options
	metrics *metrics.Metrics
	now     func() time.Time

	pubMu      sync.RWMutex
	publishers []EventPublisher

	// members caches the active participants of each live session,
	// refreshed on every commit
	members sync.Map
}

// NewService creates a new call service
func NewService(store *Store, locker Locker, opts Options, m *metrics.Metrics) *Service {
	if opts.DefaultMaxParticipants < 2 {
		opts.DefaultMaxParticipants = 8
	}
	if opts.MaxParticipantsCap < opts.DefaultMaxParticipants {
		opts.MaxParticipantsCap = opts.DefaultMaxParticipants
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 5 * time.Second
	}
	return &Service{
		store:   store,
		locker:  locker,
		opts:    opts,
		metrics: m,
		now:     time.Now,
	}
}

// Subscribe registers a publisher for committed events
func (s *Service) Subscribe(p EventPublisher) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	s.publishers = append(s.publishers, p)
}

// InitiateInput contains the request to start a session
type InitiateInput struct {
	InitiatorID      string
	SessionType      domain.SessionType
	MaxParticipants  int
	Settings         *domain.CallSettings
	Invitees         []string
	TherapySessionID string
	Metadata         domain.SessionMetadata
}

// Initiate creates a new session in the waiting state
func (s *Service) Initiate(ctx context.Context, in InitiateInput) (*domain.CallSession, error) {
	if in.InitiatorID == "" {
		return nil, apperrors.MissingFieldError("initiator_id")
	}
	if in.SessionType == "" {
		in.SessionType = domain.SessionTypeGroup
	}
	if !in.SessionType.Valid() {
		return nil, apperrors.InvalidInputError("Unknown session type: " + string(in.SessionType))
	}

	maxParticipants := in.MaxParticipants
	switch {
	case in.SessionType == domain.SessionTypeOneToOne:
		maxParticipants = 2
	case maxParticipants == 0:
		maxParticipants = s.opts.DefaultMaxParticipants
	}
	if maxParticipants < 2 || maxParticipants > s.opts.MaxParticipantsCap {
		return nil, apperrors.InvalidInputError("max_participants must be between 2 and the configured cap").
			WithDetails(map[string]int{"min": 2, "max": s.opts.MaxParticipantsCap})
	}

	settings := domain.DefaultCallSettings()
	if in.Settings != nil {
		settings = *in.Settings
	}

	invitees := lo.Without(lo.Uniq(lo.Compact(in.Invitees)), in.InitiatorID)

	session, err := s.store.Create(ctx, CreateInput{
		SessionType:      in.SessionType,
		InitiatorID:      in.InitiatorID,
		MaxParticipants:  maxParticipants,
		Settings:         settings,
		Invitees:         invitees,
		TherapySessionID: in.TherapySessionID,
		Metadata:         cleanMetadata(in.Metadata),
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordSessionCreated(string(session.SessionType))
	logger.FromContext(ctx).Info("Call session initiated",
		zap.String("session_id", session.SessionID),
		zap.String("initiator_id", session.InitiatorID),
		zap.String("session_type", string(session.SessionType)),
		zap.Int("max_participants", session.MaxParticipants))

	return session, nil
}

// JoinInput contains the request to attach a connection to a session
type JoinInput struct {
	SessionID    string
	UserID       string
	DisplayName  string
	ConnectionID string
	PeerID       string
}

// JoinResult is returned by a successful join
type JoinResult struct {
	Session      *domain.CallSession
	Participants []domain.Participant
	Reattached   bool
}

// Join attaches the user's connection to the session. A user already active in
// the session is re-attached to the new connection instead of being added twice.
func (s *Service) Join(ctx context.Context, in JoinInput) (*JoinResult, error) {
	if in.SessionID == "" {
		return nil, apperrors.MissingFieldError("session_id")
	}
	if in.UserID == "" {
		return nil, apperrors.MissingFieldError("user_id")
	}
	if in.ConnectionID == "" {
		return nil, apperrors.MissingFieldError("connection_id")
	}
	if in.PeerID == "" {
		in.PeerID = in.ConnectionID
	}

	unlock, err := s.lock(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := s.loadForJoin(ctx, in)
	if err != nil {
		s.metrics.RecordJoinRejected(rejectReason(err))
		return nil, err
	}
	if current.IsEnded() {
		s.metrics.RecordJoinRejected("ended")
		return nil, apperrors.AlreadyEndedError()
	}
	if !s.canJoin(current, in.UserID) {
		s.metrics.RecordJoinRejected("forbidden")
		return nil, apperrors.ForbiddenError("You are not invited to this call")
	}
	if owner := connectionOwner(current, in.ConnectionID); owner != "" && owner != in.UserID {
		s.metrics.RecordJoinRejected("connection_taken")
		return nil, apperrors.ForbiddenError("Connection is bound to another participant")
	}

	now := s.now().UTC()
	next := current.Clone()
	attach, err := AddParticipant(next, in.UserID, sanitize.DisplayName(in.DisplayName), in.ConnectionID, in.PeerID, now)
	if err != nil {
		s.metrics.RecordJoinRejected(rejectReason(err))
		return nil, err
	}
	activated := next.Status == domain.SessionStatusWaiting
	if activated {
		next.Status = domain.SessionStatusActive
	}

	if err := s.commit(ctx, next, now); err != nil {
		return nil, err
	}

	if activated {
		s.metrics.SessionActivated()
	}
	s.metrics.RecordJoin(attach.Reattached)

	row := *attach.Row
	s.publish(domain.Event{
		Type:                 domain.EventParticipantJoined,
		SessionID:            next.SessionID,
		Sequence:             next.Version,
		Participant:          &row,
		PreviousConnectionID: attach.PreviousConnectionID,
		OccurredAt:           now,
	})

	logger.Session(ctx, next.SessionID).Info("Participant joined",
		zap.String("user_id", in.UserID),
		zap.String("connection_id", in.ConnectionID),
		zap.Bool("reattached", attach.Reattached),
		zap.Int("active", ActiveCount(next)))

	return &JoinResult{
		Session:      next.Clone(),
		Participants: ActiveParticipants(next),
		Reattached:   attach.Reattached,
	}, nil
}

// LeaveInput contains the request to detach a participant
type LeaveInput struct {
	SessionID    string
	UserID       string
	ConnectionID string
	// Disconnect marks a departure caused by transport loss. The row is only
	// removed while it is still bound to ConnectionID.
	Disconnect bool
}

// Leave deactivates the participant. Leaving an unknown or ended session, or
// leaving twice, is a no-op. The session ends when its last participant leaves.
func (s *Service) Leave(ctx context.Context, in LeaveInput) error {
	if in.SessionID == "" {
		return apperrors.MissingFieldError("session_id")
	}
	if in.UserID == "" {
		return apperrors.MissingFieldError("user_id")
	}

	unlock, err := s.lock(ctx, in.SessionID)
	if err != nil {
		return err
	}
	defer unlock()

	current, err := s.store.Get(ctx, in.SessionID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeCallNotFound) {
			return nil
		}
		return err
	}
	if current.IsEnded() {
		return nil
	}
	if in.Disconnect {
		row := findActive(current, in.UserID)
		if row == nil || row.ConnectionID != in.ConnectionID {
			// the user already re-attached elsewhere
			return nil
		}
	}

	now := s.now().UTC()
	next := current.Clone()
	removed := RemoveParticipant(next, in.UserID, in.ConnectionID, now)
	if removed == nil {
		return nil
	}

	ended := ActiveCount(next) == 0
	wasActive := current.Status == domain.SessionStatusActive
	if ended {
		endSession(next, now)
	}

	if err := s.commit(ctx, next, now); err != nil {
		return err
	}

	reason := "leave"
	if in.Disconnect {
		reason = "disconnect"
	}
	s.metrics.RecordLeave(reason)

	row := *removed
	s.publish(domain.Event{
		Type:         domain.EventParticipantLeft,
		SessionID:    next.SessionID,
		Sequence:     next.Version,
		Participant:  &row,
		Disconnected: in.Disconnect,
		OccurredAt:   now,
	})

	log := logger.Session(ctx, next.SessionID)
	log.Info("Participant left",
		zap.String("user_id", removed.UserID),
		zap.String("reason", reason))

	if ended {
		s.metrics.RecordSessionEnded(string(next.SessionType), "empty", wasActive, time.Duration(next.Duration)*time.Second)
		s.publish(domain.Event{
			Type:       domain.EventSessionEnded,
			SessionID:  next.SessionID,
			Sequence:   next.Version,
			Duration:   next.Duration,
			OccurredAt: now,
		})
		log.Info("Call session ended after last participant left",
			zap.Int("duration_seconds", next.Duration))
	}

	return nil
}

// UpdateMedia changes the caller's media flags. A user without an active row
// gets (nil, nil) and nothing is committed.
func (s *Service) UpdateMedia(ctx context.Context, sessionID, userID string, patch domain.MediaPatch) (*domain.Participant, error) {
	if sessionID == "" {
		return nil, apperrors.MissingFieldError("session_id")
	}
	if userID == "" {
		return nil, apperrors.MissingFieldError("user_id")
	}
	if patch.Empty() {
		return nil, apperrors.InvalidInputError("At least one media field is required")
	}

	unlock, err := s.lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := s.store.GetActive(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	next := current.Clone()
	row := UpdateMedia(next, userID, patch)
	if row == nil {
		return nil, nil
	}

	if err := s.commit(ctx, next, now); err != nil {
		return nil, err
	}
	s.metrics.RecordMediaUpdate()

	updated := *row
	s.publish(domain.Event{
		Type:        domain.EventMediaChanged,
		SessionID:   next.SessionID,
		Sequence:    next.Version,
		Participant: &updated,
		OccurredAt:  now,
	})

	return &updated, nil
}

// End terminates the session on behalf of requestedBy, who must be the
// initiator or an active participant.
func (s *Service) End(ctx context.Context, sessionID, requestedBy string) (*domain.CallSession, error) {
	if sessionID == "" {
		return nil, apperrors.MissingFieldError("session_id")
	}

	unlock, err := s.lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if current.IsEnded() {
		return nil, apperrors.AlreadyEndedError()
	}
	if !current.IsInitiator(requestedBy) && findActive(current, requestedBy) == nil {
		return nil, apperrors.ForbiddenError("Only the initiator or an active participant can end the call")
	}

	now := s.now().UTC()
	next := current.Clone()
	released := deactivateAll(next, now)
	wasActive := current.Status == domain.SessionStatusActive
	endSession(next, now)

	if err := s.commit(ctx, next, now); err != nil {
		return nil, err
	}

	s.metrics.RecordSessionEnded(string(next.SessionType), "ended_by_user", wasActive, time.Duration(next.Duration)*time.Second)
	s.publish(domain.Event{
		Type:       domain.EventSessionEnded,
		SessionID:  next.SessionID,
		Sequence:   next.Version,
		EndedBy:    requestedBy,
		Duration:   next.Duration,
		Released:   released,
		OccurredAt: now,
	})

	logger.Session(ctx, next.SessionID).Info("Call session ended",
		zap.String("ended_by", requestedBy),
		zap.Int("duration_seconds", next.Duration),
		zap.Int("released_connections", len(released)))

	return next.Clone(), nil
}

// GetSession returns the session if requestedBy is the initiator, an invitee or a participant
func (s *Service) GetSession(ctx context.Context, sessionID, requestedBy string) (*domain.CallSession, error) {
	session, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.IsInitiator(requestedBy) &&
		!lo.Contains(session.Invitees, requestedBy) &&
		!HasParticipated(session, requestedBy) {
		return nil, apperrors.ForbiddenError("Access denied")
	}
	return session, nil
}

// HistoryPage is one page of a user's call history
type HistoryPage struct {
	Sessions   []*domain.CallSession
	Total      int
	Page       int
	Limit      int
	TotalPages int
}

// ListHistory returns sessions the user initiated or took part in, newest first.
// An empty status lists every status.
func (s *Service) ListHistory(ctx context.Context, userID string, status domain.SessionStatus, page, limit int) (*HistoryPage, error) {
	if userID == "" {
		return nil, apperrors.MissingFieldError("user_id")
	}
	if status != "" && !status.Valid() {
		return nil, apperrors.InvalidInputError("Unknown status: " + string(status))
	}
	params := pagination.Normalize(page, limit)

	sessions, total, err := s.store.ListByUser(ctx, userID, status, params.Limit, params.Offset)
	if err != nil {
		return nil, err
	}

	return &HistoryPage{
		Sessions:   sessions,
		Total:      total,
		Page:       params.Page,
		Limit:      params.Limit,
		TotalPages: pagination.CalculateTotalPages(total, params.Limit),
	}, nil
}

// ActiveMembers returns the active participants as of the last commit.
// It never touches the store and returns nil for unknown or ended sessions.
func (s *Service) ActiveMembers(sessionID string) []domain.Participant {
	v, ok := s.members.Load(sessionID)
	if !ok {
		return nil
	}
	return v.([]domain.Participant)
}

func (s *Service) loadForJoin(ctx context.Context, in JoinInput) (*domain.CallSession, error) {
	current, err := s.store.Get(ctx, in.SessionID)
	if err == nil || !s.opts.ImplicitCreate || !apperrors.HasCode(err, apperrors.ErrCodeCallNotFound) {
		return current, err
	}

	session, err := s.store.Create(ctx, CreateInput{
		SessionID:       in.SessionID,
		SessionType:     domain.SessionTypeGroup,
		InitiatorID:     in.UserID,
		MaxParticipants: s.opts.DefaultMaxParticipants,
		Settings:        domain.DefaultCallSettings(),
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordSessionCreated(string(session.SessionType))
	logger.Session(ctx, session.SessionID).Info("Call session created on first join",
		zap.String("initiator_id", in.UserID))
	return session, nil
}

func (s *Service) canJoin(session *domain.CallSession, userID string) bool {
	return s.opts.OpenJoin ||
		session.IsInitiator(userID) ||
		lo.Contains(session.Invitees, userID) ||
		HasParticipated(session, userID)
}

// lock acquires the session lock, bounded by LockTimeout unless ctx already has a deadline
func (s *Service) lock(ctx context.Context, sessionID string) (func(), error) {
	lockCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, s.opts.LockTimeout)
		defer cancel()
	}

	unlock, err := s.locker.Lock(lockCtx, sessionID)
	if err != nil {
		if apperrors.IsAppError(err) {
			return nil, err
		}
		return nil, apperrors.TransientError("Call session is busy, try again", err)
	}
	return unlock, nil
}

// commit persists next and, on success, makes it the visible membership
func (s *Service) commit(ctx context.Context, next *domain.CallSession, now time.Time) error {
	next.Version++
	next.UpdatedAt = now
	if err := s.store.Persist(ctx, next); err != nil {
		logger.Session(ctx, next.SessionID).Warn("Failed to persist call session",
			zap.Int64("version", next.Version),
			zap.Error(err))
		return err
	}

	if next.IsEnded() {
		s.members.Delete(next.SessionID)
	} else {
		s.members.Store(next.SessionID, ActiveParticipants(next))
	}
	return nil
}

func (s *Service) publish(event domain.Event) {
	s.pubMu.RLock()
	defer s.pubMu.RUnlock()
	for _, p := range s.publishers {
		p.Publish(event)
	}
}

func endSession(session *domain.CallSession, now time.Time) {
	end := now
	session.Status = domain.SessionStatusEnded
	session.EndTime = &end
	session.Duration = int(now.Sub(session.StartTime) / time.Second)
	if session.Duration < 0 {
		session.Duration = 0
	}
}

func rejectReason(err error) string {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return string(appErr.Code)
	}
	return "error"
}

func cleanMetadata(m domain.SessionMetadata) domain.SessionMetadata {
	return domain.SessionMetadata{
		Title:       sanitize.Text(m.Title, sanitize.MaxTitleLength),
		Description: sanitize.Text(m.Description, sanitize.MaxDescriptionLength),
		Tags:        sanitize.Tags(m.Tags),
	}
}
