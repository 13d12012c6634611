package call

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"callsession-backend/internal/domain"
	apperrors "callsession-backend/pkg/errors"
	"callsession-backend/pkg/logger"
	"callsession-backend/pkg/metrics"
)

const (
	maxIDAttempts = 5
	idAlphabet    = "abcdefghijklmnopqrstuvwxyz0123456789"
	idSuffixLen   = 9
)

// Repository is the durable backing of the Session Store.
// Implementations return app errors: CALL_NOT_FOUND on a missing row,
// DUPLICATE_SESSION_ID when Create hits an existing ID, and TRANSIENT when
// Update finds the stored row is not at session.Version-1.
type Repository interface {
	Create(ctx context.Context, session *domain.CallSession) error
	Update(ctx context.Context, session *domain.CallSession) error
	GetByID(ctx context.Context, sessionID string) (*domain.CallSession, error)
	ListByUser(ctx context.Context, userID string, status domain.SessionStatus, limit, offset int) ([]*domain.CallSession, int, error)
}

// CreateInput carries the fields of a new session
type CreateInput struct {
	// SessionID is optional; one is generated when empty
	SessionID        string
	SessionType      domain.SessionType
	InitiatorID      string
	MaxParticipants  int
	Settings         domain.CallSettings
	Invitees         []string
	TherapySessionID string
	Metadata         domain.SessionMetadata
}

// Store persists call sessions with bounded latency
type Store struct {
	repo    Repository
	timeout time.Duration
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewStore creates a Store. Every repository call is bounded by timeout.
func NewStore(repo Repository, timeout time.Duration, m *metrics.Metrics) *Store {
	return &Store{
		repo:    repo,
		timeout: timeout,
		metrics: m,
		now:     time.Now,
	}
}

// Create stores a new session in the waiting state. Generated IDs are retried
// on collision; a caller-supplied ID that already exists is reported as a duplicate.
func (s *Store) Create(ctx context.Context, in CreateInput) (*domain.CallSession, error) {
	explicit := in.SessionID != ""

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		now := s.now().UTC()
		id := in.SessionID
		if !explicit {
			id = newSessionID(now)
		}

		session := &domain.CallSession{
			SessionID:        id,
			SessionType:      in.SessionType,
			InitiatorID:      in.InitiatorID,
			Status:           domain.SessionStatusWaiting,
			MaxParticipants:  in.MaxParticipants,
			Settings:         in.Settings,
			Invitees:         in.Invitees,
			TherapySessionID: in.TherapySessionID,
			Metadata:         in.Metadata,
			StartTime:        now,
			Participants:     []*domain.Participant{},
			Version:          1,
			CreatedAt:        now,
			UpdatedAt:        now,
		}

		err := s.bounded(ctx, "create", func(ctx context.Context) error {
			return s.repo.Create(ctx, session)
		})
		if err == nil {
			return session, nil
		}
		if explicit || !apperrors.HasCode(err, apperrors.ErrCodeDuplicateSessionID) {
			return nil, err
		}
		logger.Warn("Session ID collision, regenerating",
			zap.String("session_id", id),
			zap.Int("attempt", attempt+1))
	}

	return nil, apperrors.InternalError("Failed to allocate a unique session ID")
}

// Get returns the session in any status
func (s *Store) Get(ctx context.Context, sessionID string) (*domain.CallSession, error) {
	var session *domain.CallSession
	err := s.bounded(ctx, "get", func(ctx context.Context) error {
		var err error
		session, err = s.repo.GetByID(ctx, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// GetActive returns the session only while it is waiting or active
func (s *Store) GetActive(ctx context.Context, sessionID string) (*domain.CallSession, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.IsEnded() {
		return nil, apperrors.CallNotFoundError()
	}
	return session, nil
}

// Persist writes a mutated session. The caller must hold the session lock and
// have bumped Version; a stale version is rejected as transient.
func (s *Store) Persist(ctx context.Context, session *domain.CallSession) error {
	return s.bounded(ctx, "update", func(ctx context.Context) error {
		return s.repo.Update(ctx, session)
	})
}

// ListByUser returns sessions the user initiated or participated in, newest first
func (s *Store) ListByUser(ctx context.Context, userID string, status domain.SessionStatus, limit, offset int) ([]*domain.CallSession, int, error) {
	var (
		sessions []*domain.CallSession
		total    int
	)
	err := s.bounded(ctx, "list", func(ctx context.Context) error {
		var err error
		sessions, total, err = s.repo.ListByUser(ctx, userID, status, limit, offset)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return sessions, total, nil
}

// bounded runs fn under the store timeout and normalizes its error
func (s *Store) bounded(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := opCtx.Err()
	if err == nil {
		err = fn(opCtx)
	}
	err = normalizeStoreError(opCtx, err)

	code := ""
	if err != nil {
		code = string(apperrors.GetAppError(err).Code)
	}
	s.metrics.RecordStoreOperation(op, time.Since(start), code)

	return err
}

func normalizeStoreError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperrors.TransientError("Session store timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return apperrors.TransientError("Session store operation cancelled", err)
	}
	if apperrors.IsAppError(err) {
		return err
	}
	return apperrors.DatabaseError(err)
}

// newSessionID builds call_<unix-ms>_<9 random chars>
func newSessionID(now time.Time) string {
	buf := make([]byte, idSuffixLen)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return fmt.Sprintf("call_%d_%s", now.UnixMilli(), buf)
}
