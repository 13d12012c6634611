package cockroach

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"

	"callsession-backend/internal/domain"
	apperrors "callsession-backend/pkg/errors"
)

const callSessionsSchema = `
	CREATE TABLE IF NOT EXISTS call_sessions (
		session_id         TEXT PRIMARY KEY,
		session_type       TEXT NOT NULL,
		initiator_id       TEXT NOT NULL,
		status             TEXT NOT NULL,
		max_participants   INT NOT NULL,
		call_settings      JSONB NOT NULL,
		invitees           TEXT[] NOT NULL DEFAULT ARRAY[]::TEXT[],
		therapy_session_id TEXT NOT NULL DEFAULT '',
		metadata           JSONB NOT NULL DEFAULT '{}'::JSONB,
		start_time         TIMESTAMPTZ NOT NULL,
		end_time           TIMESTAMPTZ,
		duration           INT NOT NULL DEFAULT 0,
		participants       JSONB NOT NULL DEFAULT '[]'::JSONB,
		participant_ids    TEXT[] NOT NULL DEFAULT ARRAY[]::TEXT[],
		version            INT8 NOT NULL,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_call_sessions_initiator ON call_sessions (initiator_id, start_time DESC);
	CREATE INDEX IF NOT EXISTS idx_call_sessions_participant_ids ON call_sessions USING GIN (participant_ids);
`

const selectColumns = `
	session_id, session_type, initiator_id, status, max_participants,
	call_settings, invitees, therapy_session_id, metadata,
	start_time, end_time, duration, participants, version, created_at, updated_at
`

// CallRepository stores call sessions in CockroachDB
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// EnsureSchema creates the call_sessions table and its indexes
func (r *CallRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, callSessionsSchema); err != nil {
		return fmt.Errorf("failed to create call_sessions schema: %w", err)
	}
	return nil
}

// Create inserts a new session row
func (r *CallRepository) Create(ctx context.Context, s *domain.CallSession) error {
	settings, metadata, participants, err := encodeJSONColumns(s)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO call_sessions (
			session_id, session_type, initiator_id, status, max_participants,
			call_settings, invitees, therapy_session_id, metadata,
			start_time, end_time, duration, participants, participant_ids,
			version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	_, err = r.pool.Exec(ctx, query,
		s.SessionID,
		s.SessionType,
		s.InitiatorID,
		s.Status,
		s.MaxParticipants,
		settings,
		nonNil(s.Invitees),
		s.TherapySessionID,
		metadata,
		s.StartTime,
		s.EndTime,
		s.Duration,
		participants,
		participantIDs(s),
		s.Version,
		s.CreatedAt,
		s.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return apperrors.DuplicateSessionIDError(s.SessionID)
		}
		return mapPostgresError(err, "create call session")
	}

	return nil
}

// Update writes s if the stored row is still at s.Version-1
func (r *CallRepository) Update(ctx context.Context, s *domain.CallSession) error {
	_, _, participants, err := encodeJSONColumns(s)
	if err != nil {
		return err
	}

	query := `
		UPDATE call_sessions
		SET status = $2,
		    end_time = $3,
		    duration = $4,
		    participants = $5,
		    participant_ids = $6,
		    version = $7,
		    updated_at = $8
		WHERE session_id = $1 AND version = $9
	`

	tag, err := r.pool.Exec(ctx, query,
		s.SessionID,
		s.Status,
		s.EndTime,
		s.Duration,
		participants,
		participantIDs(s),
		s.Version,
		s.UpdatedAt,
		s.Version-1,
	)
	if err != nil {
		return mapPostgresError(err, "update call session")
	}

	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM call_sessions WHERE session_id = $1)`, s.SessionID).Scan(&exists); err != nil {
			return mapPostgresError(err, "check call session")
		}
		if !exists {
			return apperrors.CallNotFoundError()
		}
		return apperrors.TransientError("Call session was modified concurrently", nil)
	}

	return nil
}

// GetByID retrieves a session by ID
func (r *CallRepository) GetByID(ctx context.Context, sessionID string) (*domain.CallSession, error) {
	query := `SELECT ` + selectColumns + ` FROM call_sessions WHERE session_id = $1`

	s, err := scanSession(r.pool.QueryRow(ctx, query, sessionID))
	if err != nil {
		return nil, mapPostgresError(err, "get call session")
	}
	return s, nil
}

// ListByUser returns sessions the user initiated or joined, newest first
func (r *CallRepository) ListByUser(ctx context.Context, userID string, status domain.SessionStatus, limit, offset int) ([]*domain.CallSession, int, error) {
	where := `(initiator_id = $1 OR $1 = ANY(participant_ids)) AND ($2 = '' OR status = $2)`

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM call_sessions WHERE `+where, userID, string(status)).Scan(&total); err != nil {
		return nil, 0, mapPostgresError(err, "count call sessions")
	}

	query := `SELECT ` + selectColumns + ` FROM call_sessions WHERE ` + where + `
		ORDER BY start_time DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.pool.Query(ctx, query, userID, string(status), limit, offset)
	if err != nil {
		return nil, 0, mapPostgresError(err, "list call sessions")
	}
	defer rows.Close()

	sessions := make([]*domain.CallSession, 0, limit)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, 0, mapPostgresError(err, "scan call session")
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, mapPostgresError(err, "list call sessions")
	}

	return sessions, total, nil
}

func scanSession(row pgx.Row) (*domain.CallSession, error) {
	var (
		s            domain.CallSession
		settings     []byte
		metadata     []byte
		participants []byte
	)
	err := row.Scan(
		&s.SessionID,
		&s.SessionType,
		&s.InitiatorID,
		&s.Status,
		&s.MaxParticipants,
		&settings,
		&s.Invitees,
		&s.TherapySessionID,
		&metadata,
		&s.StartTime,
		&s.EndTime,
		&s.Duration,
		&participants,
		&s.Version,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(settings, &s.Settings); err != nil {
		return nil, fmt.Errorf("decode call_settings: %w", err)
	}
	if err := json.Unmarshal(metadata, &s.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if err := json.Unmarshal(participants, &s.Participants); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}
	return &s, nil
}

func encodeJSONColumns(s *domain.CallSession) (settings, metadata, participants []byte, err error) {
	if settings, err = json.Marshal(s.Settings); err != nil {
		return nil, nil, nil, apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to encode call settings", err)
	}
	if metadata, err = json.Marshal(s.Metadata); err != nil {
		return nil, nil, nil, apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to encode metadata", err)
	}
	if participants, err = json.Marshal(nonNil(s.Participants)); err != nil {
		return nil, nil, nil, apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to encode participants", err)
	}
	return settings, metadata, participants, nil
}

// participantIDs is the denormalized user list used by the history query
func participantIDs(s *domain.CallSession) []string {
	return lo.Uniq(lo.Map(s.Participants, func(p *domain.Participant, _ int) string {
		return p.UserID
	}))
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
