package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/dgraph-io/badger/v4"

	"callsession-backend/internal/domain"
	apperrors "callsession-backend/pkg/errors"
)

const (
	sessionPrefix = "call:"
	userPrefix    = "user_call:"
)

// CallRepository stores call sessions in an embedded Badger database.
// It backs single-node deployments and tests when CockroachDB is not configured.
type CallRepository struct {
	db *badger.DB
}

// NewCallRepository creates a new Badger-backed call repository
func NewCallRepository(db *badger.DB) *CallRepository {
	return &CallRepository{db: db}
}

// Create stores a new session and indexes it under its initiator
func (r *CallRepository) Create(ctx context.Context, s *domain.CallSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to encode call session", err)
	}

	err = r.db.Update(func(txn *badger.Txn) error {
		key := sessionKey(s.SessionID)
		if _, err := txn.Get(key); err == nil {
			return apperrors.DuplicateSessionIDError(s.SessionID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(userIndexKey(s.InitiatorID, s), nil)
	})
	return mapBadgerError(err, "create call session")
}

// Update writes s if the stored copy is still at s.Version-1
func (r *CallRepository) Update(ctx context.Context, s *domain.CallSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to encode call session", err)
	}

	err = r.db.Update(func(txn *badger.Txn) error {
		stored, err := readSession(txn, s.SessionID)
		if err != nil {
			return err
		}
		if stored.Version != s.Version-1 {
			return apperrors.TransientError(
				fmt.Sprintf("Call session was modified concurrently (stored version %d)", stored.Version), nil)
		}
		if err := txn.Set(sessionKey(s.SessionID), data); err != nil {
			return err
		}
		for _, p := range s.Participants {
			if err := txn.Set(userIndexKey(p.UserID, s), nil); err != nil {
				return err
			}
		}
		return nil
	})
	return mapBadgerError(err, "update call session")
}

// GetByID retrieves a session by ID
func (r *CallRepository) GetByID(ctx context.Context, sessionID string) (*domain.CallSession, error) {
	var s *domain.CallSession
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		s, err = readSession(txn, sessionID)
		return err
	})
	if err != nil {
		return nil, mapBadgerError(err, "get call session")
	}
	return s, nil
}

// ListByUser walks the user's index newest first
func (r *CallRepository) ListByUser(ctx context.Context, userID string, status domain.SessionStatus, limit, offset int) ([]*domain.CallSession, int, error) {
	sessions := make([]*domain.CallSession, 0, limit)
	total := 0

	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(userPrefix + userID + ":")
		seen := make(map[string]struct{})
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			sessionID := sessionIDFromIndex(it.Item().KeyCopy(nil), len(prefix))
			if _, dup := seen[sessionID]; dup {
				continue
			}
			seen[sessionID] = struct{}{}

			s, err := readSession(txn, sessionID)
			if err != nil {
				return err
			}
			if status != "" && s.Status != status {
				continue
			}
			if total >= offset && len(sessions) < limit {
				sessions = append(sessions, s)
			}
			total++
		}
		return nil
	})
	if err != nil {
		return nil, 0, mapBadgerError(err, "list call sessions")
	}
	return sessions, total, nil
}

func readSession(txn *badger.Txn, sessionID string) (*domain.CallSession, error) {
	item, err := txn.Get(sessionKey(sessionID))
	if err != nil {
		return nil, err
	}
	var s domain.CallSession
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &s)
	})
	if err != nil {
		return nil, fmt.Errorf("decode call session: %w", err)
	}
	return &s, nil
}

func mapBadgerError(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case apperrors.IsAppError(err):
		return err
	case errors.Is(err, badger.ErrKeyNotFound):
		return apperrors.CallNotFoundError()
	case errors.Is(err, badger.ErrConflict):
		return apperrors.TransientError("Transaction conflict", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return apperrors.TransientError("Failed to "+op, err)
	default:
		return apperrors.Wrap(apperrors.ErrCodeDatabase, "Failed to "+op, err)
	}
}

func sessionKey(sessionID string) []byte {
	return []byte(sessionPrefix + sessionID)
}

// userIndexKey orders a user's sessions newest first:
// user_call:<user>:<inverted start nanos>:<session>
func userIndexKey(userID string, s *domain.CallSession) []byte {
	inverted := uint64(math.MaxInt64 - s.StartTime.UnixNano())
	return []byte(fmt.Sprintf("%s%s:%020d:%s", userPrefix, userID, inverted, s.SessionID))
}

func sessionIDFromIndex(key []byte, prefixLen int) string {
	// skip the 20-digit timestamp and its separator
	return string(key[prefixLen+21:])
}
