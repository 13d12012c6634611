package call

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"callsession-backend/internal/domain"
	apperrors "callsession-backend/pkg/errors"
)

// memRepo is an in-memory Repository with optional fault hooks
type memRepo struct {
	mu         sync.Mutex
	rows       map[string]*domain.CallSession
	updateHook func(ctx context.Context) error
}

func newMemRepo() *memRepo {
	return &memRepo{rows: make(map[string]*domain.CallSession)}
}

func (r *memRepo) Create(ctx context.Context, session *domain.CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[session.SessionID]; ok {
		return apperrors.DuplicateSessionIDError(session.SessionID)
	}
	r.rows[session.SessionID] = session.Clone()
	return nil
}

func (r *memRepo) Update(ctx context.Context, session *domain.CallSession) error {
	r.mu.Lock()
	hook := r.updateHook
	r.mu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.rows[session.SessionID]
	if !ok {
		return apperrors.CallNotFoundError()
	}
	if stored.Version != session.Version-1 {
		return apperrors.TransientError("version conflict", nil)
	}
	r.rows[session.SessionID] = session.Clone()
	return nil
}

func (r *memRepo) GetByID(ctx context.Context, sessionID string) (*domain.CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.rows[sessionID]
	if !ok {
		return nil, apperrors.CallNotFoundError()
	}
	return stored.Clone(), nil
}

func (r *memRepo) ListByUser(ctx context.Context, userID string, status domain.SessionStatus, limit, offset int) ([]*domain.CallSession, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []*domain.CallSession
	for _, s := range r.rows {
		if status != "" && s.Status != status {
			continue
		}
		if s.InitiatorID == userID || HasParticipated(s, userID) {
			matched = append(matched, s.Clone())
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].StartTime.After(matched[j].StartTime)
	})
	total := len(matched)
	if offset >= total {
		return []*domain.CallSession{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (r *memRepo) stored(id string) *domain.CallSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows[id].Clone()
}

// MockRepository is a mock implementation of Repository
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Create(ctx context.Context, session *domain.CallSession) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *MockRepository) Update(ctx context.Context, session *domain.CallSession) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *MockRepository) GetByID(ctx context.Context, sessionID string) (*domain.CallSession, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallSession), args.Error(1)
}

func (m *MockRepository) ListByUser(ctx context.Context, userID string, status domain.SessionStatus, limit, offset int) ([]*domain.CallSession, int, error) {
	args := m.Called(ctx, userID, status, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Int(1), args.Error(2)
	}
	return args.Get(0).([]*domain.CallSession), args.Int(1), args.Error(2)
}

// recorder collects published events
type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Publish(event domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) all() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

func (r *recorder) ofType(t domain.EventType) []domain.Event {
	var out []domain.Event
	for _, e := range r.all() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	svc   *Service
	repo  *memRepo
	rec   *recorder
	clock *fakeClock
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	repo := newMemRepo()
	clock := newFakeClock()
	store := NewStore(repo, time.Second, nil)
	store.now = clock.Now
	svc := NewService(store, NewKeyedLocker(), opts, nil)
	svc.now = clock.Now
	rec := &recorder{}
	svc.Subscribe(rec)
	return &fixture{svc: svc, repo: repo, rec: rec, clock: clock}
}

func (f *fixture) initiate(t *testing.T, initiator string, sessionType domain.SessionType, invitees ...string) *domain.CallSession {
	t.Helper()
	session, err := f.svc.Initiate(context.Background(), InitiateInput{
		InitiatorID: initiator,
		SessionType: sessionType,
		Invitees:    invitees,
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	return session
}
