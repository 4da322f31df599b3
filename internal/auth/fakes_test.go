package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/gpropadm/brpolis/internal/repository"
)

var errStoreDown = errors.New("connection refused")

// memStore is an in-memory credential store shared by the fake repositories.
type memStore struct {
	mu       sync.Mutex
	users    map[uuid.UUID]*repository.User
	sessions map[string]*repository.Session           // by token hash
	tokens   map[string]*repository.VerificationToken // by token hash

	// failing makes every call return errStoreDown
	failing bool
}

func newMemStore() *memStore {
	return &memStore{
		users:    make(map[uuid.UUID]*repository.User),
		sessions: make(map[string]*repository.Session),
		tokens:   make(map[string]*repository.VerificationToken),
	}
}

func (m *memStore) repos() repository.Repositories {
	return repository.Repositories{
		Users:              &memUsers{m},
		Sessions:           &memSessions{m},
		VerificationTokens: &memTokens{m},
	}
}

func (m *memStore) setFailing(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = v
}

// addUser stores a user whose password is hashed at bcrypt.MinCost.
func (m *memStore) addUser(email, password string, mutate ...func(*repository.User)) *repository.User {
	digest, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	u := &repository.User{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: string(digest),
		Name:         "Test User",
		Role:         repository.RoleUser,
		IsActive:     true,
		CreatedAt:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, fn := range mutate {
		fn(u)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return u
}

func (m *memStore) user(id uuid.UUID) repository.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.users[id]
}

func (m *memStore) session(tokenHash string) (repository.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tokenHash]
	if !ok {
		return repository.Session{}, false
	}
	return *s, true
}

func (m *memStore) sessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *memStore) expireSession(tokenHash string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[tokenHash].ExpiresAt = at
}

func (m *memStore) snapshot() *memStore {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := newMemStore()
	for k, v := range m.users {
		u := *v
		cp.users[k] = &u
	}
	for k, v := range m.sessions {
		s := *v
		cp.sessions[k] = &s
	}
	for k, v := range m.tokens {
		t := *v
		cp.tokens[k] = &t
	}
	return cp
}

func (m *memStore) restore(from *memStore) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = from.users
	m.sessions = from.sessions
	m.tokens = from.tokens
}

// memTx rolls the store back when fn fails.
type memTx struct {
	store *memStore
}

func (t *memTx) WithinTx(ctx context.Context, fn func(ctx context.Context, repos repository.Repositories) error) error {
	before := t.store.snapshot()
	if err := fn(ctx, t.store.repos()); err != nil {
		t.store.restore(before)
		return err
	}
	return nil
}

type memUsers struct{ s *memStore }

func (r *memUsers) GetByID(ctx context.Context, id uuid.UUID) (*repository.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failing {
		return nil, errStoreDown
	}
	u, ok := r.s.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *memUsers) GetByEmail(ctx context.Context, email string) (*repository.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failing {
		return nil, errStoreDown
	}
	for _, u := range r.s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (r *memUsers) RecordFailedLogin(ctx context.Context, id uuid.UUID, maxAttempts int, lockUntil, now time.Time) (int, *time.Time, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failing {
		return 0, nil, errStoreDown
	}
	u, ok := r.s.users[id]
	if !ok {
		return 0, nil, repository.ErrUserNotFound
	}
	u.LoginAttempts++
	if u.LoginAttempts >= maxAttempts {
		t := lockUntil
		u.LockedUntil = &t
	}
	u.UpdatedAt = now
	return u.LoginAttempts, u.LockedUntil, nil
}

func (r *memUsers) RecordSuccessfulLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.update(id, func(u *repository.User) {
		u.LoginAttempts = 0
		u.LockedUntil = nil
		u.LastLogin = &at
		u.UpdatedAt = at
	})
}

func (r *memUsers) UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string, at time.Time) error {
	return r.update(id, func(u *repository.User) {
		u.PasswordHash = hash
		u.UpdatedAt = at
	})
}

func (r *memUsers) ResetPassword(ctx context.Context, id uuid.UUID, hash string, at time.Time) error {
	return r.update(id, func(u *repository.User) {
		u.PasswordHash = hash
		u.LoginAttempts = 0
		u.LockedUntil = nil
		u.UpdatedAt = at
	})
}

func (r *memUsers) update(id uuid.UUID, fn func(*repository.User)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failing {
		return errStoreDown
	}
	u, ok := r.s.users[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	fn(u)
	return nil
}

type memSessions struct{ s *memStore }

func (r *memSessions) Create(ctx context.Context, session *repository.Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failing {
		return errStoreDown
	}
	if _, exists := r.s.sessions[session.TokenHash]; exists {
		return errors.New("duplicate token_hash")
	}
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	cp := *session
	r.s.sessions[session.TokenHash] = &cp
	return nil
}

func (r *memSessions) GetByTokenHash(ctx context.Context, tokenHash string) (*repository.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failing {
		return nil, errStoreDown
	}
	s, ok := r.s.sessions[tokenHash]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memSessions) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failing {
		return errStoreDown
	}
	for _, s := range r.s.sessions {
		if s.ID == id {
			s.LastUsedAt = at
			return nil
		}
	}
	return repository.ErrSessionNotFound
}

func (r *memSessions) DeleteByTokenHash(ctx context.Context, tokenHash string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failing {
		return errStoreDown
	}
	delete(r.s.sessions, tokenHash)
	return nil
}

func (r *memSessions) DeleteByUserID(ctx context.Context, userID uuid.UUID) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failing {
		return 0, errStoreDown
	}
	var n int64
	for k, s := range r.s.sessions {
		if s.UserID == userID {
			delete(r.s.sessions, k)
			n++
		}
	}
	return n, nil
}

func (r *memSessions) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failing {
		return 0, errStoreDown
	}
	var n int64
	for k, s := range r.s.sessions {
		if s.ExpiresAt.Before(before) {
			delete(r.s.sessions, k)
			n++
		}
	}
	return n, nil
}

type memTokens struct{ s *memStore }

func (r *memTokens) Create(ctx context.Context, token *repository.VerificationToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failing {
		return errStoreDown
	}
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	cp := *token
	r.s.tokens[token.TokenHash] = &cp
	return nil
}

func (r *memTokens) GetByTokenHash(ctx context.Context, tokenHash string) (*repository.VerificationToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failing {
		return nil, errStoreDown
	}
	t, ok := r.s.tokens[tokenHash]
	if !ok {
		return nil, repository.ErrTokenNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *memTokens) Consume(ctx context.Context, tokenHash, tokenType string, at time.Time) (*repository.VerificationToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failing {
		return nil, errStoreDown
	}
	t, ok := r.s.tokens[tokenHash]
	if !ok || t.Type != tokenType || t.UsedAt != nil || !t.ExpiresAt.After(at) {
		return nil, repository.ErrTokenNotFound
	}
	t.UsedAt = &at
	cp := *t
	return &cp, nil
}

func (r *memTokens) DeleteStale(ctx context.Context, expiredBefore, usedBefore time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failing {
		return 0, errStoreDown
	}
	var n int64
	for k, t := range r.s.tokens {
		if t.ExpiresAt.Before(expiredBefore) || (t.UsedAt != nil && t.UsedAt.Before(usedBefore)) {
			delete(r.s.tokens, k)
			n++
		}
	}
	return n, nil
}

// fakeClock is a settable time source shared by the token issuer and the manager.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const testSecret = "test-secret-key-for-testing-purposes-only-32b"

type testEnv struct {
	svc    *AuthService
	store  *memStore
	clock  *fakeClock
	tokens *TokenService
	hasher *PasswordHasher
}

func newTestEnv() *testEnv {
	store := newMemStore()
	clock := newFakeClock()
	tokens := NewTokenService(TokenServiceConfig{
		Secret: testSecret,
		Issuer: "brpolis-test",
		Now:    clock.Now,
	})
	hasher := NewPasswordHasher(bcrypt.MinCost, 4)
	svc := NewAuthService(store.repos(), &memTx{store: store}, tokens, hasher, Config{}, WithClock(clock.Now))
	return &testEnv{svc: svc, store: store, clock: clock, tokens: tokens, hasher: hasher}
}
