package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"factoryauth.org/internal/audit"
)

type stubUsers struct {
	mu      sync.Mutex
	byID    map[string]User
	lookups int
	findErr error
}

func newStubUsers(users ...User) *stubUsers {
	s := &stubUsers{byID: map[string]User{}}
	for _, u := range users {
		s.byID[u.ID] = u
	}
	return s
}

func (s *stubUsers) CreateUser(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.byID {
		if existing.Username == u.Username {
			return ErrConflict
		}
	}
	s.byID[u.ID] = *u
	return nil
}

func (s *stubUsers) FindByID(ctx context.Context, id string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *stubUsers) FindByUsername(ctx context.Context, username string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.findErr != nil {
		return User{}, s.findErr
	}
	for _, u := range s.byID {
		if u.Username == username {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (s *stubUsers) RecordLoginFailure(ctx context.Context, id string, threshold int, lockUntil time.Time) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.byID[id]
	u.FailedAttempts++
	if u.FailedAttempts >= threshold {
		lu := lockUntil
		u.LockoutUntil = &lu
	}
	s.byID[id] = u
	return u, nil
}

func (s *stubUsers) ResetLoginFailures(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.byID[id]
	u.FailedAttempts = 0
	u.LockoutUntil = nil
	s.byID[id] = u
	return nil
}

func (s *stubUsers) UpdateStatus(ctx context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	u.Status = status
	s.byID[id] = u
	return nil
}

func (s *stubUsers) UpdatePassword(ctx context.Context, id, hash string, resetRequired bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = hash
	u.PasswordResetRequired = resetRequired
	s.byID[id] = u
	return nil
}

type recorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recorder) Record(ctx context.Context, e audit.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recorder) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Action
	}
	return out
}

func (r *recorder) last() audit.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[len(r.entries)-1]
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testPolicy() Policy {
	p := DefaultPolicy()
	p.BcryptCost = bcrypt.MinCost
	return p
}

func activeUser(t *testing.T, id, username, password string) User {
	t.Helper()
	hash, err := HashPassword(password, bcrypt.MinCost)
	require.NoError(t, err)
	return User{ID: id, Username: username, PasswordHash: hash, Status: StatusActive, AccessScope: ScopeFactoryOnly}
}

func reasonOf(t *testing.T, err error) Reason {
	t.Helper()
	require.Error(t, err)
	r, ok := ReasonOf(err)
	require.True(t, ok, "expected AuthError, got %v", err)
	return r
}

func TestLockoutAfterFiveFailures(t *testing.T) {
	users := newStubUsers(activeUser(t, "u1", "operator1", "correct-horse"))
	rec := &recorder{}
	clk := &clock{t: time.Date(2026, 5, 4, 6, 0, 0, 0, time.UTC)}
	authn := NewAuthenticator(users, testPolicy(), WithRecorder(rec), WithClock(clk.now))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := authn.Authenticate(ctx, "operator1", "wrong")
		assert.Equal(t, ReasonWrongPassword, reasonOf(t, err), "attempt %d", i+1)
	}
	assert.Contains(t, rec.actions(), "auth.lockout")

	_, err := authn.Authenticate(ctx, "operator1", "correct-horse")
	assert.Equal(t, ReasonLocked, reasonOf(t, err))

	clk.advance(30 * time.Minute)
	_, err = authn.Authenticate(ctx, "operator1", "correct-horse")
	assert.Equal(t, ReasonLocked, reasonOf(t, err), "lock holds until strictly after lockout_until")

	clk.advance(time.Second)
	user, err := authn.Authenticate(ctx, "operator1", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)

	stored, _ := users.FindByID(ctx, "u1")
	assert.Equal(t, 0, stored.FailedAttempts)
	assert.Nil(t, stored.LockoutUntil)
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	users := newStubUsers(activeUser(t, "u1", "operator1", "correct-horse"))
	authn := NewAuthenticator(users, testPolicy())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = authn.Authenticate(ctx, "operator1", "wrong")
	}
	_, err := authn.Authenticate(ctx, "operator1", "correct-horse")
	require.NoError(t, err)
	stored, _ := users.FindByID(ctx, "u1")
	assert.Equal(t, 0, stored.FailedAttempts)

	for i := 0; i < 4; i++ {
		_, err := authn.Authenticate(ctx, "operator1", "wrong")
		assert.Equal(t, ReasonWrongPassword, reasonOf(t, err))
	}
	_, err = authn.Authenticate(ctx, "operator1", "correct-horse")
	require.NoError(t, err, "four failures after a reset must not lock")
}

func TestLockoutElapsedRestartsCounter(t *testing.T) {
	users := newStubUsers(activeUser(t, "u1", "operator1", "correct-horse"))
	clk := &clock{t: time.Date(2026, 5, 4, 6, 0, 0, 0, time.UTC)}
	authn := NewAuthenticator(users, testPolicy(), WithClock(clk.now))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = authn.Authenticate(ctx, "operator1", "wrong")
	}
	clk.advance(31 * time.Minute)

	_, err := authn.Authenticate(ctx, "operator1", "wrong")
	assert.Equal(t, ReasonWrongPassword, reasonOf(t, err))
	stored, _ := users.FindByID(ctx, "u1")
	assert.Equal(t, 1, stored.FailedAttempts)
	assert.Nil(t, stored.LockoutUntil)
}

func TestReservedUsernameRejectedBeforeLookup(t *testing.T) {
	users := newStubUsers()
	rec := &recorder{}
	authn := NewAuthenticator(users, testPolicy(), WithRecorder(rec))

	_, err := authn.Authenticate(context.Background(), "  Admin ", "whatever")
	assert.Equal(t, ReasonNotFound, reasonOf(t, err))
	assert.Equal(t, 0, users.lookups)
	assert.Equal(t, "invalid credentials", err.Error())
	assert.True(t, errors.Is(err, ErrInvalidCredentials))

	entry := rec.last()
	assert.Equal(t, audit.OutcomeFailure, entry.Outcome)
	assert.Equal(t, "not_found", entry.Detail["reason"])
	assert.Equal(t, "reserved_username", entry.Detail["rule"])
}

func TestAccountStatesSurfaceGenerically(t *testing.T) {
	pending := activeUser(t, "u2", "newhire", "correct-horse")
	pending.Status = StatusPending
	gone := activeUser(t, "u3", "retired", "correct-horse")
	gone.Status = StatusDeactivated
	users := newStubUsers(pending, gone)
	authn := NewAuthenticator(users, testPolicy())
	ctx := context.Background()

	_, err := authn.Authenticate(ctx, "newhire", "correct-horse")
	assert.Equal(t, ReasonPendingApproval, reasonOf(t, err))
	assert.EqualError(t, err, "invalid credentials")

	_, err = authn.Authenticate(ctx, "retired", "correct-horse")
	assert.Equal(t, ReasonDeactivated, reasonOf(t, err))

	_, err = authn.Authenticate(ctx, "nobody", "correct-horse")
	assert.Equal(t, ReasonNotFound, reasonOf(t, err))

	stored, _ := users.FindByID(ctx, "u3")
	assert.Equal(t, 0, stored.FailedAttempts, "inactive accounts do not accrue failures")
}

func TestInputErrorsHaveNoSideEffects(t *testing.T) {
	users := newStubUsers()
	rec := &recorder{}
	authn := NewAuthenticator(users, testPolicy(), WithRecorder(rec))

	_, err := authn.Authenticate(context.Background(), " ", "pw")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = authn.Authenticate(context.Background(), "operator1", "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Equal(t, 0, users.lookups)
	assert.Empty(t, rec.actions())
}

func TestStoreFailureIsAuditedAndReturned(t *testing.T) {
	users := newStubUsers()
	users.findErr = errors.New("db down")
	rec := &recorder{}
	authn := NewAuthenticator(users, testPolicy(), WithRecorder(rec))

	_, err := authn.Authenticate(context.Background(), "operator1", "pw")
	require.Error(t, err)
	_, isAuth := ReasonOf(err)
	assert.False(t, isAuth)
	assert.Equal(t, "store_error", rec.last().Detail["reason"])
}

func TestSignupAndApprove(t *testing.T) {
	users := newStubUsers()
	rec := &recorder{}
	accounts := NewAccounts(users, testPolicy(), WithRecorder(rec))
	ctx := context.Background()

	user, err := accounts.Signup(ctx, SignupInput{Username: "Line.Lead", Password: "assembly-42", Department: "assembly"})
	require.NoError(t, err)
	assert.Equal(t, "line.lead", user.Username)
	assert.Equal(t, StatusPending, user.Status)
	assert.Equal(t, ScopeFactoryOnly, user.AccessScope)

	_, err = accounts.Signup(ctx, SignupInput{Username: "line.lead", Password: "assembly-42"})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = accounts.Signup(ctx, SignupInput{Username: "test", Password: "assembly-42"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = accounts.Signup(ctx, SignupInput{Username: "short", Password: "abc"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = accounts.Signup(ctx, SignupInput{Username: "remote", Password: "assembly-42", AccessScope: "ANYWHERE"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	approved, err := accounts.Approve(ctx, "root", user.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, approved.Status)

	_, err = accounts.Approve(ctx, "root", user.ID)
	assert.ErrorIs(t, err, ErrConflict)

	authn := NewAuthenticator(users, testPolicy())
	_, err = authn.Authenticate(ctx, "line.lead", "assembly-42")
	require.NoError(t, err)

	assert.Contains(t, rec.actions(), "user.signup")
	assert.Contains(t, rec.actions(), "user.approve")
}

func TestPasswordChangeAndReset(t *testing.T) {
	users := newStubUsers(activeUser(t, "u1", "operator1", "correct-horse"))
	accounts := NewAccounts(users, testPolicy())
	ctx := context.Background()

	err := accounts.ChangePassword(ctx, "u1", "not-it", "battery-staple")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	require.NoError(t, accounts.ChangePassword(ctx, "u1", "correct-horse", "battery-staple"))
	stored, _ := users.FindByID(ctx, "u1")
	assert.NoError(t, VerifyPassword(stored.PasswordHash, "battery-staple"))
	assert.False(t, stored.PasswordResetRequired)

	require.NoError(t, accounts.ResetPassword(ctx, "root", "u1", "temporary-1"))
	stored, _ = users.FindByID(ctx, "u1")
	assert.True(t, stored.PasswordResetRequired)
	assert.NoError(t, VerifyPassword(stored.PasswordHash, "temporary-1"))

	_, err = accounts.Deactivate(ctx, "root", "u1")
	require.NoError(t, err)
	again, err := accounts.Deactivate(ctx, "root", "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusDeactivated, again.Status)
}
