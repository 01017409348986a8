package memory

import (
	"context"
	"time"

	"factoryauth.org/internal/auth"
)

func (s *Store) CreateUser(ctx context.Context, u *auth.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return auth.ErrConflict
	}
	if _, ok := s.usernames[u.Username]; ok {
		return auth.ErrConflict
	}
	now := s.now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	s.users[u.ID] = copyUser(*u)
	s.usernames[u.Username] = u.ID
	return nil
}

func (s *Store) FindByID(ctx context.Context, id string) (auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	return copyUser(u), nil
}

func (s *Store) FindByUsername(ctx context.Context, username string) (auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usernames[username]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	return copyUser(s.users[id]), nil
}

func (s *Store) RecordLoginFailure(ctx context.Context, id string, threshold int, lockUntil time.Time) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	u.FailedAttempts++
	if u.FailedAttempts >= threshold {
		lu := lockUntil.UTC()
		u.LockoutUntil = &lu
	}
	u.UpdatedAt = s.now().UTC()
	s.users[id] = u
	return copyUser(u), nil
}

func (s *Store) ResetLoginFailures(ctx context.Context, id string) error {
	return s.updateUser(id, func(u *auth.User) {
		u.FailedAttempts = 0
		u.LockoutUntil = nil
	})
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status auth.Status) error {
	return s.updateUser(id, func(u *auth.User) { u.Status = status })
}

func (s *Store) UpdatePassword(ctx context.Context, id, passwordHash string, resetRequired bool) error {
	return s.updateUser(id, func(u *auth.User) {
		u.PasswordHash = passwordHash
		u.PasswordResetRequired = resetRequired
	})
}

func (s *Store) updateUser(id string, fn func(*auth.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	fn(&u)
	u.UpdatedAt = s.now().UTC()
	s.users[id] = u
	return nil
}

func copyUser(u auth.User) auth.User {
	if u.LockoutUntil != nil {
		lu := *u.LockoutUntil
		u.LockoutUntil = &lu
	}
	return u
}
