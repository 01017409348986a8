package memory

import (
	"context"
	"time"

	"factoryauth.org/internal/session"
)

func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = *sess
	s.byHash[sess.TokenHash] = sess.ID
	return nil
}

func (s *Store) SessionByTokenHash(ctx context.Context, hash string) (session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[hash]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	return s.sessions[id], nil
}

func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	sess.LastActivity = at
	s.sessions[id] = sess
	return nil
}

func (s *Store) DeactivateSession(ctx context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return false, session.ErrNotFound
	}
	if !sess.Active {
		return false, nil
	}
	s.deactivateLocked(id, sess, at)
	return true, nil
}

func (s *Store) DeactivateUserSessions(ctx context.Context, userID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if sess.Active && sess.UserID == userID {
			s.deactivateLocked(id, sess, at)
			n++
		}
	}
	return n, nil
}

func (s *Store) DeactivateExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if sess.Active && sess.ExpiredAt(now) {
			s.deactivateLocked(id, sess, now)
			n++
		}
	}
	return n, nil
}

func (s *Store) deactivateLocked(id string, sess session.Session, at time.Time) {
	revoked := at
	sess.Active = false
	sess.RevokedAt = &revoked
	s.sessions[id] = sess
}
