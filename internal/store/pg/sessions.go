package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"factoryauth.org/internal/session"
)

func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (id, token_hash, user_id, created_at, expires_at, last_activity, origin, user_agent, active)
		values ($1, $2, $3, $4, $5, $6, $7, $8, true)
	`, sess.ID, sess.TokenHash, sess.UserID, sess.CreatedAt.UTC(), sess.ExpiresAt.UTC(), sess.LastActivity.UTC(),
		sess.Origin, sess.UserAgent)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return errors.New("session: unknown user")
	}
	return err
}

func (s *Store) SessionByTokenHash(ctx context.Context, hash string) (session.Session, error) {
	if s.db == nil {
		return session.Session{}, errNoDB
	}
	var (
		sess    session.Session
		revoked sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, token_hash, user_id, created_at, expires_at, last_activity, origin, user_agent, active, revoked_at
		from sessions
		where token_hash = $1
	`, hash).Scan(&sess.ID, &sess.TokenHash, &sess.UserID, &sess.CreatedAt, &sess.ExpiresAt, &sess.LastActivity,
		&sess.Origin, &sess.UserAgent, &sess.Active, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, session.ErrNotFound
	}
	if err != nil {
		return session.Session{}, err
	}
	sess.RevokedAt = timePtr(revoked)
	return sess, nil
}

func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `update sessions set last_activity = $2 where id = $1 and active`, id, at.UTC())
	return err
}

func (s *Store) DeactivateSession(ctx context.Context, id string, at time.Time) (bool, error) {
	n, err := s.deactivate(ctx, `update sessions set active = false, revoked_at = $2 where id = $1 and active`, id, at.UTC())
	return n > 0, err
}

func (s *Store) DeactivateUserSessions(ctx context.Context, userID string, at time.Time) (int, error) {
	return s.deactivate(ctx, `update sessions set active = false, revoked_at = $2 where user_id = $1 and active`, userID, at.UTC())
}

func (s *Store) DeactivateExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	return s.deactivate(ctx, `update sessions set active = false, revoked_at = $1 where active and expires_at <= $1`, now.UTC())
}

func (s *Store) deactivate(ctx context.Context, query string, args ...any) (int, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(aff), nil
}
