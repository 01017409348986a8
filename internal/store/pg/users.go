package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"factoryauth.org/internal/auth"
)

const userColumns = `id, username, password_hash, status, root_admin, access_scope, department,
	failed_attempts, lockout_until, password_reset_required, created_at, updated_at`

func scanUser(row scanner) (auth.User, error) {
	var (
		u       auth.User
		lockout sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Status, &u.RootAdmin, &u.AccessScope, &u.Department,
		&u.FailedAttempts, &lockout, &u.PasswordResetRequired, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.User{}, err
	}
	u.LockoutUntil = timePtr(lockout)
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, u *auth.User) error {
	if s.db == nil {
		return errNoDB
	}
	row := s.db.QueryRowContext(ctx, `
		insert into users (id, username, password_hash, status, root_admin, access_scope, department, password_reset_required)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		returning created_at, updated_at
	`, u.ID, u.Username, u.PasswordHash, u.Status, u.RootAdmin, u.AccessScope, u.Department, u.PasswordResetRequired)
	if err := row.Scan(&u.CreatedAt, &u.UpdatedAt); err != nil {
		return mapErr(err, auth.ErrConflict, auth.ErrNotFound)
	}
	return nil
}

func (s *Store) FindByID(ctx context.Context, id string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
}

func (s *Store) FindByUsername(ctx context.Context, username string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where username = $1`, username))
}

// RecordLoginFailure increments and conditionally locks in one statement so
// concurrent failures cannot lose an increment.
func (s *Store) RecordLoginFailure(ctx context.Context, id string, threshold int, lockUntil time.Time) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	return scanUser(s.db.QueryRowContext(ctx, `
		update users
		set failed_attempts = failed_attempts + 1,
		    lockout_until = case when failed_attempts + 1 >= $2 then $3 else lockout_until end,
		    updated_at = now()
		where id = $1
		returning `+userColumns,
		id, threshold, lockUntil.UTC()))
}

func (s *Store) ResetLoginFailures(ctx context.Context, id string) error {
	return s.execUser(ctx, `
		update users set failed_attempts = 0, lockout_until = null, updated_at = now()
		where id = $1
	`, id)
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status auth.Status) error {
	return s.execUser(ctx, `update users set status = $2, updated_at = now() where id = $1`, id, status)
}

func (s *Store) UpdatePassword(ctx context.Context, id, passwordHash string, resetRequired bool) error {
	return s.execUser(ctx, `
		update users set password_hash = $2, password_reset_required = $3, updated_at = now()
		where id = $1
	`, id, passwordHash, resetRequired)
}

func (s *Store) execUser(ctx context.Context, query string, args ...any) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}
