package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"factoryauth.org/internal/access"
)

// grantTable maps a subject kind to its grant table and subject column.
func grantTable(kind access.SubjectKind) (table, column string, err error) {
	switch kind {
	case access.SubjectUser:
		return "user_permissions", "user_id", nil
	case access.SubjectRole:
		return "role_permissions", "role_id", nil
	}
	return "", "", fmt.Errorf("%w: unknown subject kind %q", access.ErrInvalidInput, kind)
}

// ApplyBatch applies every target and its history row in one transaction.
func (s *Store) ApplyBatch(ctx context.Context, b access.GrantBatch) error {
	if s.db == nil {
		return errNoDB
	}
	if len(b.HistoryIDs) != len(b.TargetIDs) {
		return fmt.Errorf("%w: history ids do not match targets", access.ErrInvalidInput)
	}
	assign := b.Event == access.EventAssign || b.Event == access.EventUnassign
	if assign && b.SubjectKind != access.SubjectUser {
		return fmt.Errorf("%w: only users hold role assignments", access.ErrInvalidInput)
	}
	table, column, err := grantTable(b.SubjectKind)
	if err != nil {
		return err
	}
	subjectTable := "users"
	if b.SubjectKind == access.SubjectRole {
		subjectTable = "roles"
	}
	// Permission targets are share-locked against a concurrent supersede.
	// A retired target fails a grant batch.
	targetQuery := `select retired_at is not null from permissions where id = $1 for share`
	if assign {
		targetQuery = `select false from roles where id = $1`
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, fmt.Sprintf(`select 1 from %s where id = $1`, subjectTable), b.SubjectID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s %s", access.ErrNotFound, b.SubjectKind, b.SubjectID)
		}
		return err
	}

	expires := nullTime(b.ExpiresAt)
	for i, target := range b.TargetIDs {
		var retired bool
		if err := tx.QueryRowContext(ctx, targetQuery, target).Scan(&retired); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", access.ErrNotFound, target)
			}
			return err
		}
		if retired && b.Event == access.EventGrant {
			return fmt.Errorf("%w: permission %s is retired", access.ErrConflict, target)
		}

		var stmt string
		args := []any{b.SubjectID, target}
		switch b.Event {
		case access.EventGrant:
			stmt = fmt.Sprintf(`
				insert into %[1]s (%[2]s, permission_id, active, expires_at, granted_by, granted_at)
				values ($1, $2, true, $3, $4, $5)
				on conflict (%[2]s, permission_id) do update
				set active = true, expires_at = excluded.expires_at,
				    granted_by = excluded.granted_by, granted_at = excluded.granted_at`, table, column)
			args = append(args, expires, b.ActorID, b.At.UTC())
		case access.EventRevoke:
			stmt = fmt.Sprintf(`update %s set active = false where %s = $1 and permission_id = $2`, table, column)
		case access.EventAssign:
			stmt = `
				insert into user_roles (user_id, role_id, active, expires_at, assigned_by, assigned_at)
				values ($1, $2, true, $3, $4, $5)
				on conflict (user_id, role_id) do update
				set active = true, expires_at = excluded.expires_at,
				    assigned_by = excluded.assigned_by, assigned_at = excluded.assigned_at`
			args = append(args, expires, b.ActorID, b.At.UTC())
		case access.EventUnassign:
			stmt = `update user_roles set active = false where user_id = $1 and role_id = $2`
		default:
			return fmt.Errorf("%w: unknown event %q", access.ErrInvalidInput, b.Event)
		}
		res, err := tx.ExecContext(ctx, stmt, args...)
		if err != nil {
			return mapErr(err, access.ErrConflict, access.ErrNotFound)
		}
		if b.Event == access.EventRevoke || b.Event == access.EventUnassign {
			if n, err := res.RowsAffected(); err != nil {
				return err
			} else if n == 0 {
				return fmt.Errorf("%w: %s %s does not hold %s", access.ErrNotFound, b.SubjectKind, b.SubjectID, target)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			insert into permission_history (id, subject_kind, subject_id, target_id, event, actor_id, reason, expires_at, at)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, b.HistoryIDs[i], b.SubjectKind, b.SubjectID, target, b.Event, b.ActorID, b.Reason, expires, b.At.UTC()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// EffectiveGrants reads direct and role-mediated grants in one statement, so
// the result is a single consistent snapshot.
func (s *Store) EffectiveGrants(ctx context.Context, userID string, now time.Time) ([]access.EffectiveGrant, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+permissionColumns+`, 'direct'
		from user_permissions up
		join permissions p on p.id = up.permission_id
		where up.user_id = $1
		  and up.active and (up.expires_at is null or up.expires_at > $2)
		  and p.retired_at is null
		union all
		select `+permissionColumns+`, 'role:' || r.name
		from user_roles ur
		join roles r on r.id = ur.role_id
		join role_permissions rp on rp.role_id = ur.role_id
		join permissions p on p.id = rp.permission_id
		where ur.user_id = $1
		  and ur.active and (ur.expires_at is null or ur.expires_at > $2)
		  and rp.active and (rp.expires_at is null or rp.expires_at > $2)
		  and p.retired_at is null
	`, userID, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.EffectiveGrant
	for rows.Next() {
		var source string
		p, err := scanPermission(rows, &source)
		if err != nil {
			return nil, err
		}
		out = append(out, access.EffectiveGrant{Permission: p, Source: source})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) UserGrants(ctx context.Context, userID string) ([]access.UserGrant, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+permissionColumns+`, up.user_id, up.active, up.expires_at, up.granted_by, up.granted_at
		from user_permissions up
		join permissions p on p.id = up.permission_id
		where up.user_id = $1
		order by p.name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.UserGrant
	for rows.Next() {
		var (
			g       access.UserGrant
			expires sql.NullTime
		)
		p, err := scanPermission(rows, &g.SubjectID, &g.Active, &expires, &g.GrantedBy, &g.GrantedAt)
		if err != nil {
			return nil, err
		}
		g.Permission = p
		g.PermissionID = p.ID
		g.ExpiresAt = timePtr(expires)
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) RoleGrants(ctx context.Context, roleID string) ([]access.Grant, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select role_id, permission_id, active, expires_at, granted_by, granted_at
		from role_permissions
		where role_id = $1
		order by permission_id
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.Grant
	for rows.Next() {
		var (
			g       access.Grant
			expires sql.NullTime
		)
		if err := rows.Scan(&g.SubjectID, &g.PermissionID, &g.Active, &expires, &g.GrantedBy, &g.GrantedAt); err != nil {
			return nil, err
		}
		g.ExpiresAt = timePtr(expires)
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Assignments(ctx context.Context, userID string) ([]access.RoleAssignment, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select user_id, role_id, active, expires_at, assigned_by, assigned_at
		from user_roles
		where user_id = $1
		order by role_id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.RoleAssignment
	for rows.Next() {
		var (
			a       access.RoleAssignment
			expires sql.NullTime
		)
		if err := rows.Scan(&a.UserID, &a.RoleID, &a.Active, &expires, &a.AssignedBy, &a.AssignedAt); err != nil {
			return nil, err
		}
		a.ExpiresAt = timePtr(expires)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) History(ctx context.Context, kind access.SubjectKind, subjectID string) ([]access.HistoryEntry, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, subject_kind, subject_id, target_id, event, actor_id, reason, expires_at, at
		from permission_history
		where subject_kind = $1 and subject_id = $2
		order by at, id
	`, kind, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.HistoryEntry
	for rows.Next() {
		var (
			h       access.HistoryEntry
			expires sql.NullTime
		)
		if err := rows.Scan(&h.ID, &h.SubjectKind, &h.SubjectID, &h.TargetID, &h.Event, &h.ActorID, &h.Reason, &expires, &h.At); err != nil {
			return nil, err
		}
		h.ExpiresAt = timePtr(expires)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CreateRole(ctx context.Context, r *access.Role) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into roles (id, name, description, created_by, created_at)
		values ($1, $2, $3, $4, $5)
	`, r.ID, r.Name, r.Description, nullIfEmpty(r.CreatedBy), r.CreatedAt.UTC())
	if err != nil {
		return mapErr(err, access.ErrConflict, access.ErrNotFound)
	}
	return nil
}

func scanRole(row scanner) (access.Role, error) {
	var (
		r         access.Role
		createdBy sql.NullString
	)
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &createdBy, &r.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return access.Role{}, access.ErrNotFound
		}
		return access.Role{}, err
	}
	r.CreatedBy = createdBy.String
	return r, nil
}

func (s *Store) Role(ctx context.Context, id string) (access.Role, error) {
	if s.db == nil {
		return access.Role{}, errNoDB
	}
	return scanRole(s.db.QueryRowContext(ctx, `
		select id, name, description, created_by, created_at from roles where id = $1
	`, id))
}

func (s *Store) Roles(ctx context.Context) ([]access.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `select id, name, description, created_by, created_at from roles order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
