package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"factoryauth.org/internal/access"
)

const permissionColumns = `p.id, p.name, p.module, p.resource, p.action, p.scope, p.field, p.visible, p.editable,
	p.mask, p.effect, p.condition, p.description, p.created_by, p.created_at, p.retired_at, coalesce(p.superseded_by, '')`

func scanPermission(row scanner, extra ...any) (access.Permission, error) {
	var (
		p       access.Permission
		retired sql.NullTime
	)
	dest := []any{&p.ID, &p.Name, &p.Module, &p.Resource, &p.Action, &p.Scope, &p.Field, &p.Visible, &p.Editable,
		&p.Mask, &p.Effect, &p.Condition, &p.Description, &p.CreatedBy, &p.CreatedAt, &retired, &p.SupersededBy}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return access.Permission{}, access.ErrNotFound
		}
		return access.Permission{}, err
	}
	p.RetiredAt = timePtr(retired)
	return p, nil
}

func (s *Store) UpsertResource(ctx context.Context, r *access.Resource) error {
	if s.db == nil {
		return errNoDB
	}
	fields, err := json.Marshal(r.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	var module string
	err = s.db.QueryRowContext(ctx, `
		insert into resources (name, module, description, fields, created_at)
		values ($1, $2, $3, $4, $5)
		on conflict (name) do update
		set description = excluded.description, fields = excluded.fields
		where resources.module = excluded.module
		returning module, created_at
	`, r.Name, r.Module, r.Description, fields, r.CreatedAt.UTC()).Scan(&module, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: resource %s belongs to another module", access.ErrConflict, r.Name)
	}
	return err
}

func scanResource(row scanner) (access.Resource, error) {
	var (
		r   access.Resource
		raw []byte
	)
	if err := row.Scan(&r.Name, &r.Module, &r.Description, &raw, &r.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return access.Resource{}, access.ErrNotFound
		}
		return access.Resource{}, err
	}
	r.Fields = []access.Field{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &r.Fields); err != nil {
			return access.Resource{}, fmt.Errorf("decode fields: %w", err)
		}
	}
	return r, nil
}

func (s *Store) Resource(ctx context.Context, name string) (access.Resource, error) {
	if s.db == nil {
		return access.Resource{}, errNoDB
	}
	return scanResource(s.db.QueryRowContext(ctx, `
		select name, module, description, fields, created_at from resources where name = $1
	`, name))
}

func (s *Store) Resources(ctx context.Context) ([]access.Resource, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select name, module, description, fields, created_at from resources order by module, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.Resource
	for rows.Next() {
		r, err := scanResource(rows)
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

const insertPermission = `
	insert into permissions (id, name, module, resource, action, scope, field, visible, editable,
		mask, effect, condition, description, created_by, created_at)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

func permissionArgs(p *access.Permission) []any {
	return []any{p.ID, p.Name, p.Module, p.Resource, p.Action, p.Scope, p.Field, p.Visible, p.Editable,
		p.Mask, p.Effect, p.Condition, p.Description, p.CreatedBy, p.CreatedAt.UTC()}
}

func (s *Store) CreatePermission(ctx context.Context, p *access.Permission) error {
	if s.db == nil {
		return errNoDB
	}
	if _, err := s.db.ExecContext(ctx, insertPermission, permissionArgs(p)...); err != nil {
		return mapErr(err, access.ErrConflict, access.ErrNotFound)
	}
	return nil
}

func (s *Store) Permission(ctx context.Context, id string) (access.Permission, error) {
	if s.db == nil {
		return access.Permission{}, errNoDB
	}
	return scanPermission(s.db.QueryRowContext(ctx, `select `+permissionColumns+` from permissions p where p.id = $1`, id))
}

func (s *Store) PermissionByName(ctx context.Context, name string) (access.Permission, error) {
	if s.db == nil {
		return access.Permission{}, errNoDB
	}
	return scanPermission(s.db.QueryRowContext(ctx, `
		select `+permissionColumns+` from permissions p where p.name = $1 and p.retired_at is null
	`, name))
}

func (s *Store) Permissions(ctx context.Context, f access.PermissionFilter) ([]access.Permission, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		where []string
		args  []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf("p.%s = $%d", column, len(args)))
	}
	if f.Module != "" {
		add("module", f.Module)
	}
	if f.Resource != "" {
		add("resource", f.Resource)
	}
	if f.Action != "" {
		add("action", f.Action)
	}
	if f.Scope != "" {
		add("scope", f.Scope)
	}
	if !f.IncludeRetired {
		where = append(where, "p.retired_at is null")
	}
	query := `select ` + permissionColumns + ` from permissions p`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	query += " order by p.name, p.created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Supersede retires oldID before inserting next so the partial unique index on
// live names admits the reused name.
func (s *Store) Supersede(ctx context.Context, oldID string, next *access.Permission, at time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var retired sql.NullTime
	err = tx.QueryRowContext(ctx, `select retired_at from permissions where id = $1 for update`, oldID).Scan(&retired)
	if errors.Is(err, sql.ErrNoRows) {
		return access.ErrNotFound
	}
	if err != nil {
		return err
	}
	if retired.Valid {
		return access.ErrConflict
	}
	if _, err := tx.ExecContext(ctx, `update permissions set retired_at = $2 where id = $1`, oldID, at.UTC()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, insertPermission, permissionArgs(next)...); err != nil {
		return mapErr(err, access.ErrConflict, access.ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `update permissions set superseded_by = $2 where id = $1`, oldID, next.ID); err != nil {
		return err
	}
	return tx.Commit()
}
