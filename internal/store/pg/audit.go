package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"factoryauth.org/internal/audit"
)

func (s *Store) Append(ctx context.Context, e *audit.Entry) error {
	if s.db == nil {
		return errNoDB
	}
	detail := []byte("{}")
	if len(e.Detail) > 0 {
		b, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshal detail: %w", err)
		}
		detail = b
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log (id, occurred_at, actor_id, action, resource_type, resource_id, detail,
			outcome, origin, user_agent, privileged_override, request_id)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, e.ID, e.OccurredAt.UTC(), e.ActorID, e.Action, e.ResourceType, e.ResourceID, detail,
		e.Outcome, e.Origin, e.UserAgent, e.PrivilegedOverride, e.RequestID)
	return err
}

// List returns matching entries newest first. To is inclusive.
func (s *Store) List(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		where []string
		args  []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if !f.From.IsZero() {
		add("occurred_at >= $%d", f.From.UTC())
	}
	if !f.To.IsZero() {
		add("occurred_at <= $%d", f.To.UTC())
	}
	query := `
		select id, occurred_at, actor_id, action, resource_type, resource_id, detail,
			outcome, origin, user_agent, privileged_override, request_id
		from audit_log`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	query += " order by occurred_at desc, id desc"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" limit $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []audit.Entry{}
	for rows.Next() {
		var (
			e   audit.Entry
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.ActorID, &e.Action, &e.ResourceType, &e.ResourceID, &raw,
			&e.Outcome, &e.Origin, &e.UserAgent, &e.PrivilegedOverride, &e.RequestID); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Detail); err != nil {
				return nil, fmt.Errorf("decode detail: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
