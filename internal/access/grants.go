package access

import (
	"context"
	"fmt"
	"strings"
	"time"

	"factoryauth.org/internal/audit"
	"factoryauth.org/internal/ids"
	"factoryauth.org/internal/obs"
)

// Change is one administrative grant or assignment request.
type Change struct {
	// IDs are permission ids, or role ids for assignments.
	IDs       []string   `json:"ids"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Reason    string     `json:"reason"`
}

// Grants applies grant, revoke and role assignment changes.
type Grants struct {
	repo  GrantRepository
	perms PermissionRepository
	deps
}

// NewGrants constructs Grants.
func NewGrants(repo GrantRepository, perms PermissionRepository, opts ...Option) *Grants {
	return &Grants{repo: repo, perms: perms, deps: buildDeps(opts)}
}

// GrantPermissions grants permissions directly to a user. Re-granting an
// existing permission refreshes its expiry and reactivates it.
func (g *Grants) GrantPermissions(ctx context.Context, actorID, userID string, c Change) error {
	return g.apply(ctx, actorID, SubjectUser, userID, EventGrant, c)
}

// RevokePermissions deactivates direct grants. The rows stay for history.
func (g *Grants) RevokePermissions(ctx context.Context, actorID, userID string, c Change) error {
	return g.apply(ctx, actorID, SubjectUser, userID, EventRevoke, c)
}

// GrantRolePermissions grants permissions to a role.
func (g *Grants) GrantRolePermissions(ctx context.Context, actorID, roleID string, c Change) error {
	return g.apply(ctx, actorID, SubjectRole, roleID, EventGrant, c)
}

// RevokeRolePermissions deactivates role grants.
func (g *Grants) RevokeRolePermissions(ctx context.Context, actorID, roleID string, c Change) error {
	return g.apply(ctx, actorID, SubjectRole, roleID, EventRevoke, c)
}

// AssignRoles assigns roles to a user.
func (g *Grants) AssignRoles(ctx context.Context, actorID, userID string, c Change) error {
	return g.apply(ctx, actorID, SubjectUser, userID, EventAssign, c)
}

// UnassignRoles deactivates role assignments.
func (g *Grants) UnassignRoles(ctx context.Context, actorID, userID string, c Change) error {
	return g.apply(ctx, actorID, SubjectUser, userID, EventUnassign, c)
}

func (g *Grants) apply(ctx context.Context, actorID string, kind SubjectKind, subjectID string, event HistoryEvent, c Change) error {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return fmt.Errorf("%w: %s id is required", ErrInvalidInput, kind)
	}
	if strings.TrimSpace(actorID) == "" {
		return fmt.Errorf("%w: actor is required", ErrInvalidInput)
	}
	reason := strings.TrimSpace(c.Reason)
	if reason == "" {
		return fmt.Errorf("%w: reason is required", ErrInvalidInput)
	}
	targets := dedupe(c.IDs)
	if len(targets) == 0 {
		return fmt.Errorf("%w: at least one id is required", ErrInvalidInput)
	}
	now := g.now().UTC()
	var expires *time.Time
	if event == EventGrant || event == EventAssign {
		if c.ExpiresAt != nil {
			if !c.ExpiresAt.After(now) {
				return fmt.Errorf("%w: expires_at must be in the future", ErrInvalidInput)
			}
			e := c.ExpiresAt.UTC()
			expires = &e
		}
	}

	if event == EventGrant {
		for _, id := range targets {
			p, err := g.perms.Permission(ctx, id)
			if err != nil {
				return err
			}
			if p.Retired() {
				return fmt.Errorf("%w: permission %s is retired", ErrConflict, p.Name)
			}
		}
	}

	batch := GrantBatch{
		SubjectKind: kind,
		SubjectID:   subjectID,
		Event:       event,
		TargetIDs:   targets,
		ExpiresAt:   expires,
		ActorID:     actorID,
		Reason:      reason,
		At:          now,
		HistoryIDs:  make([]string, len(targets)),
	}
	for i := range batch.HistoryIDs {
		batch.HistoryIDs[i] = ids.New()
	}
	if err := g.repo.ApplyBatch(ctx, batch); err != nil {
		g.logger.Warn("grant batch failed",
			obs.String("subject", subjectID),
			obs.String("event", string(event)),
			obs.Err(err))
		return err
	}

	detail := map[string]any{
		"subject_kind": string(kind),
		"ids":          targets,
		"reason":       reason,
	}
	if expires != nil {
		detail["expires_at"] = expires.Format(time.RFC3339)
	}
	g.recorder.Record(ctx, audit.Entry{
		ActorID:      actorID,
		Action:       auditAction(kind, event),
		ResourceType: string(kind),
		ResourceID:   subjectID,
		Detail:       detail,
	})
	return nil
}

func auditAction(kind SubjectKind, event HistoryEvent) string {
	switch event {
	case EventAssign, EventUnassign:
		return "role." + string(event)
	}
	return string(kind) + ".permission." + string(event)
}

// CreateRole creates an empty role.
func (g *Grants) CreateRole(ctx context.Context, actorID, name, description string) (Role, error) {
	name = strings.TrimSpace(name)
	if !validIdent(name) {
		return Role{}, fmt.Errorf("%w: role name %q must be lower-case letters, digits or underscores", ErrInvalidInput, name)
	}
	r := Role{
		ID:          ids.New(),
		Name:        name,
		Description: strings.TrimSpace(description),
		CreatedBy:   actorID,
		CreatedAt:   g.now().UTC(),
	}
	if err := g.repo.CreateRole(ctx, &r); err != nil {
		return Role{}, err
	}
	g.recorder.Record(ctx, audit.Entry{
		ActorID:      actorID,
		Action:       "role.create",
		ResourceType: "role",
		ResourceID:   r.ID,
		Detail:       map[string]any{"name": r.Name},
	})
	return r, nil
}

// Roles lists roles by name.
func (g *Grants) Roles(ctx context.Context) ([]Role, error) {
	return g.repo.Roles(ctx)
}

// UserPermissions lists a user's direct grants, including inactive and expired ones.
func (g *Grants) UserPermissions(ctx context.Context, userID string) ([]UserGrant, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	return g.repo.UserGrants(ctx, userID)
}

// UserRoles lists a user's role assignments, including inactive and expired ones.
func (g *Grants) UserRoles(ctx context.Context, userID string) ([]RoleAssignment, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	return g.repo.Assignments(ctx, userID)
}

// History returns the change history of a user or role, oldest first.
func (g *Grants) History(ctx context.Context, kind SubjectKind, subjectID string) ([]HistoryEntry, error) {
	if kind != SubjectUser && kind != SubjectRole {
		return nil, fmt.Errorf("%w: unknown subject kind %q", ErrInvalidInput, kind)
	}
	return g.repo.History(ctx, kind, strings.TrimSpace(subjectID))
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
