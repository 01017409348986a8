package access

import (
	"context"
	"time"
)

// PermissionFilter narrows catalog listings. Zero values match everything.
type PermissionFilter struct {
	Module         string
	Resource       string
	Action         Action
	Scope          Scope
	IncludeRetired bool
}

// PermissionRepository stores resources and the permission catalog.
type PermissionRepository interface {
	UpsertResource(ctx context.Context, r *Resource) error
	Resource(ctx context.Context, name string) (Resource, error)
	Resources(ctx context.Context) ([]Resource, error)

	CreatePermission(ctx context.Context, p *Permission) error
	Permission(ctx context.Context, id string) (Permission, error)
	PermissionByName(ctx context.Context, name string) (Permission, error)
	Permissions(ctx context.Context, filter PermissionFilter) ([]Permission, error)
	// Supersede inserts next and retires oldID in one transaction. It fails
	// with ErrConflict when oldID is already retired.
	Supersede(ctx context.Context, oldID string, next *Permission, at time.Time) error
}

// GrantRepository stores grants, roles, assignments and their history.
type GrantRepository interface {
	// ApplyBatch applies every target of the batch and writes one history entry
	// per target in a single transaction. Unknown targets, and revokes or
	// unassigns of something the subject never held, fail the whole batch
	// with ErrNotFound. Granting a permission retired by the time the batch
	// runs fails with ErrConflict. Granting an existing grant refreshes it in
	// place.
	ApplyBatch(ctx context.Context, batch GrantBatch) error

	// EffectiveGrants returns, from one consistent snapshot, every non-retired
	// permission the user holds at now, directly or through active roles.
	EffectiveGrants(ctx context.Context, userID string, now time.Time) ([]EffectiveGrant, error)

	UserGrants(ctx context.Context, userID string) ([]UserGrant, error)
	RoleGrants(ctx context.Context, roleID string) ([]Grant, error)
	Assignments(ctx context.Context, userID string) ([]RoleAssignment, error)
	History(ctx context.Context, kind SubjectKind, subjectID string) ([]HistoryEntry, error)

	CreateRole(ctx context.Context, r *Role) error
	Role(ctx context.Context, id string) (Role, error)
	Roles(ctx context.Context) ([]Role, error)
}
