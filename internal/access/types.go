package access

import "time"

// Action is an operation on a resource.
type Action string

const (
	ActionView    Action = "view"
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionApprove Action = "approve"
)

// Actions lists every known action in display order.
var Actions = []Action{ActionView, ActionCreate, ActionUpdate, ActionDelete, ActionApprove}

func (a Action) Valid() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

// Scope is the granularity a permission applies at.
type Scope string

const (
	ScopeGlobal     Scope = "global"
	ScopeOwn        Scope = "own"
	ScopeDepartment Scope = "department"
	ScopeField      Scope = "field"
)

func (s Scope) Valid() bool {
	switch s {
	case ScopeGlobal, ScopeOwn, ScopeDepartment, ScopeField:
		return true
	}
	return false
}

// breadth orders record scopes from narrowest to widest.
func (s Scope) breadth() int {
	switch s {
	case ScopeOwn:
		return 1
	case ScopeDepartment:
		return 2
	case ScopeGlobal, ScopeField:
		return 3
	}
	return 0
}

// Effect is the polarity of a permission.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// MaskType is the degree of value redaction for a visible field.
type MaskType string

const (
	MaskNone    MaskType = "none"
	MaskPartial MaskType = "partial"
	MaskFull    MaskType = "full"
)

func (m MaskType) Valid() bool {
	return m == MaskNone || m == MaskPartial || m == MaskFull
}

func (m MaskType) rank() int {
	switch m {
	case MaskPartial:
		return 1
	case MaskFull:
		return 2
	}
	return 0
}

// Field is a column or attribute of a Resource.
type Field struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Sensitive bool   `json:"sensitive"`
}

// Resource is a protected entity grouped under a module.
type Resource struct {
	Module      string    `json:"module"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Fields      []Field   `json:"fields"`
	CreatedAt   time.Time `json:"created_at"`
}

// Field looks up a field by name.
func (r Resource) Field(name string) (Field, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Permission is an immutable catalog entry. Name is its stable external identifier.
type Permission struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Module       string     `json:"module"`
	Resource     string     `json:"resource"`
	Action       Action     `json:"action"`
	Scope        Scope      `json:"scope"`
	Field        string     `json:"field,omitempty"`
	Visible      bool       `json:"visible"`
	Editable     bool       `json:"editable"`
	Mask         MaskType   `json:"mask"`
	Effect       Effect     `json:"effect"`
	Condition    string     `json:"condition,omitempty"`
	Description  string     `json:"description,omitempty"`
	CreatedBy    string     `json:"created_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	RetiredAt    *time.Time `json:"retired_at,omitempty"`
	SupersededBy string     `json:"superseded_by,omitempty"`
}

// Retired reports whether the permission has been superseded.
func (p Permission) Retired() bool { return p.RetiredAt != nil }

// Grant is a direct user or role permission grant.
type Grant struct {
	SubjectID    string     `json:"subject_id"`
	PermissionID string     `json:"permission_id"`
	Active       bool       `json:"active"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	GrantedBy    string     `json:"granted_by"`
	GrantedAt    time.Time  `json:"granted_at"`
}

// EffectiveAt reports whether the grant counts at now.
func (g Grant) EffectiveAt(now time.Time) bool {
	return effective(g.Active, g.ExpiresAt, now)
}

// UserGrant is a direct grant joined with its permission, as listed to administrators.
type UserGrant struct {
	Grant
	Permission Permission `json:"permission"`
}

// Role is a named bundle of permissions.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// RoleAssignment links a user to a role with the same activation shape as a grant.
type RoleAssignment struct {
	UserID     string     `json:"user_id"`
	RoleID     string     `json:"role_id"`
	Active     bool       `json:"active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	AssignedBy string     `json:"assigned_by"`
	AssignedAt time.Time  `json:"assigned_at"`
}

func (a RoleAssignment) EffectiveAt(now time.Time) bool {
	return effective(a.Active, a.ExpiresAt, now)
}

func effective(active bool, expiresAt *time.Time, now time.Time) bool {
	return active && (expiresAt == nil || expiresAt.After(now))
}

// EffectiveGrant is one permission reachable by a user at evaluation time,
// with the path that produced it ("direct" or "role:<name>").
type EffectiveGrant struct {
	Permission Permission
	Source     string
}

// SubjectKind distinguishes grant targets.
type SubjectKind string

const (
	SubjectUser SubjectKind = "user"
	SubjectRole SubjectKind = "role"
)

// HistoryEvent names an entry in the permission history.
type HistoryEvent string

const (
	EventGrant    HistoryEvent = "grant"
	EventRevoke   HistoryEvent = "revoke"
	EventAssign   HistoryEvent = "assign"
	EventUnassign HistoryEvent = "unassign"
)

// HistoryEntry is an append-only record of a grant change.
type HistoryEntry struct {
	ID          string       `json:"id"`
	SubjectKind SubjectKind  `json:"subject_kind"`
	SubjectID   string       `json:"subject_id"`
	TargetID    string       `json:"target_id"`
	Event       HistoryEvent `json:"event"`
	ActorID     string       `json:"actor_id"`
	Reason      string       `json:"reason"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
	At          time.Time    `json:"at"`
}

// GrantBatch is one administrative change applied atomically: every target
// changes together with its history entry, or nothing changes.
type GrantBatch struct {
	SubjectKind SubjectKind
	SubjectID   string
	Event       HistoryEvent
	// TargetIDs are permission ids for grant/revoke, role ids for assign/unassign.
	TargetIDs []string
	ExpiresAt *time.Time
	ActorID   string
	Reason    string
	At        time.Time
	// HistoryIDs are pre-allocated, one per target.
	HistoryIDs []string
}

// Actor is the subject of an authorization request.
type Actor struct {
	UserID     string
	RootAdmin  bool
	Department string
}

// Target describes the record being acted on, when known.
type Target struct {
	OwnerID    string `json:"owner_id,omitempty"`
	Department string `json:"department,omitempty"`
}
