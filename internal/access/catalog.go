package access

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"factoryauth.org/internal/audit"
	"factoryauth.org/internal/ids"
)

// Catalog manages resources and the immutable permission catalog.
type Catalog struct {
	repo PermissionRepository
	deps
}

// NewCatalog constructs Catalog.
func NewCatalog(repo PermissionRepository, opts ...Option) *Catalog {
	return &Catalog{repo: repo, deps: buildDeps(opts)}
}

// RegisterResource creates or replaces a resource definition and its field list.
func (c *Catalog) RegisterResource(ctx context.Context, actorID string, in Resource) (Resource, error) {
	in.Module = strings.TrimSpace(in.Module)
	in.Name = strings.TrimSpace(in.Name)
	if !validIdent(in.Module) {
		return Resource{}, fmt.Errorf("%w: module %q must be lower-case letters, digits or underscores", ErrInvalidInput, in.Module)
	}
	if !validIdent(in.Name) {
		return Resource{}, fmt.Errorf("%w: resource %q must be lower-case letters, digits or underscores", ErrInvalidInput, in.Name)
	}
	seen := make(map[string]struct{}, len(in.Fields))
	for i, f := range in.Fields {
		f.Name = strings.TrimSpace(f.Name)
		if !validIdent(f.Name) {
			return Resource{}, fmt.Errorf("%w: field %q must be lower-case letters, digits or underscores", ErrInvalidInput, f.Name)
		}
		if _, dup := seen[f.Name]; dup {
			return Resource{}, fmt.Errorf("%w: duplicate field %q", ErrInvalidInput, f.Name)
		}
		seen[f.Name] = struct{}{}
		if f.Type = strings.TrimSpace(f.Type); f.Type == "" {
			f.Type = "text"
		}
		in.Fields[i] = f
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = c.now().UTC()
	}
	if err := c.repo.UpsertResource(ctx, &in); err != nil {
		return Resource{}, err
	}
	c.recorder.Record(ctx, audit.Entry{
		ActorID:      actorID,
		Action:       "catalog.resource.upsert",
		ResourceType: "resource",
		ResourceID:   in.Name,
		Detail:       map[string]any{"module": in.Module, "fields": len(in.Fields)},
	})
	return in, nil
}

// PermissionInput describes a permission to create.
type PermissionInput struct {
	Name        string   `json:"name"`
	Resource    string   `json:"resource"`
	Action      Action   `json:"action"`
	Scope       Scope    `json:"scope"`
	Field       string   `json:"field"`
	Visible     bool     `json:"visible"`
	Editable    bool     `json:"editable"`
	Mask        MaskType `json:"mask"`
	Effect      Effect   `json:"effect"`
	Condition   string   `json:"condition"`
	Description string   `json:"description"`
}

// CreatePermission validates and stores a new permission.
func (c *Catalog) CreatePermission(ctx context.Context, actorID string, in PermissionInput) (Permission, error) {
	p, err := c.build(ctx, actorID, in)
	if err != nil {
		return Permission{}, err
	}
	if err := c.repo.CreatePermission(ctx, &p); err != nil {
		return Permission{}, err
	}
	c.recorder.Record(ctx, audit.Entry{
		ActorID:      actorID,
		Action:       "catalog.permission.create",
		ResourceType: "permission",
		ResourceID:   p.ID,
		Detail:       permissionDetail(p),
	})
	return p, nil
}

// Supersede replaces a permission with a new definition. The old entry is
// retired, not edited; grants that reference it stop resolving. Blank input
// fields are filled from the old permission, including its name.
func (c *Catalog) Supersede(ctx context.Context, actorID, oldID string, in PermissionInput) (Permission, error) {
	oldID = strings.TrimSpace(oldID)
	if oldID == "" {
		return Permission{}, fmt.Errorf("%w: permission id is required", ErrInvalidInput)
	}
	old, err := c.repo.Permission(ctx, oldID)
	if err != nil {
		return Permission{}, err
	}
	if old.Retired() {
		return Permission{}, fmt.Errorf("%w: permission %s is already retired", ErrConflict, old.Name)
	}
	if strings.TrimSpace(in.Name) == "" {
		in.Name = old.Name
	}
	if strings.TrimSpace(in.Resource) == "" {
		in.Resource = old.Resource
	}
	if in.Action == "" {
		in.Action = old.Action
	}
	if in.Scope == "" {
		in.Scope = old.Scope
	}
	next, err := c.build(ctx, actorID, in)
	if err != nil {
		return Permission{}, err
	}
	if err := c.repo.Supersede(ctx, old.ID, &next, next.CreatedAt); err != nil {
		return Permission{}, err
	}
	detail := permissionDetail(next)
	detail["superseded_id"] = old.ID
	c.recorder.Record(ctx, audit.Entry{
		ActorID:      actorID,
		Action:       "catalog.permission.supersede",
		ResourceType: "permission",
		ResourceID:   next.ID,
		Detail:       detail,
	})
	return next, nil
}

func (c *Catalog) build(ctx context.Context, actorID string, in PermissionInput) (Permission, error) {
	in.Resource = strings.TrimSpace(in.Resource)
	in.Field = strings.TrimSpace(in.Field)
	if in.Resource == "" {
		return Permission{}, fmt.Errorf("%w: resource is required", ErrInvalidInput)
	}
	if !in.Action.Valid() {
		return Permission{}, fmt.Errorf("%w: unknown action %q", ErrInvalidInput, in.Action)
	}
	if in.Scope == "" {
		in.Scope = ScopeGlobal
		if in.Field != "" {
			in.Scope = ScopeField
		}
	}
	if !in.Scope.Valid() {
		return Permission{}, fmt.Errorf("%w: unknown scope %q", ErrInvalidInput, in.Scope)
	}
	if in.Effect == "" {
		in.Effect = EffectAllow
	}
	if in.Effect != EffectAllow && in.Effect != EffectDeny {
		return Permission{}, fmt.Errorf("%w: effect must be allow or deny", ErrInvalidInput)
	}
	if in.Mask == "" {
		in.Mask = MaskNone
	}
	if !in.Mask.Valid() {
		return Permission{}, fmt.Errorf("%w: unknown mask type %q", ErrInvalidInput, in.Mask)
	}

	if in.Scope == ScopeField {
		if in.Field == "" {
			return Permission{}, fmt.Errorf("%w: field scope requires a field", ErrInvalidInput)
		}
		if in.Editable && !in.Visible {
			return Permission{}, fmt.Errorf("%w: a field cannot be editable without being visible", ErrInvalidInput)
		}
		if in.Mask != MaskNone && !in.Visible {
			return Permission{}, fmt.Errorf("%w: masking applies only to visible fields", ErrInvalidInput)
		}
	} else {
		if in.Field != "" {
			return Permission{}, fmt.Errorf("%w: field %q requires field scope", ErrInvalidInput, in.Field)
		}
		if in.Visible || in.Editable || in.Mask != MaskNone {
			return Permission{}, fmt.Errorf("%w: visible, editable and mask apply only to field-scoped permissions", ErrInvalidInput)
		}
	}

	cond, err := ParseCondition(in.Condition)
	if err != nil {
		return Permission{}, err
	}

	res, err := c.repo.Resource(ctx, in.Resource)
	if err != nil {
		return Permission{}, err
	}
	if in.Field != "" {
		if _, ok := res.Field(in.Field); !ok {
			return Permission{}, fmt.Errorf("%w: resource %s has no field %q", ErrInvalidInput, res.Name, in.Field)
		}
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = defaultName(res.Module, res.Name, in.Action, in.Scope, in.Field, in.Effect)
	}
	if !validName(name) {
		return Permission{}, fmt.Errorf("%w: permission name %q must be dot-separated lower-case segments", ErrInvalidInput, name)
	}

	return Permission{
		ID:          ids.New(),
		Name:        name,
		Module:      res.Module,
		Resource:    res.Name,
		Action:      in.Action,
		Scope:       in.Scope,
		Field:       in.Field,
		Visible:     in.Visible,
		Editable:    in.Editable,
		Mask:        in.Mask,
		Effect:      in.Effect,
		Condition:   cond.String(),
		Description: strings.TrimSpace(in.Description),
		CreatedBy:   actorID,
		CreatedAt:   c.now().UTC(),
	}, nil
}

// defaultName builds <module>.<resource>.<action>, then appends the field, a
// narrowed scope and a deny marker when present.
func defaultName(module, resource string, action Action, scope Scope, field string, effect Effect) string {
	parts := []string{module, resource, string(action)}
	switch {
	case field != "":
		parts = append(parts, field)
	case scope == ScopeOwn || scope == ScopeDepartment:
		parts = append(parts, string(scope))
	}
	if effect == EffectDeny {
		parts = append(parts, "deny")
	}
	return strings.Join(parts, ".")
}

// Get loads a permission by id.
func (c *Catalog) Get(ctx context.Context, id string) (Permission, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Permission{}, fmt.Errorf("%w: permission id is required", ErrInvalidInput)
	}
	return c.repo.Permission(ctx, id)
}

// List returns permissions matching filter, ordered by name.
func (c *Catalog) List(ctx context.Context, filter PermissionFilter) ([]Permission, error) {
	if filter.Action != "" && !filter.Action.Valid() {
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidInput, filter.Action)
	}
	if filter.Scope != "" && !filter.Scope.Valid() {
		return nil, fmt.Errorf("%w: unknown scope %q", ErrInvalidInput, filter.Scope)
	}
	return c.repo.Permissions(ctx, filter)
}

// SchemaResource is one resource in the picker tree.
type SchemaResource struct {
	Name    string   `json:"name"`
	Fields  []Field  `json:"fields"`
	Actions []Action `json:"actions"`
}

// SchemaModule groups resources of one module.
type SchemaModule struct {
	Module    string           `json:"module"`
	Resources []SchemaResource `json:"resources"`
}

// Schema returns the module -> resource -> action tree of the live catalog.
func (c *Catalog) Schema(ctx context.Context) ([]SchemaModule, error) {
	resources, err := c.repo.Resources(ctx)
	if err != nil {
		return nil, err
	}
	perms, err := c.repo.Permissions(ctx, PermissionFilter{})
	if err != nil {
		return nil, err
	}
	actions := make(map[string]map[Action]bool)
	for _, p := range perms {
		if actions[p.Resource] == nil {
			actions[p.Resource] = make(map[Action]bool)
		}
		actions[p.Resource][p.Action] = true
	}

	byModule := make(map[string][]SchemaResource)
	for _, r := range resources {
		sr := SchemaResource{Name: r.Name, Fields: r.Fields, Actions: []Action{}}
		if sr.Fields == nil {
			sr.Fields = []Field{}
		}
		for _, a := range Actions {
			if actions[r.Name][a] {
				sr.Actions = append(sr.Actions, a)
			}
		}
		byModule[r.Module] = append(byModule[r.Module], sr)
	}
	out := make([]SchemaModule, 0, len(byModule))
	for module, list := range byModule {
		sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
		out = append(out, SchemaModule{Module: module, Resources: list})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Module < out[j].Module })
	return out, nil
}

func permissionDetail(p Permission) map[string]any {
	d := map[string]any{
		"name":     p.Name,
		"resource": p.Resource,
		"action":   string(p.Action),
		"scope":    string(p.Scope),
		"effect":   string(p.Effect),
	}
	if p.Field != "" {
		d["field"] = p.Field
		d["visible"] = p.Visible
		d["editable"] = p.Editable
		d["mask"] = string(p.Mask)
	}
	if p.Condition != "" {
		d["condition"] = p.Condition
	}
	return d
}

func validIdent(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for _, r := range s {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

func validName(s string) bool {
	if len(s) > 200 {
		return false
	}
	for _, seg := range strings.Split(s, ".") {
		if !validIdent(seg) {
			return false
		}
	}
	return true
}
