package memory

import (
	"context"
	"sort"
	"time"

	"factoryauth.org/internal/access"
)

func (s *Store) UpsertResource(ctx context.Context, r *access.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.resources[r.Name]; ok {
		if existing.Module != r.Module {
			return access.ErrConflict
		}
		r.CreatedAt = existing.CreatedAt
	}
	s.resources[r.Name] = copyResource(*r)
	return nil
}

func (s *Store) Resource(ctx context.Context, name string) (access.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[name]
	if !ok {
		return access.Resource{}, access.ErrNotFound
	}
	return copyResource(r), nil
}

func (s *Store) Resources(ctx context.Context) ([]access.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]access.Resource, 0, len(s.resources))
	for _, r := range s.resources {
		out = append(out, copyResource(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Module != out[j].Module {
			return out[i].Module < out[j].Module
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *Store) CreatePermission(ctx context.Context, p *access.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertPermissionLocked(p)
}

func (s *Store) insertPermissionLocked(p *access.Permission) error {
	if _, ok := s.resources[p.Resource]; !ok {
		return access.ErrNotFound
	}
	if _, ok := s.permissions[p.ID]; ok {
		return access.ErrConflict
	}
	for _, existing := range s.permissions {
		if existing.Name == p.Name && !existing.Retired() {
			return access.ErrConflict
		}
	}
	s.permissions[p.ID] = *p
	return nil
}

func (s *Store) Permission(ctx context.Context, id string) (access.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.permissions[id]
	if !ok {
		return access.Permission{}, access.ErrNotFound
	}
	return p, nil
}

func (s *Store) PermissionByName(ctx context.Context, name string) (access.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.permissions {
		if p.Name == name && !p.Retired() {
			return p, nil
		}
	}
	return access.Permission{}, access.ErrNotFound
}

func (s *Store) Permissions(ctx context.Context, f access.PermissionFilter) ([]access.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []access.Permission{}
	for _, p := range s.permissions {
		if p.Retired() && !f.IncludeRetired {
			continue
		}
		if (f.Module != "" && p.Module != f.Module) ||
			(f.Resource != "" && p.Resource != f.Resource) ||
			(f.Action != "" && p.Action != f.Action) ||
			(f.Scope != "" && p.Scope != f.Scope) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) Supersede(ctx context.Context, oldID string, next *access.Permission, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.permissions[oldID]
	if !ok {
		return access.ErrNotFound
	}
	if old.Retired() {
		return access.ErrConflict
	}
	retired := old
	retiredAt := at
	retired.RetiredAt = &retiredAt
	retired.SupersededBy = next.ID
	s.permissions[oldID] = retired
	if err := s.insertPermissionLocked(next); err != nil {
		s.permissions[oldID] = old
		return err
	}
	return nil
}

func (s *Store) ApplyBatch(ctx context.Context, b access.GrantBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	roleTargets := b.Event == access.EventAssign || b.Event == access.EventUnassign
	switch b.SubjectKind {
	case access.SubjectUser:
		if _, ok := s.users[b.SubjectID]; !ok {
			return access.ErrNotFound
		}
	case access.SubjectRole:
		if roleTargets {
			return access.ErrInvalidInput
		}
		if _, ok := s.roles[b.SubjectID]; !ok {
			return access.ErrNotFound
		}
	default:
		return access.ErrInvalidInput
	}
	if len(b.HistoryIDs) != len(b.TargetIDs) {
		return access.ErrInvalidInput
	}
	for _, id := range b.TargetIDs {
		if roleTargets {
			if _, ok := s.roles[id]; !ok {
				return access.ErrNotFound
			}
		} else {
			p, ok := s.permissions[id]
			if !ok {
				return access.ErrNotFound
			}
			if b.Event == access.EventGrant && p.Retired() {
				return access.ErrConflict
			}
		}
		if !s.heldLocked(b, id) {
			return access.ErrNotFound
		}
	}

	for i, id := range b.TargetIDs {
		if roleTargets {
			s.applyAssignmentLocked(b, id)
		} else {
			s.applyGrantLocked(b, id)
		}
		s.history = append(s.history, access.HistoryEntry{
			ID:          b.HistoryIDs[i],
			SubjectKind: b.SubjectKind,
			SubjectID:   b.SubjectID,
			TargetID:    id,
			Event:       b.Event,
			ActorID:     b.ActorID,
			Reason:      b.Reason,
			ExpiresAt:   copyTime(b.ExpiresAt),
			At:          b.At,
		})
	}
	return nil
}

// heldLocked reports whether a revoke or unassign has a row to act on.
// Grants and assignments always do.
func (s *Store) heldLocked(b access.GrantBatch, targetID string) bool {
	switch b.Event {
	case access.EventRevoke:
		grants := s.userGrants
		if b.SubjectKind == access.SubjectRole {
			grants = s.roleGrants
		}
		_, ok := grants[b.SubjectID][targetID]
		return ok
	case access.EventUnassign:
		_, ok := s.assignments[b.SubjectID][targetID]
		return ok
	}
	return true
}

func (s *Store) applyGrantLocked(b access.GrantBatch, permissionID string) {
	grants := s.userGrants
	if b.SubjectKind == access.SubjectRole {
		grants = s.roleGrants
	}
	bySubject := grants[b.SubjectID]
	if bySubject == nil {
		bySubject = make(map[string]access.Grant)
		grants[b.SubjectID] = bySubject
	}
	g, exists := bySubject[permissionID]
	if b.Event == access.EventRevoke {
		if exists {
			g.Active = false
			bySubject[permissionID] = g
		}
		return
	}
	bySubject[permissionID] = access.Grant{
		SubjectID:    b.SubjectID,
		PermissionID: permissionID,
		Active:       true,
		ExpiresAt:    copyTime(b.ExpiresAt),
		GrantedBy:    b.ActorID,
		GrantedAt:    b.At,
	}
}

func (s *Store) applyAssignmentLocked(b access.GrantBatch, roleID string) {
	byUser := s.assignments[b.SubjectID]
	if byUser == nil {
		byUser = make(map[string]access.RoleAssignment)
		s.assignments[b.SubjectID] = byUser
	}
	a, exists := byUser[roleID]
	if b.Event == access.EventUnassign {
		if exists {
			a.Active = false
			byUser[roleID] = a
		}
		return
	}
	byUser[roleID] = access.RoleAssignment{
		UserID:     b.SubjectID,
		RoleID:     roleID,
		Active:     true,
		ExpiresAt:  copyTime(b.ExpiresAt),
		AssignedBy: b.ActorID,
		AssignedAt: b.At,
	}
}

func (s *Store) EffectiveGrants(ctx context.Context, userID string, now time.Time) ([]access.EffectiveGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []access.EffectiveGrant
	for id, g := range s.userGrants[userID] {
		p, ok := s.permissions[id]
		if ok && g.EffectiveAt(now) && !p.Retired() {
			out = append(out, access.EffectiveGrant{Permission: p, Source: "direct"})
		}
	}
	for roleID, a := range s.assignments[userID] {
		if !a.EffectiveAt(now) {
			continue
		}
		source := "role:" + s.roles[roleID].Name
		for id, g := range s.roleGrants[roleID] {
			p, ok := s.permissions[id]
			if ok && g.EffectiveAt(now) && !p.Retired() {
				out = append(out, access.EffectiveGrant{Permission: p, Source: source})
			}
		}
	}
	return out, nil
}

func (s *Store) UserGrants(ctx context.Context, userID string) ([]access.UserGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []access.UserGrant{}
	for id, g := range s.userGrants[userID] {
		out = append(out, access.UserGrant{Grant: g, Permission: s.permissions[id]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Permission.Name < out[j].Permission.Name })
	return out, nil
}

func (s *Store) RoleGrants(ctx context.Context, roleID string) ([]access.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []access.Grant{}
	for _, g := range s.roleGrants[roleID] {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PermissionID < out[j].PermissionID })
	return out, nil
}

func (s *Store) Assignments(ctx context.Context, userID string) ([]access.RoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []access.RoleAssignment{}
	for _, a := range s.assignments[userID] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoleID < out[j].RoleID })
	return out, nil
}

func (s *Store) History(ctx context.Context, kind access.SubjectKind, subjectID string) ([]access.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []access.HistoryEntry{}
	for _, h := range s.history {
		if h.SubjectKind == kind && h.SubjectID == subjectID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *Store) CreateRole(ctx context.Context, r *access.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.roles {
		if existing.Name == r.Name {
			return access.ErrConflict
		}
	}
	s.roles[r.ID] = *r
	return nil
}

func (s *Store) Role(ctx context.Context, id string) (access.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return access.Role{}, access.ErrNotFound
	}
	return r, nil
}

func (s *Store) Roles(ctx context.Context) ([]access.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]access.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func copyResource(r access.Resource) access.Resource {
	r.Fields = append([]access.Field(nil), r.Fields...)
	return r
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
