package access

import (
	"context"
	"sort"
	"sync"
	"time"
)

// fakeStore is a minimal in-package repository used by the service tests.
type fakeStore struct {
	mu         sync.Mutex
	resources  map[string]Resource
	perms      map[string]Permission
	userGrants map[string]map[string]Grant
	roleGrants map[string]map[string]Grant
	assigned   map[string]map[string]RoleAssignment
	roles      map[string]Role
	history    []HistoryEntry
	snapshots  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		resources:  map[string]Resource{},
		perms:      map[string]Permission{},
		userGrants: map[string]map[string]Grant{},
		roleGrants: map[string]map[string]Grant{},
		assigned:   map[string]map[string]RoleAssignment{},
		roles:      map[string]Role{},
	}
}

func (s *fakeStore) UpsertResource(ctx context.Context, r *Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[r.Name] = *r
	return nil
}

func (s *fakeStore) Resource(ctx context.Context, name string) (Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[name]
	if !ok {
		return Resource{}, ErrNotFound
	}
	return r, nil
}

func (s *fakeStore) Resources(ctx context.Context) ([]Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Resource, 0, len(s.resources))
	for _, r := range s.resources {
		out = append(out, r)
	}
	return out, nil
}

func (s *fakeStore) CreatePermission(ctx context.Context, p *Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(p)
}

func (s *fakeStore) insertLocked(p *Permission) error {
	for _, existing := range s.perms {
		if existing.Name == p.Name && !existing.Retired() {
			return ErrConflict
		}
	}
	s.perms[p.ID] = *p
	return nil
}

func (s *fakeStore) Permission(ctx context.Context, id string) (Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.perms[id]
	if !ok {
		return Permission{}, ErrNotFound
	}
	return p, nil
}

func (s *fakeStore) PermissionByName(ctx context.Context, name string) (Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.perms {
		if p.Name == name && !p.Retired() {
			return p, nil
		}
	}
	return Permission{}, ErrNotFound
}

func (s *fakeStore) Permissions(ctx context.Context, f PermissionFilter) ([]Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Permission
	for _, p := range s.perms {
		if (p.Retired() && !f.IncludeRetired) ||
			(f.Module != "" && p.Module != f.Module) ||
			(f.Resource != "" && p.Resource != f.Resource) ||
			(f.Action != "" && p.Action != f.Action) ||
			(f.Scope != "" && p.Scope != f.Scope) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *fakeStore) Supersede(ctx context.Context, oldID string, next *Permission, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.perms[oldID]
	if !ok {
		return ErrNotFound
	}
	if old.Retired() {
		return ErrConflict
	}
	old.RetiredAt = &at
	old.SupersededBy = next.ID
	s.perms[oldID] = old
	return s.insertLocked(next)
}

func (s *fakeStore) ApplyBatch(ctx context.Context, b GrantBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	assign := b.Event == EventAssign || b.Event == EventUnassign
	for _, id := range b.TargetIDs {
		if assign {
			if _, ok := s.roles[id]; !ok {
				return ErrNotFound
			}
			if _, ok := s.assigned[b.SubjectID][id]; !ok && b.Event == EventUnassign {
				return ErrNotFound
			}
			continue
		}
		p, ok := s.perms[id]
		if !ok {
			return ErrNotFound
		}
		if p.Retired() && b.Event == EventGrant {
			return ErrConflict
		}
		grants := s.userGrants
		if b.SubjectKind == SubjectRole {
			grants = s.roleGrants
		}
		if _, ok := grants[b.SubjectID][id]; !ok && b.Event == EventRevoke {
			return ErrNotFound
		}
	}
	for i, id := range b.TargetIDs {
		switch {
		case assign:
			m := s.assigned[b.SubjectID]
			if m == nil {
				m = map[string]RoleAssignment{}
				s.assigned[b.SubjectID] = m
			}
			a := m[id]
			a.UserID, a.RoleID = b.SubjectID, id
			a.Active = b.Event == EventAssign
			if a.Active {
				a.ExpiresAt, a.AssignedBy, a.AssignedAt = b.ExpiresAt, b.ActorID, b.At
			}
			m[id] = a
		default:
			grants := s.userGrants
			if b.SubjectKind == SubjectRole {
				grants = s.roleGrants
			}
			m := grants[b.SubjectID]
			if m == nil {
				m = map[string]Grant{}
				grants[b.SubjectID] = m
			}
			g := m[id]
			g.SubjectID, g.PermissionID = b.SubjectID, id
			g.Active = b.Event == EventGrant
			if g.Active {
				g.ExpiresAt, g.GrantedBy, g.GrantedAt = b.ExpiresAt, b.ActorID, b.At
			}
			m[id] = g
		}
		s.history = append(s.history, HistoryEntry{
			ID: b.HistoryIDs[i], SubjectKind: b.SubjectKind, SubjectID: b.SubjectID,
			TargetID: id, Event: b.Event, ActorID: b.ActorID, Reason: b.Reason,
			ExpiresAt: b.ExpiresAt, At: b.At,
		})
	}
	return nil
}

func (s *fakeStore) EffectiveGrants(ctx context.Context, userID string, now time.Time) ([]EffectiveGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots++
	var out []EffectiveGrant
	for id, g := range s.userGrants[userID] {
		if p := s.perms[id]; g.EffectiveAt(now) && !p.Retired() {
			out = append(out, EffectiveGrant{Permission: p, Source: "direct"})
		}
	}
	for roleID, a := range s.assigned[userID] {
		if !a.EffectiveAt(now) {
			continue
		}
		for id, g := range s.roleGrants[roleID] {
			if p := s.perms[id]; g.EffectiveAt(now) && !p.Retired() {
				out = append(out, EffectiveGrant{Permission: p, Source: "role:" + s.roles[roleID].Name})
			}
		}
	}
	return out, nil
}

func (s *fakeStore) UserGrants(ctx context.Context, userID string) ([]UserGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []UserGrant
	for id, g := range s.userGrants[userID] {
		out = append(out, UserGrant{Grant: g, Permission: s.perms[id]})
	}
	return out, nil
}

func (s *fakeStore) RoleGrants(ctx context.Context, roleID string) ([]Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Grant
	for _, g := range s.roleGrants[roleID] {
		out = append(out, g)
	}
	return out, nil
}

func (s *fakeStore) Assignments(ctx context.Context, userID string) ([]RoleAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RoleAssignment
	for _, a := range s.assigned[userID] {
		out = append(out, a)
	}
	return out, nil
}

func (s *fakeStore) History(ctx context.Context, kind SubjectKind, subjectID string) ([]HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []HistoryEntry
	for _, h := range s.history {
		if h.SubjectKind == kind && h.SubjectID == subjectID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *fakeStore) CreateRole(ctx context.Context, r *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.roles {
		if existing.Name == r.Name {
			return ErrConflict
		}
	}
	s.roles[r.ID] = *r
	return nil
}

func (s *fakeStore) Role(ctx context.Context, id string) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return r, nil
}

func (s *fakeStore) Roles(ctx context.Context) ([]Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r)
	}
	return out, nil
}
