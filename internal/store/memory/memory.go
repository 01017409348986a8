// Package memory implements every repository in process. It backs development
// runs and tests; data does not survive a restart.
package memory

import (
	"sync"
	"time"

	"factoryauth.org/internal/access"
	"factoryauth.org/internal/audit"
	"factoryauth.org/internal/auth"
	"factoryauth.org/internal/session"
)

// Store holds all state behind one RWMutex so grant reads see one snapshot.
type Store struct {
	mu sync.RWMutex

	users     map[string]auth.User
	usernames map[string]string

	resources   map[string]access.Resource
	permissions map[string]access.Permission
	roles       map[string]access.Role
	userGrants  map[string]map[string]access.Grant
	roleGrants  map[string]map[string]access.Grant
	assignments map[string]map[string]access.RoleAssignment
	history     []access.HistoryEntry

	sessions map[string]session.Session
	byHash   map[string]string

	audit []audit.Entry

	now func() time.Time
}

var (
	_ auth.UserRepository         = (*Store)(nil)
	_ access.PermissionRepository = (*Store)(nil)
	_ access.GrantRepository      = (*Store)(nil)
	_ session.Repository          = (*Store)(nil)
	_ audit.Repository            = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		users:       make(map[string]auth.User),
		usernames:   make(map[string]string),
		resources:   make(map[string]access.Resource),
		permissions: make(map[string]access.Permission),
		roles:       make(map[string]access.Role),
		userGrants:  make(map[string]map[string]access.Grant),
		roleGrants:  make(map[string]map[string]access.Grant),
		assignments: make(map[string]map[string]access.RoleAssignment),
		sessions:    make(map[string]session.Session),
		byHash:      make(map[string]string),
		now:         time.Now,
	}
}
