package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"factoryauth.org/internal/access"
	"factoryauth.org/internal/audit"
)

type grantRequest struct {
	PermissionIDs []string   `json:"permission_ids"`
	ExpiresAt     *time.Time `json:"expires_at"`
	Reason        string     `json:"reason"`
}

type roleChangeRequest struct {
	RoleIDs   []string   `json:"role_ids"`
	ExpiresAt *time.Time `json:"expires_at"`
	Reason    string     `json:"reason"`
}

type createRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type resetPasswordRequest struct {
	TemporaryPassword string `json:"temporary_password"`
}

// --- catalog ---

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireAdminView(w, r); !ok {
		return
	}
	q := r.URL.Query()
	filter := access.PermissionFilter{
		Module:         strings.TrimSpace(q.Get("module")),
		Resource:       strings.TrimSpace(q.Get("resource")),
		Action:         access.Action(strings.TrimSpace(q.Get("action"))),
		Scope:          access.Scope(strings.TrimSpace(q.Get("scope"))),
		IncludeRetired: q.Get("include_retired") == "true",
	}
	items, err := a.svc.Catalog.List(r.Context(), filter)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleCreatePermission(w http.ResponseWriter, r *http.Request) {
	p, ok := a.requireRoot(w, r)
	if !ok {
		return
	}
	var req access.PermissionInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	perm, err := a.svc.Catalog.CreatePermission(r.Context(), p.User.ID, req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/admin/permissions/%s", perm.ID))
	writeJSON(w, http.StatusCreated, perm)
}

func (a *API) handleSupersede(w http.ResponseWriter, r *http.Request) {
	p, ok := a.requireRoot(w, r)
	if !ok {
		return
	}
	var req access.PermissionInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	perm, err := a.svc.Catalog.Supersede(r.Context(), p.User.ID, r.PathValue("id"), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/admin/permissions/%s", perm.ID))
	writeJSON(w, http.StatusCreated, perm)
}

func (a *API) handleRegisterResource(w http.ResponseWriter, r *http.Request) {
	p, ok := a.requireRoot(w, r)
	if !ok {
		return
	}
	var req access.Resource
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.svc.Catalog.RegisterResource(r.Context(), p.User.ID, req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleSchema(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireAdminView(w, r); !ok {
		return
	}
	modules, err := a.svc.Catalog.Schema(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"modules": modules})
}

// --- user grants ---

func (a *API) handleUserPermissions(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireAdminView(w, r); !ok {
		return
	}
	userID := r.PathValue("id")
	if _, err := a.svc.Engine.Accounts().Get(r.Context(), userID); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	grants, err := a.svc.Grants.UserPermissions(r.Context(), userID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	roles, err := a.svc.Grants.UserRoles(r.Context(), userID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": grants, "roles": roles})
}

func (a *API) handleGrantUser(w http.ResponseWriter, r *http.Request) {
	a.applyGrant(w, r, a.svc.Grants.GrantPermissions)
}

func (a *API) handleRevokeUser(w http.ResponseWriter, r *http.Request) {
	a.applyGrant(w, r, a.svc.Grants.RevokePermissions)
}

func (a *API) handleGrantRole(w http.ResponseWriter, r *http.Request) {
	a.applyGrant(w, r, a.svc.Grants.GrantRolePermissions)
}

func (a *API) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	a.applyGrant(w, r, a.svc.Grants.RevokeRolePermissions)
}

func (a *API) handleAssignRoles(w http.ResponseWriter, r *http.Request) {
	a.applyRoles(w, r, a.svc.Grants.AssignRoles)
}

func (a *API) handleUnassignRoles(w http.ResponseWriter, r *http.Request) {
	a.applyRoles(w, r, a.svc.Grants.UnassignRoles)
}

// changeFunc is the shape shared by every grant, revoke, assign and unassign operation.
type changeFunc func(ctx context.Context, actorID, subjectID string, c access.Change) error

func (a *API) applyGrant(w http.ResponseWriter, r *http.Request, fn changeFunc) {
	p, ok := a.requireRoot(w, r)
	if !ok {
		return
	}
	var req grantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	change := access.Change{IDs: req.PermissionIDs, ExpiresAt: req.ExpiresAt, Reason: req.Reason}
	if err := fn(r.Context(), p.User.ID, r.PathValue("id"), change); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) applyRoles(w http.ResponseWriter, r *http.Request, fn changeFunc) {
	p, ok := a.requireRoot(w, r)
	if !ok {
		return
	}
	var req roleChangeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	change := access.Change{IDs: req.RoleIDs, ExpiresAt: req.ExpiresAt, Reason: req.Reason}
	if err := fn(r.Context(), p.User.ID, r.PathValue("id"), change); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUserHistory(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireAdminView(w, r); !ok {
		return
	}
	items, err := a.svc.Grants.History(r.Context(), access.SubjectUser, r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// --- accounts ---

func (a *API) handleApprove(w http.ResponseWriter, r *http.Request) {
	p, ok := a.requireRoot(w, r)
	if !ok {
		return
	}
	user, err := a.svc.Engine.Accounts().Approve(r.Context(), p.User.ID, r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newUserView(user))
}

func (a *API) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	p, ok := a.requireRoot(w, r)
	if !ok {
		return
	}
	userID := r.PathValue("id")
	if userID == p.User.ID {
		writeError(w, r, http.StatusBadRequest, "cannot deactivate your own account")
		return
	}
	user, revoked, err := a.svc.Engine.Deactivate(r.Context(), p.User.ID, userID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": newUserView(user), "revoked_sessions": revoked})
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	p, ok := a.requireRoot(w, r)
	if !ok {
		return
	}
	var req resetPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	revoked, err := a.svc.Engine.ResetPassword(r.Context(), p.User.ID, r.PathValue("id"), req.TemporaryPassword)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked_sessions": revoked})
}

// --- roles ---

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireAdminView(w, r); !ok {
		return
	}
	roles, err := a.svc.Grants.Roles(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": roles})
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	p, ok := a.requireRoot(w, r)
	if !ok {
		return
	}
	var req createRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.svc.Grants.CreateRole(r.Context(), p.User.ID, req.Name, req.Description)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/admin/roles/%s", role.ID))
	writeJSON(w, http.StatusCreated, role)
}

// --- audit ---

// handleAudit filters by user, action and an inclusive date range. Dates are
// RFC 3339 timestamps or plain days; a plain "to" day covers the whole day.
func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireAdminView(w, r); !ok {
		return
	}
	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	from, err := parseBound(q.Get("from"), false)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "from: "+err.Error())
		return
	}
	to, err := parseBound(q.Get("to"), true)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "to: "+err.Error())
		return
	}
	items, err := a.svc.Audit.Query(r.Context(), audit.Filter{
		ActorID: q.Get("user"),
		Action:  q.Get("action"),
		From:    from,
		To:      to,
		Limit:   limit,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func parseBound(raw string, endOfDay bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	d, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, errors.New("expected RFC 3339 timestamp or YYYY-MM-DD")
	}
	if endOfDay {
		return d.Add(24*time.Hour - time.Nanosecond), nil
	}
	return d, nil
}
