package httpapi

import (
	"net/http"
	"time"

	"factoryauth.org/internal/auth"
	"factoryauth.org/internal/session"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      userView  `json:"user"`
}

type signupRequest struct {
	Username    string           `json:"username"`
	Password    string           `json:"password"`
	Department  string           `json:"department"`
	AccessScope auth.AccessScope `json:"access_scope"`
}

type passwordChangeRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// userView is the public shape of auth.User; hashes and counters stay private.
type userView struct {
	ID                    string           `json:"id"`
	Username              string           `json:"username"`
	Status                auth.Status      `json:"status"`
	RootAdmin             bool             `json:"root_admin"`
	AccessScope           auth.AccessScope `json:"access_scope"`
	Department            string           `json:"department,omitempty"`
	PasswordResetRequired bool             `json:"password_reset_required"`
	CreatedAt             time.Time        `json:"created_at"`
}

func newUserView(u auth.User) userView {
	return userView{
		ID:                    u.ID,
		Username:              u.Username,
		Status:                u.Status,
		RootAdmin:             u.RootAdmin,
		AccessScope:           u.AccessScope,
		Department:            u.Department,
		PasswordResetRequired: u.PasswordResetRequired,
		CreatedAt:             u.CreatedAt,
	}
}

type sessionView struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastActivity time.Time `json:"last_activity"`
	Origin       string    `json:"origin,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
}

func newSessionView(s session.Session) sessionView {
	return sessionView{
		ID:           s.ID,
		CreatedAt:    s.CreatedAt,
		ExpiresAt:    s.ExpiresAt,
		LastActivity: s.LastActivity,
		Origin:       s.Origin,
		UserAgent:    s.UserAgent,
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.svc.Engine.Login(r.Context(), req.Username, req.Password, a.client(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     res.Token,
		ExpiresAt: res.Session.ExpiresAt,
		User:      newUserView(res.User),
	})
}

func (a *API) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.svc.Engine.Accounts().Signup(r.Context(), auth.SignupInput{
		Username:    req.Username,
		Password:    req.Password,
		Department:  req.Department,
		AccessScope: req.AccessScope,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newUserView(user))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, _ := auth.TokenFromContext(r.Context())
	if err := a.svc.Engine.Logout(r.Context(), token); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"session": newSessionView(currentSession(r)),
		"user":    newUserView(principal(r).User),
	})
}

func (a *API) handlePasswordChange(w http.ResponseWriter, r *http.Request) {
	var req passwordChangeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := a.svc.Engine.ChangePassword(r.Context(), principal(r).User, req.CurrentPassword, req.NewPassword); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
