package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"factoryauth.org/internal/audit"
	"factoryauth.org/internal/ids"
)

// Accounts administers the user lifecycle: signup, approval, deactivation and passwords.
type Accounts struct {
	users  UserRepository
	policy Policy
	denied map[string]struct{}
	deps
}

// NewAccounts constructs Accounts.
func NewAccounts(users UserRepository, policy Policy, opts ...Option) *Accounts {
	policy = policy.withDefaults()
	return &Accounts{users: users, policy: policy, denied: policy.denySet(), deps: buildDeps(opts)}
}

// SignupInput describes a self-service registration.
type SignupInput struct {
	Username    string
	Password    string
	Department  string
	AccessScope AccessScope
}

// Signup creates a pending account that an administrator must approve.
func (a *Accounts) Signup(ctx context.Context, in SignupInput) (User, error) {
	username := NormalizeUsername(in.Username)
	if username == "" {
		return User{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if len(username) > 64 {
		return User{}, fmt.Errorf("%w: username must be at most 64 characters", ErrInvalidInput)
	}
	if _, reserved := a.denied[username]; reserved {
		return User{}, fmt.Errorf("%w: username is reserved", ErrInvalidInput)
	}
	if err := a.checkPassword(username, in.Password); err != nil {
		return User{}, err
	}
	scope := in.AccessScope
	if scope == "" {
		scope = ScopeFactoryOnly
	}
	if !scope.Valid() {
		return User{}, fmt.Errorf("%w: unknown access scope %q", ErrInvalidInput, scope)
	}

	hash, err := HashPassword(in.Password, a.policy.BcryptCost)
	if err != nil {
		return User{}, err
	}
	now := a.now().UTC()
	user := User{
		ID:           ids.New(),
		Username:     username,
		PasswordHash: hash,
		Status:       StatusPending,
		AccessScope:  scope,
		Department:   strings.TrimSpace(in.Department),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.users.CreateUser(ctx, &user); err != nil {
		return User{}, err
	}
	a.recorder.Record(ctx, audit.Entry{
		ActorID:      user.ID,
		Action:       "user.signup",
		ResourceType: "user",
		ResourceID:   user.ID,
		Detail:       map[string]any{"username": username, "access_scope": string(scope)},
	})
	return user, nil
}

// Get loads a user by id.
func (a *Accounts) Get(ctx context.Context, id string) (User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return User{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	return a.users.FindByID(ctx, id)
}

// Approve moves a pending account to active.
func (a *Accounts) Approve(ctx context.Context, actorID, userID string) (User, error) {
	user, err := a.Get(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if user.Status != StatusPending {
		return User{}, fmt.Errorf("%w: user is %s, not pending", ErrConflict, user.Status)
	}
	if err := a.users.UpdateStatus(ctx, user.ID, StatusActive); err != nil {
		return User{}, err
	}
	user.Status = StatusActive
	a.recordAdmin(ctx, actorID, "user.approve", user.ID, nil)
	return user, nil
}

// Deactivate disables an account permanently. Deactivating twice is a no-op.
func (a *Accounts) Deactivate(ctx context.Context, actorID, userID string) (User, error) {
	user, err := a.Get(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if user.Status == StatusDeactivated {
		return user, nil
	}
	if err := a.users.UpdateStatus(ctx, user.ID, StatusDeactivated); err != nil {
		return User{}, err
	}
	user.Status = StatusDeactivated
	a.recordAdmin(ctx, actorID, "user.deactivate", user.ID, nil)
	return user, nil
}

// ChangePassword replaces the caller's own password after re-verifying the current one.
func (a *Accounts) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := a.Get(ctx, userID)
	if err != nil {
		return err
	}
	if current == "" {
		return fmt.Errorf("%w: current password is required", ErrInvalidInput)
	}
	if err := a.checkPassword(user.Username, next); err != nil {
		return err
	}
	if err := VerifyPassword(user.PasswordHash, current); err != nil {
		a.recorder.Record(ctx, audit.Entry{
			ActorID:      user.ID,
			Action:       "user.password_change",
			ResourceType: "user",
			ResourceID:   user.ID,
			Outcome:      audit.OutcomeFailure,
			Detail:       map[string]any{"reason": string(ReasonWrongPassword)},
		})
		return authFailure(ReasonWrongPassword)
	}
	if current == next {
		return fmt.Errorf("%w: new password must differ from the current one", ErrInvalidInput)
	}
	hash, err := HashPassword(next, a.policy.BcryptCost)
	if err != nil {
		return err
	}
	if err := a.users.UpdatePassword(ctx, user.ID, hash, false); err != nil {
		return err
	}
	a.recorder.Record(ctx, audit.Entry{
		ActorID:      user.ID,
		Action:       "user.password_change",
		ResourceType: "user",
		ResourceID:   user.ID,
	})
	return nil
}

// ResetPassword sets a temporary password chosen by an administrator and flags
// the account so the owner must change it.
func (a *Accounts) ResetPassword(ctx context.Context, actorID, userID, temporary string) error {
	user, err := a.Get(ctx, userID)
	if err != nil {
		return err
	}
	if err := a.checkPassword(user.Username, temporary); err != nil {
		return err
	}
	hash, err := HashPassword(temporary, a.policy.BcryptCost)
	if err != nil {
		return err
	}
	if err := a.users.UpdatePassword(ctx, user.ID, hash, true); err != nil {
		return err
	}
	if err := a.users.ResetLoginFailures(ctx, user.ID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	a.recordAdmin(ctx, actorID, "user.password_reset", user.ID, nil)
	return nil
}

func (a *Accounts) checkPassword(username, password string) error {
	if password == "" {
		return fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(password) < a.policy.MinPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, a.policy.MinPasswordLength)
	}
	if len(password) > 72 {
		return fmt.Errorf("%w: password must be at most 72 bytes", ErrInvalidInput)
	}
	if strings.EqualFold(password, username) {
		return fmt.Errorf("%w: password must not match the username", ErrInvalidInput)
	}
	return nil
}

func (a *Accounts) recordAdmin(ctx context.Context, actorID, action, userID string, detail map[string]any) {
	a.recorder.Record(ctx, audit.Entry{
		ActorID:      actorID,
		Action:       action,
		ResourceType: "user",
		ResourceID:   userID,
		Detail:       detail,
	})
}
