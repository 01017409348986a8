package auth

import (
	"strings"
	"time"

	"factoryauth.org/internal/audit"
	"factoryauth.org/internal/obs"
)

// Policy holds credential rules shared by login and account administration.
type Policy struct {
	MaxFailedAttempts int
	LockoutDuration   time.Duration
	DeniedUsernames   []string
	BcryptCost        int
	MinPasswordLength int
}

// DefaultPolicy returns five attempts, a thirty minute lockout and the common
// generic usernames on the deny-list.
func DefaultPolicy() Policy {
	return Policy{
		MaxFailedAttempts: 5,
		LockoutDuration:   30 * time.Minute,
		DeniedUsernames:   []string{"admin", "administrator", "test", "user", "guest", "root", "demo"},
		BcryptCost:        12,
		MinPasswordLength: 8,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MaxFailedAttempts <= 0 {
		p.MaxFailedAttempts = def.MaxFailedAttempts
	}
	if p.LockoutDuration <= 0 {
		p.LockoutDuration = def.LockoutDuration
	}
	if p.BcryptCost == 0 {
		p.BcryptCost = def.BcryptCost
	}
	if p.MinPasswordLength <= 0 {
		p.MinPasswordLength = def.MinPasswordLength
	}
	return p
}

func (p Policy) denySet() map[string]struct{} {
	set := make(map[string]struct{}, len(p.DeniedUsernames))
	for _, name := range p.DeniedUsernames {
		if name = NormalizeUsername(name); name != "" {
			set[name] = struct{}{}
		}
	}
	return set
}

// NormalizeUsername trims and lower-cases a username.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

type deps struct {
	recorder audit.Recorder
	logger   obs.Logger
	now      func() time.Time
}

// Option configures Authenticator and Accounts.
type Option func(*deps)

// WithRecorder sets the audit sink.
func WithRecorder(r audit.Recorder) Option {
	return func(d *deps) {
		if r != nil {
			d.recorder = r
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(l obs.Logger) Option {
	return func(d *deps) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(d *deps) {
		if fn != nil {
			d.now = fn
		}
	}
}

func buildDeps(opts []Option) deps {
	d := deps{recorder: audit.Discard{}, logger: obs.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}
