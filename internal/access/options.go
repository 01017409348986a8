package access

import (
	"time"

	"factoryauth.org/internal/audit"
	"factoryauth.org/internal/obs"
)

type deps struct {
	recorder audit.Recorder
	logger   obs.Logger
	now      func() time.Time
}

// Option configures the services in this package.
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
