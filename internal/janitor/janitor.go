// Package janitor runs periodic cleanup: expired sessions and stale
// in-process rate-limit buckets.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"factoryauth.org/internal/obs"
	"factoryauth.org/internal/ratelimit"
	"factoryauth.org/internal/session"
)

const defaultTaskTimeout = 30 * time.Second

// Task is one cleanup step. Run reports how many records it removed.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// Janitor schedules its tasks on a cron expression.
type Janitor struct {
	cron     *cron.Cron
	schedule string
	tasks    []Task
	logger   obs.Logger
	timeout  time.Duration

	mu      sync.Mutex
	running bool
}

// New validates schedule (standard five-field cron or a descriptor such as
// "@every 10m") and registers tasks.
func New(schedule string, logger obs.Logger, tasks ...Task) (*Janitor, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return nil, errors.New("janitor: schedule is required")
	}
	if logger == nil {
		logger = obs.Nop()
	}
	j := &Janitor{
		cron:     cron.New(),
		schedule: schedule,
		tasks:    tasks,
		logger:   logger,
		timeout:  defaultTaskTimeout,
	}
	if _, err := j.cron.AddFunc(schedule, func() { j.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("janitor: invalid schedule %q: %w", schedule, err)
	}
	return j, nil
}

// Start begins scheduling. Calling it twice is a no-op.
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return
	}
	j.cron.Start()
	j.running = true
	j.logger.Info("janitor started", obs.String("schedule", j.schedule), obs.Int("tasks", len(j.tasks)))
}

// Stop halts scheduling and waits for a running pass to finish or ctx to end.
func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return nil
	}
	j.running = false
	j.mu.Unlock()

	done := j.cron.Stop()
	select {
	case <-done.Done():
		j.logger.Info("janitor stopped")
		return nil
	case <-ctx.Done():
		j.logger.Warn("janitor stop timed out")
		return ctx.Err()
	}
}

// RunOnce executes every task in order. A failing task is logged and does
// not stop the rest. It returns the removed count per task name.
func (j *Janitor) RunOnce(ctx context.Context) map[string]int {
	out := make(map[string]int, len(j.tasks))
	for _, task := range j.tasks {
		tctx, cancel := context.WithTimeout(ctx, j.timeout)
		start := time.Now()
		n, err := task.Run(tctx)
		cancel()
		if err != nil {
			j.logger.Error("janitor task failed", obs.String("task", task.Name), obs.Err(err))
			continue
		}
		out[task.Name] = n
		if n > 0 {
			j.logger.Info("janitor task removed records",
				obs.String("task", task.Name),
				obs.Int("removed", n),
				obs.Duration("took", time.Since(start)),
			)
		}
	}
	return out
}

// ExpiredSessions deactivates sessions past their absolute expiry.
func ExpiredSessions(m *session.Manager) Task {
	return Task{Name: "expired_sessions", Run: m.PurgeExpired}
}

// StaleBuckets drops rate-limit buckets whose window has closed. Redis
// expires its own keys, so only the in-process store needs this.
func StaleBuckets(store *ratelimit.MemoryStore, now func() time.Time) Task {
	if now == nil {
		now = time.Now
	}
	return Task{
		Name: "stale_rate_buckets",
		Run: func(context.Context) (int, error) {
			return store.Sweep(now()), nil
		},
	}
}
