package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"factoryauth.org/internal/ids"
	"factoryauth.org/internal/obs"
)

// Outcome of the audited action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Entry is an append-only record of a security-relevant decision or administrative action.
type Entry struct {
	ID                 string         `json:"id"`
	OccurredAt         time.Time      `json:"occurred_at"`
	ActorID            string         `json:"actor_id,omitempty"`
	Action             string         `json:"action"`
	ResourceType       string         `json:"resource_type"`
	ResourceID         string         `json:"resource_id,omitempty"`
	Detail             map[string]any `json:"detail"`
	Outcome            Outcome        `json:"outcome"`
	Origin             string         `json:"origin,omitempty"`
	UserAgent          string         `json:"user_agent,omitempty"`
	PrivilegedOverride bool           `json:"privileged_override"`
	RequestID          string         `json:"request_id,omitempty"`
}

// ErrInvalidFilter is returned by Query for filters it cannot run.
var ErrInvalidFilter = errors.New("audit: invalid filter")

// Filter narrows Query results. Zero values match everything.
type Filter struct {
	ActorID string
	Action  string
	From    time.Time
	To      time.Time
	Limit   int
}

// Repository persists audit entries.
type Repository interface {
	Append(ctx context.Context, entry *Entry) error
	List(ctx context.Context, filter Filter) ([]Entry, error)
}

// Publisher fans entries out to an external sink such as a message broker.
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Recorder is the write side used by the engine. Record never reports failure.
type Recorder interface {
	Record(ctx context.Context, entry Entry)
}

const (
	defaultWriteTimeout = 3 * time.Second
	defaultPublishQueue = 256
	defaultQueryLimit   = 100
	maxQueryLimit       = 1000
)

// Log persists entries to a Repository and optionally publishes them.
// Persistence runs in the caller's goroutine under the write timeout. Broker
// fan-out runs on one background worker fed by a bounded queue; entries that
// do not fit are dropped and counted.
type Log struct {
	repo      Repository
	publisher Publisher
	logger    obs.Logger
	timeout   time.Duration
	now       func() time.Time
	queueSize int

	mu     sync.RWMutex
	closed bool
	queue  chan []byte
	done   chan struct{}
}

// Option configures Log.
type Option func(*Log)

// WithPublisher adds a best-effort secondary sink.
func WithPublisher(p Publisher) Option {
	return func(l *Log) { l.publisher = p }
}

// WithPublishQueue sets how many entries may wait for the publisher.
func WithPublishQueue(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.queueSize = n
		}
	}
}

// WithLogger sets the logger used for write-failure warnings.
func WithLogger(logger obs.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithWriteTimeout bounds each persistence attempt.
func WithWriteTimeout(d time.Duration) Option {
	return func(l *Log) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(l *Log) {
		if fn != nil {
			l.now = fn
		}
	}
}

// NewLog constructs Log.
func NewLog(repo Repository, opts ...Option) *Log {
	l := &Log{
		repo:    repo,
		logger:  obs.Nop(),
		timeout:   defaultWriteTimeout,
		now:       time.Now,
		queueSize: defaultPublishQueue,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.publisher != nil {
		l.queue = make(chan []byte, l.queueSize)
		l.done = make(chan struct{})
		go l.publishLoop()
	}
	return l
}

func (l *Log) publishLoop() {
	defer close(l.done)
	for body := range l.queue {
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout+confirmTimeout)
		err := l.publisher.Publish(ctx, body)
		cancel()
		if err != nil {
			obs.AuditWriteFailed()
			l.logger.Warn("audit publish failed", obs.Err(err))
		}
	}
}

func (l *Log) enqueue(action string, body []byte) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- body:
	default:
		obs.AuditWriteFailed()
		l.logger.Warn("audit publish queue full, entry dropped", obs.String("action", action))
	}
}

// Close stops accepting publications and waits until queued ones are sent
// or ctx ends. Persistence through Record keeps working after Close.
func (l *Log) Close(ctx context.Context) error {
	if l.queue == nil {
		return nil
	}
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Recorder = (*Log)(nil)

// Record fills identity and request metadata, then writes the entry. The write
// is detached from the caller's cancellation so an aborted request still leaves a trace.
func (l *Log) Record(ctx context.Context, entry Entry) {
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = l.now().UTC()
	}
	if entry.Outcome == "" {
		entry.Outcome = OutcomeSuccess
	}
	if entry.Detail == nil {
		entry.Detail = map[string]any{}
	}
	meta := MetaFromContext(ctx)
	if entry.RequestID == "" {
		entry.RequestID = meta.RequestID
	}
	if entry.Origin == "" {
		entry.Origin = meta.Origin
	}
	if entry.UserAgent == "" {
		entry.UserAgent = meta.UserAgent
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()

	if err := l.append(wctx, &entry); err != nil {
		obs.AuditWriteFailed()
		l.logger.Warn("audit write failed",
			obs.String("action", entry.Action),
			obs.String("resource_type", entry.ResourceType),
			obs.String("resource_id", entry.ResourceID),
			obs.String("request_id", entry.RequestID),
			obs.Err(err),
		)
	}
	if l.queue == nil {
		return
	}
	body, err := json.Marshal(entry)
	if err != nil {
		obs.AuditWriteFailed()
		l.logger.Warn("audit encode failed", obs.String("action", entry.Action), obs.Err(err))
		return
	}
	l.enqueue(entry.Action, body)
}

func (l *Log) append(ctx context.Context, entry *Entry) error {
	if l.repo == nil {
		return errors.New("audit repository unavailable")
	}
	return l.repo.Append(ctx, entry)
}

// Query lists entries newest first.
func (l *Log) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	if l.repo == nil {
		return nil, errors.New("audit repository unavailable")
	}
	filter.ActorID = strings.TrimSpace(filter.ActorID)
	filter.Action = strings.TrimSpace(filter.Action)
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, fmt.Errorf("%w: range end precedes start", ErrInvalidFilter)
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultQueryLimit
	case filter.Limit > maxQueryLimit:
		filter.Limit = maxQueryLimit
	}
	return l.repo.List(ctx, filter)
}

// Discard drops every entry.
type Discard struct{}

func (Discard) Record(context.Context, Entry) {}
