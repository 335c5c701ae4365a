// Package ratelimit implements the per-session execution quota: a fixed
// window of Limit executions per Window, keyed by a session id that the
// client keeps across runs.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/caffeineduck/sandpit/executor"
)

const (
	DefaultLimit  = 60
	DefaultWindow = 60 * time.Second

	// DefaultSweepSpec runs the sweep once a minute.
	DefaultSweepSpec = "@every 1m"
)

// Limiter checks and records session quotas. It implements
// executor.RateLimiter.
type Limiter struct {
	store    Store
	sessions SessionStore
	limit    int
	window   time.Duration
	now      func() time.Time
	logger   *zap.Logger

	mu      sync.Mutex
	session string
}

type Option func(*Limiter)

func WithStore(s Store) Option { return func(l *Limiter) { l.store = s } }

func WithSessionStore(s SessionStore) Option { return func(l *Limiter) { l.sessions = s } }

func WithLimit(n int) Option { return func(l *Limiter) { l.limit = n } }

func WithWindow(d time.Duration) Option { return func(l *Limiter) { l.window = d } }

func WithClock(now func() time.Time) Option { return func(l *Limiter) { l.now = now } }

func WithLogger(log *zap.Logger) Option { return func(l *Limiter) { l.logger = log } }

// New returns a limiter over an in-memory store unless configured otherwise.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		limit:  DefaultLimit,
		window: DefaultWindow,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.store == nil {
		l.store = NewMemoryStore()
	}
	if l.sessions == nil {
		l.sessions = &MemorySessionStore{}
	}
	return l
}

var (
	defaultOnce    sync.Once
	defaultLimiter *Limiter
)

// Default returns the process-wide limiter.
func Default() *Limiter {
	defaultOnce.Do(func() {
		defaultLimiter = New()
	})
	return defaultLimiter
}

// CheckRateLimit consumes one execution for sessionID.
func (l *Limiter) CheckRateLimit(ctx context.Context, sessionID string) (executor.RateLimitInfo, error) {
	rec, limited, err := l.store.Take(ctx, sessionID, l.now(), l.limit, l.window)
	if err != nil {
		return executor.RateLimitInfo{}, fmt.Errorf("rate limit: %w", err)
	}
	info := executor.RateLimitInfo{
		ResetTime: rec.ResetTime.UnixMilli(),
		IsLimited: limited,
	}
	if !limited {
		info.Remaining = l.limit - rec.Count
	}
	if limited {
		l.logger.Debug("session rate limited", zap.String("session", sessionID), zap.Time("reset", rec.ResetTime))
	}
	return info, nil
}

// GenerateSessionID returns a new random session id.
func (l *Limiter) GenerateSessionID() string {
	return GenerateSessionID()
}

// GenerateSessionID returns a new random session id.
func GenerateSessionID() string {
	return "session_" + uuid.NewString()
}

// GetOrCreateSessionID returns the persisted session id, generating and
// saving one on first use. Persistence failures are logged; the id is still
// stable for the lifetime of the limiter.
func (l *Limiter) GetOrCreateSessionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.session != "" {
		return l.session
	}
	id, err := l.sessions.Load()
	if err != nil {
		l.logger.Warn("load session id", zap.Error(err))
	}
	if id == "" {
		id = GenerateSessionID()
		if err := l.sessions.Save(id); err != nil {
			l.logger.Warn("save session id", zap.Error(err))
		}
	}
	l.session = id
	return id
}

// RotateSessionID replaces the persisted session id.
func (l *Limiter) RotateSessionID() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := GenerateSessionID()
	if err := l.sessions.Save(id); err != nil {
		return "", err
	}
	l.session = id
	return id, nil
}

// CleanupRateLimits removes records whose window expired more than one full
// window ago.
func (l *Limiter) CleanupRateLimits(ctx context.Context) (int, error) {
	return l.store.Sweep(ctx, l.now().Add(-l.window))
}

// StartSweeper runs CleanupRateLimits on a cron schedule until ctx is done.
func (l *Limiter) StartSweeper(ctx context.Context, spec string) error {
	if spec == "" {
		spec = DefaultSweepSpec
	}
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		n, err := l.CleanupRateLimits(ctx)
		if err != nil {
			l.logger.Error("rate limit sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			l.logger.Debug("rate limit sweep", zap.Int("removed", n))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}

// Close releases the underlying store.
func (l *Limiter) Close() error {
	return l.store.Close()
}
