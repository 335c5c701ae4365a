// Package sandbox is the entry point for running untrusted code. A Sandbox
// owns one live configuration and at most one in-flight execution, and
// dispatches each execution to the strategy registered for its language.
package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/caffeineduck/sandpit/executor"
	"github.com/caffeineduck/sandpit/hostfunc"
	"github.com/caffeineduck/sandpit/internal/metrics"
	"github.com/caffeineduck/sandpit/internal/telemetry"
	"github.com/caffeineduck/sandpit/language/javascript"
	"github.com/caffeineduck/sandpit/language/python"
	"github.com/caffeineduck/sandpit/ratelimit"
	"github.com/caffeineduck/sandpit/security"
)

// DefaultStopWait bounds how long Execute waits for the previous execution
// to deliver its result.
const DefaultStopWait = 2 * time.Second

// Sandbox runs one execution at a time against a mutable configuration.
type Sandbox struct {
	cb         executor.Callbacks
	strategies map[executor.Language]executor.Strategy
	validator  executor.Validator
	limiter    executor.RateLimiter
	pythonRT   python.Runtime
	packages   *hostfunc.Packages
	registry   *hostfunc.Registry
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	logger     *zap.Logger
	stopWait   time.Duration
	maxPrints  int

	limiterSet bool

	mu      sync.Mutex
	cfg     executor.Config
	current executor.Controller
	// gen counts Execute calls; a call that finds it moved on was superseded
	// and stops what it started.
	gen uint64
	// deliver orders the callbacks the sandbox emits itself with those of
	// its executions.
	deliver executor.Serial
}

type Option func(*Sandbox)

// WithStrategy overrides the strategy for lang. Strategies can be shared
// between sandboxes.
func WithStrategy(lang executor.Language, s executor.Strategy) Option {
	return func(sb *Sandbox) { sb.strategies[lang] = s }
}

// WithStrategies overrides the strategies of every language in m.
func WithStrategies(m map[executor.Language]executor.Strategy) Option {
	return func(sb *Sandbox) {
		for lang, s := range m {
			sb.strategies[lang] = s
		}
	}
}

func WithValidator(v executor.Validator) Option {
	return func(sb *Sandbox) { sb.validator = v }
}

// WithRateLimiter sets the quota check of the default strategies. Nil
// disables rate limiting; the default is ratelimit.Default().
func WithRateLimiter(rl executor.RateLimiter) Option {
	return func(sb *Sandbox) {
		sb.limiter = rl
		sb.limiterSet = true
	}
}

// WithPythonRuntime sets the interpreter of the default Python strategy.
func WithPythonRuntime(rt python.Runtime) Option {
	return func(sb *Sandbox) { sb.pythonRT = rt }
}

// WithMaxPrintCalls bounds print() calls of the default Python strategy.
func WithMaxPrintCalls(n int) Option {
	return func(sb *Sandbox) { sb.maxPrints = n }
}

func WithPackages(p *hostfunc.Packages) Option {
	return func(sb *Sandbox) { sb.packages = p }
}

func WithRegistry(r *hostfunc.Registry) Option {
	return func(sb *Sandbox) { sb.registry = r }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(sb *Sandbox) { sb.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(sb *Sandbox) { sb.tracer = t }
}

func WithLogger(log *zap.Logger) Option {
	return func(sb *Sandbox) { sb.logger = log }
}

func WithStopWait(d time.Duration) Option {
	return func(sb *Sandbox) { sb.stopWait = d }
}

// New returns a sandbox in the idle state. cfg is merged over
// executor.DefaultConfig, so a zero Config is valid.
func New(cfg executor.Config, cb executor.Callbacks, opts ...Option) *Sandbox {
	sb := &Sandbox{
		cb:         cb,
		strategies: make(map[executor.Language]executor.Strategy),
		validator:  security.New(),
		logger:     zap.NewNop(),
		tracer:     telemetry.Tracer(),
		stopWait:   DefaultStopWait,
		maxPrints:  python.DefaultMaxPrintCalls,
		cfg:        withDefaults(cfg),
	}
	for _, opt := range opts {
		opt(sb)
	}
	if sb.validator == nil {
		sb.validator = security.New()
	}
	if !sb.limiterSet {
		sb.limiter = ratelimit.Default()
	}
	if sb.metrics == nil {
		sb.metrics = metrics.New(nil)
	}

	for _, lang := range executor.Languages {
		if _, ok := sb.strategies[lang]; ok {
			continue
		}
		for l, st := range sb.defaultStrategies() {
			if _, ok := sb.strategies[l]; !ok {
				sb.strategies[l] = st
			}
		}
		break
	}

	sb.notify(executor.StatusIdle)
	return sb
}

// Strategies builds the default strategy set from opts. Sandboxes that
// share one set share its Python semaphore.
func Strategies(opts ...Option) map[executor.Language]executor.Strategy {
	return New(executor.Config{}, executor.Callbacks{}, opts...).strategies
}

func (sb *Sandbox) defaultStrategies() map[executor.Language]executor.Strategy {
	v := countingValidator{Validator: sb.validator, m: sb.metrics}
	var rl executor.RateLimiter
	if sb.limiter != nil {
		rl = countingLimiter{RateLimiter: sb.limiter, m: sb.metrics}
	}
	js := javascript.New(
		javascript.WithValidator(v),
		javascript.WithRateLimiter(rl),
		javascript.WithRegistry(sb.registry),
		javascript.WithLogger(sb.logger),
	)
	py := python.New(sb.pythonRT,
		python.WithValidator(v),
		python.WithRateLimiter(rl),
		python.WithPackages(sb.packages),
		python.WithMaxPrintCalls(sb.maxPrints),
		python.WithLogger(sb.logger),
	)
	return map[executor.Language]executor.Strategy{
		executor.JavaScript: js,
		executor.TypeScript: js,
		executor.Python:     py,
	}
}

// Execute stops any previous execution, waits for its result, then starts
// code under a snapshot of the current configuration. Of concurrent calls,
// the last to begin owns the live execution; the others are stopped.
func (sb *Sandbox) Execute(ctx context.Context, code string) executor.Controller {
	sb.mu.Lock()
	prev := sb.current
	sb.current = nil
	sb.gen++
	gen := sb.gen
	cfg := sb.cfg.Clone()
	sb.mu.Unlock()

	if prev != nil {
		prev.Stop()
		select {
		case <-prev.Done():
		case <-time.After(sb.stopWait):
			sb.logger.Warn("previous execution did not finish after stop", zap.Duration("waited", sb.stopWait))
		}
	}

	id := ulid.Make().String()
	log := sb.logger.With(zap.String("execution", id), zap.String("language", cfg.Language.String()))

	ctx, span := sb.tracer.Start(ctx, "sandbox.execute", trace.WithAttributes(
		telemetry.AttrExecutionID.String(id),
		telemetry.AttrLanguage.String(cfg.Language.String()),
		telemetry.AttrSessionID.String(cfg.SessionID),
	))
	sb.metrics.Started()

	cb := sb.callbacks(cfg.Language, span, log)

	strategy, ok := sb.strategies[cfg.Language]
	if !ok || strategy == nil {
		em := executor.NewEmitter(cb, cfg.Limits.MaxOutputSize)
		em.Output(executor.OutputError, fmt.Sprintf("Unsupported language: %s", cfg.Language))
		em.Finish(executor.StatusError, "unsupported language")
		return executor.NoopController()
	}

	log.Debug("execution started", zap.Int("code_length", len(code)))
	c := strategy.Execute(ctx, code, cfg, cb)

	sb.mu.Lock()
	superseded := sb.gen != gen
	if !superseded {
		sb.current = c
	}
	sb.mu.Unlock()
	if superseded {
		log.Debug("execution superseded by a later Execute")
		c.Stop()
	}
	return c
}

func (sb *Sandbox) callbacks(lang executor.Language, span trace.Span, log *zap.Logger) executor.Callbacks {
	return executor.Callbacks{
		OnOutput: func(o executor.Output) {
			if fn := sb.cb.OnOutput; fn != nil {
				sb.deliver.Do(func() { fn(o) })
			}
		},
		OnStatusChange: func(s executor.Status) {
			if fn := sb.cb.OnStatusChange; fn != nil {
				sb.deliver.Do(func() { fn(s) })
			}
		},
		OnComplete: func(res executor.Result) {
			sb.metrics.Finished(lang, res)
			span.SetAttributes(
				telemetry.AttrStatus.String(string(res.Status)),
				telemetry.AttrOutputs.Int(len(res.Outputs)),
			)
			if !res.Success {
				span.SetStatus(codes.Error, res.Error)
			}
			span.End()

			fields := []zap.Field{
				zap.String("status", string(res.Status)),
				zap.Duration("duration", res.ExecutionTime),
				zap.Int("outputs", len(res.Outputs)),
			}
			if res.Error != "" {
				fields = append(fields, zap.String("error", res.Error))
			}
			log.Info("execution finished", fields...)

			if fn := sb.cb.OnComplete; fn != nil {
				sb.deliver.Do(func() { fn(res) })
			}
		},
	}
}

// Stop cancels the in-flight execution, if any. The sandbox reports idle
// once that execution has delivered its result.
func (sb *Sandbox) Stop() {
	sb.mu.Lock()
	c := sb.current
	sb.mu.Unlock()
	if c == nil {
		return
	}
	c.Stop()
	go func() {
		<-c.Done()
		sb.mu.Lock()
		same := sb.current == c
		sb.mu.Unlock()
		if same {
			sb.notify(executor.StatusIdle)
		}
	}()
}

// IsRunning reports whether the current execution is still live.
func (sb *Sandbox) IsRunning() bool {
	sb.mu.Lock()
	c := sb.current
	sb.mu.Unlock()
	return c != nil && c.IsRunning()
}

// SetConfig merges p into the live configuration. An in-flight execution
// keeps the configuration it started with.
func (sb *Sandbox) SetConfig(p executor.ConfigPatch) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.cfg = sb.cfg.Merge(p)
}

// SetLanguage switches the language of subsequent executions.
func (sb *Sandbox) SetLanguage(lang executor.Language) {
	sb.SetConfig(executor.ConfigPatch{Language: &lang})
}

// Config returns a copy of the live configuration.
func (sb *Sandbox) Config() executor.Config {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.cfg.Clone()
}

// Validate runs the static gate alone. It never consumes quota.
func (sb *Sandbox) Validate(code string) executor.ValidationResult {
	cfg := sb.Config()
	return sb.validator.Validate(executor.SanitizeInput(code), cfg.Language, cfg.Security)
}

func (sb *Sandbox) notify(s executor.Status) {
	if fn := sb.cb.OnStatusChange; fn != nil {
		sb.deliver.Do(func() { fn(s) })
	}
}

func withDefaults(cfg executor.Config) executor.Config {
	def := executor.DefaultConfig()
	if cfg.Language == "" {
		cfg.Language = def.Language
	}
	l := &cfg.Limits
	if l.MaxExecutionTime <= 0 {
		l.MaxExecutionTime = def.Limits.MaxExecutionTime
	}
	if l.MaxMemory <= 0 {
		l.MaxMemory = def.Limits.MaxMemory
	}
	if l.MaxIterations == 0 {
		l.MaxIterations = def.Limits.MaxIterations
	}
	if l.MaxRecursionDepth <= 0 {
		l.MaxRecursionDepth = def.Limits.MaxRecursionDepth
	}
	if l.MaxOutputSize == 0 {
		l.MaxOutputSize = def.Limits.MaxOutputSize
	}
	if cfg.Security.BlockedGlobals == nil {
		cfg.Security.BlockedGlobals = def.Security.BlockedGlobals
	}
	if cfg.Security.BlockedImports == nil {
		cfg.Security.BlockedImports = def.Security.BlockedImports
	}
	return cfg.Clone()
}

type countingValidator struct {
	executor.Validator
	m *metrics.Metrics
}

func (v countingValidator) Validate(code string, lang executor.Language, policy executor.SecurityConfig) executor.ValidationResult {
	res := v.Validator.Validate(code, lang, policy)
	v.m.Validated(lang, res)
	return res
}

type countingLimiter struct {
	executor.RateLimiter
	m *metrics.Metrics
}

func (l countingLimiter) CheckRateLimit(ctx context.Context, sessionID string) (executor.RateLimitInfo, error) {
	info, err := l.RateLimiter.CheckRateLimit(ctx, sessionID)
	if err == nil && info.IsLimited {
		l.m.RateLimited.Inc()
	}
	return info, err
}
