// Package javascript runs ECMAScript-family code in an isolated goja
// runtime. Each execution gets its own VM on a dedicated goroutine (the
// worker); the host talks to it only through message channels.
package javascript

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/caffeineduck/sandpit/executor"
	"github.com/caffeineduck/sandpit/hostfunc"
	"github.com/caffeineduck/sandpit/internal/lexer"
)

const (
	// DefaultWatchdogGrace is added to the time budget before the host
	// force-terminates a worker that never reported back.
	DefaultWatchdogGrace = time.Second

	// DefaultStopGrace is how long Stop waits for the worker to close itself.
	DefaultStopGrace = 100 * time.Millisecond

	tickFunc = "__sandbox_tick"
)

// Executor is the JavaScript and TypeScript strategy.
type Executor struct {
	validator executor.Validator
	limiter   executor.RateLimiter
	registry  *hostfunc.Registry
	logger    *zap.Logger

	watchdogGrace time.Duration
	stopGrace     time.Duration
}

type Option func(*Executor)

// WithValidator sets the static gate. A nil validator skips validation.
func WithValidator(v executor.Validator) Option {
	return func(e *Executor) { e.validator = v }
}

// WithRateLimiter sets the quota check. A nil limiter skips it.
func WithRateLimiter(rl executor.RateLimiter) Option {
	return func(e *Executor) { e.limiter = rl }
}

// WithRegistry sets the host functions behind the stellar-sdk shim. The
// registry must provide the stellar_* functions of hostfunc.Ledger and is
// shared by every execution. Without one, each execution gets a fresh,
// empty ledger.
func WithRegistry(r *hostfunc.Registry) Option {
	return func(e *Executor) { e.registry = r }
}

func WithLogger(log *zap.Logger) Option {
	return func(e *Executor) { e.logger = log }
}

// WithWatchdogGrace overrides DefaultWatchdogGrace.
func WithWatchdogGrace(d time.Duration) Option {
	return func(e *Executor) { e.watchdogGrace = d }
}

// WithStopGrace overrides DefaultStopGrace.
func WithStopGrace(d time.Duration) Option {
	return func(e *Executor) { e.stopGrace = d }
}

func New(opts ...Option) *Executor {
	e := &Executor{
		logger:        zap.NewNop(),
		watchdogGrace: DefaultWatchdogGrace,
		stopGrace:     DefaultStopGrace,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) hostFuncs() *hostfunc.Registry {
	if e.registry != nil {
		return e.registry
	}
	r := hostfunc.NewRegistry()
	hostfunc.NewLedger(hostfunc.NewKV(hostfunc.DefaultKVConfig())).Register(r)
	return r
}

// Execute implements executor.Strategy.
func (e *Executor) Execute(ctx context.Context, code string, cfg executor.Config, cb executor.Callbacks) executor.Controller {
	em := executor.NewEmitter(cb, cfg.Limits.MaxOutputSize)

	code, ok := executor.Preflight(ctx, code, cfg, e.validator, e.limiter, em)
	if !ok {
		return executor.NoopController()
	}

	if cfg.Language == executor.TypeScript {
		js, err := StripTypes(code)
		if err != nil {
			msg := "TypeScript compilation failed: " + err.Error()
			em.Output(executor.OutputError, msg)
			em.Finish(executor.StatusError, msg)
			return executor.NoopController()
		}
		code = js
	}
	src := lexer.InstrumentLoops(code, tickFunc+"();")

	w := newWorker(cfg, e.hostFuncs(), e.logger)
	c := newController(em, w, e.logger, e.stopGrace)

	em.Status(executor.StatusExecuting)
	go w.run()
	go c.pump()
	c.startWatchdog(cfg.Limits.MaxExecutionTime + e.watchdogGrace)
	go c.watchContext(ctx)

	w.commands <- executor.Command{Code: src}
	return c
}
