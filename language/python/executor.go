// Package python runs Python code on a WebAssembly interpreter. The
// interpreter module is loaded once per Runtime and shared; each execution
// is a fresh guest instance behind a restricted builtins namespace.
package python

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/caffeineduck/sandpit/executor"
	"github.com/caffeineduck/sandpit/hostfunc"
	"github.com/caffeineduck/sandpit/security"
)

//go:embed prelude.py
var prelude string

const (
	// DefaultMaxPrintCalls bounds print() calls per execution, independent
	// of MaxOutputSize.
	DefaultMaxPrintCalls = 10_000

	DefaultWatchdogGrace = time.Second
	DefaultStopGrace     = 100 * time.Millisecond

	messageTraceback = "traceback"
)

// Executor is the Python strategy. Executions against one Executor run one
// at a time.
type Executor struct {
	runtime   Runtime
	validator executor.Validator
	limiter   executor.RateLimiter
	packages  *hostfunc.Packages
	logger    *zap.Logger

	maxPrints     int
	watchdogGrace time.Duration
	stopGrace     time.Duration

	sem chan struct{}
}

type Option func(*Executor)

func WithValidator(v executor.Validator) Option {
	return func(e *Executor) { e.validator = v }
}

func WithRateLimiter(rl executor.RateLimiter) Option {
	return func(e *Executor) { e.limiter = rl }
}

// WithPackages enables dependency preloading from the package directory.
func WithPackages(p *hostfunc.Packages) Option {
	return func(e *Executor) { e.packages = p }
}

func WithLogger(log *zap.Logger) Option {
	return func(e *Executor) { e.logger = log }
}

// WithMaxPrintCalls overrides DefaultMaxPrintCalls. Zero disables the limit.
func WithMaxPrintCalls(n int) Option {
	return func(e *Executor) { e.maxPrints = n }
}

func WithWatchdogGrace(d time.Duration) Option {
	return func(e *Executor) { e.watchdogGrace = d }
}

func WithStopGrace(d time.Duration) Option {
	return func(e *Executor) { e.stopGrace = d }
}

func New(rt Runtime, opts ...Option) *Executor {
	e := &Executor{
		runtime:       rt,
		logger:        zap.NewNop(),
		maxPrints:     DefaultMaxPrintCalls,
		watchdogGrace: DefaultWatchdogGrace,
		stopGrace:     DefaultStopGrace,
		sem:           make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute implements executor.Strategy.
func (e *Executor) Execute(ctx context.Context, code string, cfg executor.Config, cb executor.Callbacks) executor.Controller {
	em := executor.NewEmitter(cb, cfg.Limits.MaxOutputSize)

	code, ok := executor.Preflight(ctx, code, cfg, e.validator, e.limiter, em)
	if !ok {
		return executor.NoopController()
	}
	if e.runtime == nil {
		em.Output(executor.OutputError, "Python runtime is not configured")
		em.Finish(executor.StatusError, executor.ErrRuntimeNotConfigured.Error())
		return executor.NoopController()
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &controller{em: em, cancel: cancel, grace: e.stopGrace}
	c.running.Store(true)

	go c.watchContext(ctx)
	go e.run(runCtx, c, code, cfg)
	return c
}

func (e *Executor) run(ctx context.Context, c *controller, code string, cfg executor.Config) {
	defer c.running.Store(false)
	defer c.cancel()

	if !e.runtime.Loaded() {
		c.em.Status(executor.StatusCompiling)
		start := time.Now()
		if err := e.runtime.Load(ctx); err != nil {
			if ctx.Err() != nil {
				c.finalize(executor.StatusStopped, executor.ErrStopped.Error())
				return
			}
			e.logger.Error("python runtime load failed", zap.Error(err))
			c.em.Output(executor.OutputError, fmt.Sprintf("Failed to load Python runtime: %v", err))
			c.finalize(executor.StatusError, err.Error())
			return
		}
		e.logger.Info("python runtime loaded", zap.Duration("took", time.Since(start)))
	}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		c.finalize(executor.StatusStopped, executor.ErrStopped.Error())
		return
	}

	c.em.Status(executor.StatusExecuting)

	budget := cfg.Limits.MaxExecutionTime
	execCtx, cancelExec := context.WithTimeout(ctx, budget)
	defer cancelExec()
	watchdog := time.AfterFunc(budget+e.watchdogGrace, func() {
		e.logger.Warn("python watchdog fired", zap.Duration("after", budget+e.watchdogGrace))
		c.em.Output(executor.OutputError, "Execution timed out after "+budget.String())
		c.finalize(executor.StatusTimeout, "execution timed out")
		c.cancel()
	})
	defer watchdog.Stop()

	s := newStream(c, cfg.Limits.MaxOutputSize)
	req := RunRequest{
		Args:   []string{"python", "-c", prelude, code},
		Env:    e.env(cfg),
		Stdout: s.stdout,
		Stderr: s.stderr,
	}
	if dir := e.preload(code); dir != "" {
		req.PackageDir = dir
		req.Env["PYTHONPATH"] = PackagesMount
		req.Env["SANDPIT_PACKAGES"] = PackagesMount
	}

	err := e.runtime.Run(execCtx, req)
	s.flush()

	switch {
	case c.stopping.Load():
		c.finalize(executor.StatusStopped, executor.ErrStopped.Error())
	case s.overflow.Load():
		msg := fmt.Sprintf("Output size limit exceeded (max %d characters)", cfg.Limits.MaxOutputSize)
		c.em.Output(executor.OutputError, msg)
		c.finalize(executor.StatusError, msg)
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		msg := fmt.Sprintf("Execution timed out after %s", budget)
		c.em.Output(executor.OutputError, msg)
		c.finalize(executor.StatusTimeout, msg)
	case s.done != nil:
		c.finalize(s.done.Status, s.done.Error)
	case err != nil:
		msg := fmt.Sprintf("Python runtime error: %v", err)
		c.em.Output(executor.OutputError, msg)
		c.finalize(executor.StatusError, msg)
	default:
		c.finalize(executor.StatusCompleted, "")
	}
}

func (e *Executor) env(cfg executor.Config) map[string]string {
	var blocked []string
	for _, mod := range cfg.Security.BlockedImports {
		if !strings.ContainsAny(mod, ",/") {
			blocked = append(blocked, mod)
		}
	}
	return map[string]string{
		"SANDPIT_MAX_PRINTS":      strconv.Itoa(e.maxPrints),
		"SANDPIT_MAX_DEPTH":       strconv.Itoa(cfg.Limits.MaxRecursionDepth),
		"SANDPIT_BLOCKED_MODULES": strings.Join(blocked, ","),
	}
}

// preload returns the package directory when code imports anything it
// provides. Missing packages surface later as import errors.
func (e *Executor) preload(code string) string {
	if e.packages == nil {
		return ""
	}
	for _, mod := range security.Imports(code, executor.Python) {
		root, _, _ := strings.Cut(mod, ".")
		if e.packages.Has(root) {
			e.logger.Debug("preloading python packages", zap.String("module", root), zap.String("dir", e.packages.Dir()))
			return e.packages.Dir()
		}
	}
	return ""
}

// stream turns guest stdout and stderr into outputs.
type stream struct {
	c      *controller
	max    int
	used   atomic.Int64
	stdout *executor.LineWriter
	stderr *executor.FrameDecoder
	errs   *executor.LineWriter

	overflow atomic.Bool
	done     *executor.DonePayload
}

func newStream(c *controller, max int) *stream {
	s := &stream{c: c, max: max}
	s.stdout = executor.NewLineWriter(func(line string) { s.output(executor.OutputLog, line) })
	s.errs = executor.NewLineWriter(func(line string) { s.output(executor.OutputError, line) })
	s.stderr = executor.NewFrameDecoder(s.message, s.errs.WriteString)
	return s
}

func (s *stream) message(m executor.Message) {
	switch m.Type {
	case executor.MessageDone:
		p := m.Done()
		s.done = &p
	case messageTraceback:
		s.output(executor.OutputError, FormatTraceback(m.Text()))
	default:
		if t, ok := executor.OutputTypeFor(m.Type); ok {
			s.output(t, m.Text())
		}
	}
}

func (s *stream) output(t executor.OutputType, text string) {
	if s.overflow.Load() {
		return
	}
	used := s.used.Add(int64(utf8.RuneCountInString(text)))
	if s.max > 0 && used > int64(s.max) {
		s.overflow.Store(true)
		s.c.cancel()
		return
	}
	s.c.em.Output(t, text)
}

func (s *stream) flush() {
	s.stdout.Flush()
	s.stderr.Flush()
	s.errs.Flush()
}

// controller is the host handle on one Python execution.
type controller struct {
	em     *executor.Emitter
	cancel context.CancelFunc
	grace  time.Duration

	running  atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once
	final    sync.Once
}

func (c *controller) watchContext(ctx context.Context) {
	select {
	case <-ctx.Done():
		c.Stop()
	case <-c.em.Done():
	}
}

func (c *controller) finalize(status executor.Status, errMsg string) {
	c.final.Do(func() {
		c.em.Finish(status, errMsg)
	})
}

// Stop cancels the guest. The result is delivered as stopped once the guest
// halts, or after the grace period if it does not.
func (c *controller) Stop() {
	c.stopOnce.Do(func() {
		if c.em.Finished() {
			return
		}
		c.stopping.Store(true)
		c.cancel()
		time.AfterFunc(c.grace, func() {
			c.finalize(executor.StatusStopped, executor.ErrStopped.Error())
		})
	})
}

func (c *controller) IsRunning() bool {
	return !c.stopping.Load() && !c.em.Finished() && c.running.Load()
}

func (c *controller) Done() <-chan struct{} {
	return c.em.Done()
}
