package javascript

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/caffeineduck/sandpit/executor"
	"github.com/caffeineduck/sandpit/hostfunc"
)

// errTerminated interrupts a VM the host has already given up on.
var errTerminated = errors.New("worker terminated")

var flushJobs = goja.MustCompile("flush", "void 0", false)

// worker owns one goja runtime. Everything that touches vm runs on the
// worker goroutine, except Interrupt.
type worker struct {
	cfg      executor.Config
	registry *hostfunc.Registry
	logger   *zap.Logger

	commands chan executor.Command
	messages chan executor.Message
	jobs     chan func()
	quit     chan struct{}
	stop     chan struct{}
	exited   chan struct{}

	quitOnce sync.Once
	stopOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	vmMu sync.Mutex
	vm   *goja.Runtime

	deadline   time.Time
	timers     timerQueue
	nextTimer  int64
	pending    int
	iterations int
	outputUsed int
	fault      error
}

func newWorker(cfg executor.Config, registry *hostfunc.Registry, logger *zap.Logger) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &worker{
		cfg:      cfg,
		registry: registry,
		logger:   logger,
		commands: make(chan executor.Command, 2),
		messages: make(chan executor.Message, 256),
		jobs:     make(chan func(), 64),
		quit:     make(chan struct{}),
		stop:     make(chan struct{}),
		exited:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// post delivers a host command without blocking.
func (w *worker) post(cmd executor.Command) {
	if cmd.Action == executor.ActionStop {
		w.stopOnce.Do(func() {
			close(w.stop)
			w.interrupt(executor.ErrStopped)
		})
		return
	}
	select {
	case w.commands <- cmd:
	default:
	}
}

// terminate is the host-side hard kill.
func (w *worker) terminate() {
	w.quitOnce.Do(func() {
		close(w.quit)
		w.cancel()
		w.interrupt(errTerminated)
	})
}

func (w *worker) interrupt(v any) {
	w.vmMu.Lock()
	defer w.vmMu.Unlock()
	if w.vm != nil {
		w.vm.Interrupt(v)
	}
}

// send posts a message to the host, dropping it once the host has gone.
func (w *worker) send(m executor.Message) {
	select {
	case w.messages <- m:
	case <-w.quit:
	}
}

func (w *worker) run() {
	defer close(w.exited)
	defer w.cancel()

	var cmd executor.Command
	select {
	case cmd = <-w.commands:
	case <-w.quit:
		return
	case <-w.stop:
		w.send(executor.Message{Type: executor.MessageStopped})
		return
	}

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker panic", zap.Any("panic", r))
			msg := fmt.Sprintf("internal error: %v", r)
			w.send(executor.NewMessage(executor.MessageError, msg))
			w.send(executor.NewDone(executor.StatusError, msg))
		}
	}()

	w.finish(w.exec(cmd.Code))
}

func (w *worker) exec(src string) error {
	vm := goja.New()
	vm.SetMaxCallStackSize(w.cfg.Limits.MaxRecursionDepth)

	w.vmMu.Lock()
	w.vm = vm
	w.vmMu.Unlock()

	// A stop or kill that raced VM construction.
	select {
	case <-w.stop:
		return executor.ErrStopped
	case <-w.quit:
		return errTerminated
	default:
	}

	if err := w.setup(vm); err != nil {
		return err
	}

	w.deadline = time.Now().Add(w.cfg.Limits.MaxExecutionTime)
	budget := time.AfterFunc(w.cfg.Limits.MaxExecutionTime, func() {
		w.interrupt(executor.ErrTimeBudget)
	})
	defer budget.Stop()

	if _, err := vm.RunScript("main.js", src); err != nil {
		return err
	}
	return w.loop(vm)
}

// loop runs timers and host completions until nothing is outstanding.
func (w *worker) loop(vm *goja.Runtime) error {
	budget := time.NewTimer(time.Until(w.deadline))
	defer budget.Stop()

	for {
		if w.fault != nil {
			return w.fault
		}
		if w.timers.Len() == 0 && w.pending == 0 {
			return nil
		}

		var (
			due   <-chan time.Time
			timer *time.Timer
		)
		if w.timers.Len() > 0 {
			timer = time.NewTimer(time.Until(w.timers.peek().due))
			due = timer.C
		}

		var err error
		select {
		case <-due:
			// Budget is checked before any callback runs.
			if !time.Now().Before(w.deadline) {
				err = executor.ErrTimeBudget
			} else {
				err = w.fireTimer(vm)
			}
			if err == nil {
				_, err = vm.RunProgram(flushJobs)
			}
		case job := <-w.jobs:
			w.pending--
			job()
			_, err = vm.RunProgram(flushJobs)
		case <-budget.C:
			err = executor.ErrTimeBudget
		case <-w.stop:
			err = executor.ErrStopped
		case <-w.quit:
			err = errTerminated
		}
		if timer != nil {
			timer.Stop()
		}
		if err != nil {
			return err
		}
	}
}

// finish reports the outcome of exec to the host.
func (w *worker) finish(err error) {
	if w.fault != nil {
		err = w.fault
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if v, ok := interrupted.Value().(error); ok {
			err = v
		}
	}

	switch {
	case err == nil:
		w.send(executor.NewDone(executor.StatusCompleted, ""))
	case errors.Is(err, errTerminated):
	case errors.Is(err, executor.ErrStopped):
		w.send(executor.Message{Type: executor.MessageStopped})
	case errors.Is(err, executor.ErrTimeBudget):
		msg := fmt.Sprintf("Execution timed out after %s", w.cfg.Limits.MaxExecutionTime)
		w.send(executor.NewMessage(executor.MessageError, msg))
		w.send(executor.NewDone(executor.StatusTimeout, msg))
	case errors.Is(err, executor.ErrIterationLimit):
		// A runaway loop is a timeout however it was caught.
		msg := errorMessage(err, w.cfg.Limits)
		w.send(executor.NewMessage(executor.MessageError, msg))
		w.send(executor.NewDone(executor.StatusTimeout, msg))
	default:
		msg := errorMessage(err, w.cfg.Limits)
		w.send(executor.NewMessage(executor.MessageError, msg))
		w.send(executor.NewDone(executor.StatusError, msg))
	}
}

func errorMessage(err error, limits executor.ResourceLimits) string {
	switch {
	case errors.Is(err, executor.ErrIterationLimit):
		return fmt.Sprintf("Iteration limit exceeded (max %d)", limits.MaxIterations)
	case errors.Is(err, executor.ErrOutputLimit):
		return fmt.Sprintf("Output size limit exceeded (max %d characters)", limits.MaxOutputSize)
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		if v := ex.Value(); v != nil {
			return v.String()
		}
	}
	return err.Error()
}

// raise records a resource fault and throws it into the running script. The
// fault is reported even if the script catches the exception.
func (w *worker) raise(vm *goja.Runtime, err error) {
	if w.fault == nil {
		w.fault = err
	}
	panic(vm.NewGoError(err))
}

func (w *worker) tick(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(goja.FunctionCall) goja.Value {
		w.iterations++
		if w.cfg.Limits.MaxIterations > 0 && w.iterations > w.cfg.Limits.MaxIterations {
			w.raise(vm, executor.ErrIterationLimit)
		}
		return goja.Undefined()
	}
}

// emit funnels console output through the shared size counter.
func (w *worker) emit(vm *goja.Runtime, typ, text string) {
	if w.fault != nil {
		w.raise(vm, w.fault)
	}
	w.outputUsed += utf8.RuneCountInString(text)
	if max := w.cfg.Limits.MaxOutputSize; max > 0 && w.outputUsed > max {
		w.raise(vm, executor.ErrOutputLimit)
	}
	w.send(executor.NewMessage(typ, text))
}

// hostAsync runs fn off the worker goroutine and settles the returned
// promise on the worker. The operation counts as outstanding until settled.
func (w *worker) hostAsync(vm *goja.Runtime, fn func(ctx context.Context) (any, error)) goja.Value {
	promise, resolve, reject := vm.NewPromise()
	w.pending++
	go func() {
		res, err := fn(w.ctx)
		job := func() {
			if err != nil {
				reject(vm.NewGoError(err))
				return
			}
			if jv, ok := res.(jsValuer); ok {
				resolve(jv.jsValue(vm))
				return
			}
			resolve(vm.ToValue(res))
		}
		select {
		case w.jobs <- job:
		case <-w.quit:
		}
	}()
	return vm.ToValue(promise)
}

// jsValuer is a host result that builds its own JS representation. The
// conversion runs on the worker goroutine.
type jsValuer interface {
	jsValue(vm *goja.Runtime) goja.Value
}

func joinArgs(vm *goja.Runtime, args []goja.Value) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = format(vm, a)
	}
	return strings.Join(parts, " ")
}

// format renders a value the way a browser console would, roughly.
func format(vm *goja.Runtime, v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return v.String()
	}
	if obj.ClassName() == "Error" {
		return v.String()
	}
	if _, isFunc := goja.AssertFunction(v); isFunc {
		return "[Function]"
	}
	stringify, ok := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("stringify"))
	if !ok {
		return v.String()
	}
	out, err := stringify(goja.Undefined(), v)
	if err != nil || out == nil || goja.IsUndefined(out) {
		return v.String()
	}
	return out.String()
}
