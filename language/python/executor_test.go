package python

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/sandpit/executor"
	"github.com/caffeineduck/sandpit/hostfunc"
	"github.com/caffeineduck/sandpit/security"
)

// fakeRuntime stands in for the interpreter. Its run func plays the guest.
type fakeRuntime struct {
	loaded  atomic.Bool
	loads   atomic.Int32
	loadErr error
	run     func(ctx context.Context, req RunRequest) error

	mu   sync.Mutex
	reqs []RunRequest
}

func (f *fakeRuntime) Loaded() bool { return f.loaded.Load() }

func (f *fakeRuntime) Load(ctx context.Context) error {
	f.loads.Add(1)
	if f.loadErr != nil {
		return f.loadErr
	}
	f.loaded.Store(true)
	return nil
}

func (f *fakeRuntime) Run(ctx context.Context, req RunRequest) error {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.run == nil {
		return nil
	}
	return f.run(ctx, req)
}

func (f *fakeRuntime) lastRequest() RunRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

func frame(typ string, data any) string {
	switch v := data.(type) {
	case nil:
		return executor.EncodeFrame(executor.Message{Type: typ})
	case string:
		return executor.EncodeFrame(executor.NewMessage(typ, v))
	default:
		p := v.(executor.DonePayload)
		return executor.EncodeFrame(executor.NewDone(p.Status, p.Error))
	}
}

func guest(stdout, stderr string) func(context.Context, RunRequest) error {
	return func(_ context.Context, req RunRequest) error {
		io.WriteString(req.Stdout, stdout)
		io.WriteString(req.Stderr, stderr)
		return nil
	}
}

type recorder struct {
	mu       sync.Mutex
	statuses []executor.Status
	results  []executor.Result
}

func (r *recorder) callbacks() executor.Callbacks {
	return executor.Callbacks{
		OnStatusChange: func(s executor.Status) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.statuses = append(r.statuses, s)
		},
		OnComplete: func(res executor.Result) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.results = append(r.results, res)
		},
	}
}

func testConfig() executor.Config {
	cfg := executor.DefaultConfig()
	cfg.Language = executor.Python
	cfg.Limits.MaxExecutionTime = 2 * time.Second
	return cfg
}

func start(t *testing.T, e *Executor, code string, cfg executor.Config) (executor.Controller, *recorder) {
	t.Helper()
	rec := &recorder{}
	c := e.Execute(context.Background(), code, cfg, rec.callbacks())
	require.NotNil(t, c)
	return c, rec
}

func wait(t *testing.T, c executor.Controller, rec *recorder) executor.Result {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("execution did not finish")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.results, 1)
	return rec.results[0]
}

func run(t *testing.T, e *Executor, code string, cfg executor.Config) executor.Result {
	t.Helper()
	c, rec := start(t, e, code, cfg)
	return wait(t, c, rec)
}

func contents(res executor.Result) []string {
	out := make([]string, len(res.Outputs))
	for i, o := range res.Outputs {
		out[i] = o.Content
	}
	return out
}

func TestPrint(t *testing.T) {
	rt := &fakeRuntime{run: guest("hello\nworld\n", frame(executor.MessageDone, nil))}
	res := run(t, New(rt), `print("hello")`, testConfig())

	assert.True(t, res.Success)
	assert.Equal(t, executor.StatusCompleted, res.Status)
	assert.Equal(t, []string{"hello", "world"}, contents(res))
	for _, o := range res.Outputs {
		assert.Equal(t, executor.OutputLog, o.Type)
	}
}

func TestTrailingPartialLine(t *testing.T) {
	rt := &fakeRuntime{run: guest("no newline", "")}
	res := run(t, New(rt), `print("x", end="")`, testConfig())

	assert.True(t, res.Success)
	assert.Equal(t, []string{"no newline"}, contents(res))
}

func TestStatusFlow(t *testing.T) {
	rt := &fakeRuntime{}
	e := New(rt, WithValidator(security.New()))

	c, rec := start(t, e, `x = 1`, testConfig())
	wait(t, c, rec)
	assert.Equal(t, []executor.Status{
		executor.StatusValidating,
		executor.StatusCompiling,
		executor.StatusExecuting,
		executor.StatusCompleted,
	}, rec.statuses)

	c, rec = start(t, e, `x = 2`, testConfig())
	wait(t, c, rec)
	assert.Equal(t, []executor.Status{
		executor.StatusValidating,
		executor.StatusExecuting,
		executor.StatusCompleted,
	}, rec.statuses, "compiling only while loading")
	assert.Equal(t, int32(1), rt.loads.Load())
}

func TestRequest(t *testing.T) {
	rt := &fakeRuntime{}
	cfg := testConfig()
	cfg.Limits.MaxRecursionDepth = 42
	res := run(t, New(rt, WithMaxPrintCalls(7)), `print(1)`, cfg)
	require.True(t, res.Success)

	req := rt.lastRequest()
	require.Len(t, req.Args, 4)
	assert.Equal(t, []string{"python", "-c"}, req.Args[:2])
	assert.Equal(t, prelude, req.Args[2])
	assert.Equal(t, `print(1)`, req.Args[3])
	assert.Equal(t, "7", req.Env["SANDPIT_MAX_PRINTS"])
	assert.Equal(t, "42", req.Env["SANDPIT_MAX_DEPTH"])
	assert.Contains(t, strings.Split(req.Env["SANDPIT_BLOCKED_MODULES"], ","), "subprocess")
	assert.Empty(t, req.PackageDir)
}

func TestTraceback(t *testing.T) {
	tb := "Traceback (most recent call last):\n" +
		"  File \"<string>\", line 70, in _sandpit\n" +
		"    exec(compile(code, \"<exec>\", \"exec\"), scope)\n" +
		"  File \"<exec>\", line 1, in <module>\n" +
		"    1 / 0\n" +
		"ZeroDivisionError: division by zero\n"
	stderr := frame(messageTraceback, tb) +
		frame(executor.MessageDone, executor.DonePayload{Status: executor.StatusError, Error: "ZeroDivisionError: division by zero"})
	rt := &fakeRuntime{run: guest("before\n", stderr)}

	res := run(t, New(rt), "print('before')\n1 / 0", testConfig())

	assert.False(t, res.Success)
	assert.Equal(t, executor.StatusError, res.Status)
	assert.Equal(t, "ZeroDivisionError: division by zero", res.Error)
	require.Len(t, res.Outputs, 2)
	assert.Equal(t, "before", res.Outputs[0].Content)
	assert.Equal(t, executor.OutputError, res.Outputs[1].Type)
	want := "Traceback (most recent call last):\n  File \"<exec>\", line 1, in <module>\n    1 / 0\nZeroDivisionError: division by zero"
	assert.Equal(t, html.EscapeString(want), res.Outputs[1].Content)
	assert.NotContains(t, res.Outputs[1].Content, "_sandpit")
}

func TestPlainStderr(t *testing.T) {
	rt := &fakeRuntime{run: guest("", "warning: something\n"+frame(executor.MessageDone, nil))}
	res := run(t, New(rt), `x = 1`, testConfig())

	assert.True(t, res.Success)
	require.Len(t, res.Outputs, 1)
	assert.Equal(t, executor.OutputError, res.Outputs[0].Type)
	assert.Equal(t, "warning: something", res.Outputs[0].Content)
}

func TestGuestErrorWithoutDone(t *testing.T) {
	rt := &fakeRuntime{run: func(context.Context, RunRequest) error {
		return errors.New("unreachable executed")
	}}
	res := run(t, New(rt), `x = 1`, testConfig())

	assert.Equal(t, executor.StatusError, res.Status)
	assert.Contains(t, res.Error, "unreachable executed")
}

func TestTimeout(t *testing.T) {
	rt := &fakeRuntime{run: func(ctx context.Context, _ RunRequest) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	cfg := testConfig()
	cfg.Limits.MaxExecutionTime = 200 * time.Millisecond

	c, rec := start(t, New(rt), `while True: pass`, cfg)
	res := wait(t, c, rec)

	assert.Equal(t, executor.StatusTimeout, res.Status)
	assert.False(t, res.Success)
	assert.Contains(t, strings.Join(contents(res), "\n"), "timed out")
	assert.Eventually(t, func() bool { return !c.IsRunning() }, time.Second, 10*time.Millisecond)
}

func TestWatchdog(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	rt := &fakeRuntime{run: func(context.Context, RunRequest) error {
		<-release
		return nil
	}}
	cfg := testConfig()
	cfg.Limits.MaxExecutionTime = 100 * time.Millisecond

	began := time.Now()
	res := run(t, New(rt, WithWatchdogGrace(100*time.Millisecond)), `x = 1`, cfg)

	assert.Equal(t, executor.StatusTimeout, res.Status)
	assert.Less(t, time.Since(began), 2*time.Second)
}

func blocking(ctx context.Context, req RunRequest) error {
	io.WriteString(req.Stdout, "started\n")
	<-ctx.Done()
	return ctx.Err()
}

func TestStop(t *testing.T) {
	rt := &fakeRuntime{run: blocking}
	c, rec := start(t, New(rt), `while True: pass`, testConfig())
	assert.Eventually(t, c.IsRunning, time.Second, 5*time.Millisecond)

	c.Stop()
	c.Stop()
	assert.False(t, c.IsRunning())

	res := wait(t, c, rec)
	assert.Equal(t, executor.StatusStopped, res.Status)
	assert.False(t, res.Success)
}

func TestStopSuppressesLateOutput(t *testing.T) {
	rt := &fakeRuntime{run: func(ctx context.Context, req RunRequest) error {
		<-ctx.Done()
		time.Sleep(300 * time.Millisecond)
		io.WriteString(req.Stdout, "late\n")
		return nil
	}}
	c, rec := start(t, New(rt, WithStopGrace(50*time.Millisecond)), `x = 1`, testConfig())
	time.Sleep(50 * time.Millisecond)
	c.Stop()

	res := wait(t, c, rec)
	assert.Equal(t, executor.StatusStopped, res.Status)
	assert.NotContains(t, contents(res), "late")
}

func TestContextCancelStops(t *testing.T) {
	rt := &fakeRuntime{run: blocking}
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	c := New(rt).Execute(ctx, `x = 1`, testConfig(), rec.callbacks())
	time.Sleep(50 * time.Millisecond)
	cancel()

	res := wait(t, c, rec)
	assert.Equal(t, executor.StatusStopped, res.Status)
}

func TestOutputLimit(t *testing.T) {
	rt := &fakeRuntime{run: func(ctx context.Context, req RunRequest) error {
		for i := 0; i < 1000; i++ {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(req.Stdout, "line %d\n", i)
		}
		return nil
	}}
	cfg := testConfig()
	cfg.Limits.MaxOutputSize = 50

	res := run(t, New(rt), `while True: print("x")`, cfg)

	assert.Equal(t, executor.StatusError, res.Status)
	assert.Contains(t, res.Error, "Output size limit exceeded")
	assert.Less(t, len(res.Outputs), 20)
}

func TestPrintLimitFromGuest(t *testing.T) {
	msg := "Print call limit exceeded (max 2)"
	stderr := frame(executor.MessageError, msg) + frame(executor.MessageDone, executor.DonePayload{Status: executor.StatusError, Error: msg})
	rt := &fakeRuntime{run: guest("1\n2\n", stderr)}

	res := run(t, New(rt, WithMaxPrintCalls(2)), `for i in range(5): print(i)`, testConfig())

	assert.Equal(t, executor.StatusError, res.Status)
	assert.Equal(t, []string{"1", "2", msg}, contents(res))
}

func TestLoadFailure(t *testing.T) {
	rt := &fakeRuntime{loadErr: errors.New("no module")}
	res := run(t, New(rt), `x = 1`, testConfig())

	assert.Equal(t, executor.StatusError, res.Status)
	assert.Contains(t, strings.Join(contents(res), "\n"), "Failed to load Python runtime")

	rt.loadErr = nil
	res = run(t, New(rt), `x = 1`, testConfig())
	assert.True(t, res.Success, "a failed load is retried")
}

func TestRuntimeNotConfigured(t *testing.T) {
	res := run(t, New(nil), `x = 1`, testConfig())
	assert.Equal(t, executor.StatusError, res.Status)
	assert.Equal(t, executor.ErrRuntimeNotConfigured.Error(), res.Error)
}

func TestValidationFailure(t *testing.T) {
	rt := &fakeRuntime{}
	res := run(t, New(rt, WithValidator(security.New())), "import os\nos.system('ls')", testConfig())

	assert.Equal(t, executor.StatusError, res.Status)
	assert.Zero(t, rt.loads.Load(), "runtime untouched")
}

func TestEmptyCodeRejected(t *testing.T) {
	rt := &fakeRuntime{}
	res := run(t, New(rt, WithValidator(security.New())), "", testConfig())

	assert.False(t, res.Success)
	assert.Zero(t, rt.loads.Load())
}

func TestOneExecutionAtATime(t *testing.T) {
	var active, peak atomic.Int32
	rt := &fakeRuntime{run: func(context.Context, RunRequest) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return nil
	}}
	e := New(rt)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := run(t, e, `x = 1`, testConfig())
			assert.True(t, res.Success)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
}

func TestPreload(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "mypkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mypkg", "__init__.py"), nil, 0o644))
	pkgs := hostfunc.NewPackages(hostfunc.PkgConfig{PackageDir: dir})

	rt := &fakeRuntime{}
	e := New(rt, WithPackages(pkgs))

	run(t, e, "import mypkg.sub\nprint(mypkg)", testConfig())
	req := rt.lastRequest()
	assert.Equal(t, dir, req.PackageDir)
	assert.Equal(t, PackagesMount, req.Env["PYTHONPATH"])

	run(t, e, "import json", testConfig())
	assert.Empty(t, rt.lastRequest().PackageDir)
}

func TestWazeroRuntimeNotConfigured(t *testing.T) {
	rt := NewWazeroRuntime()
	err := rt.Load(context.Background())
	assert.ErrorIs(t, err, executor.ErrRuntimeNotConfigured)
	assert.False(t, rt.Loaded())

	rt = NewWazeroRuntime(WithModulePath(filepath.Join(t.TempDir(), "missing.wasm")))
	assert.Error(t, rt.Load(context.Background()))
	assert.False(t, rt.Loaded())
	assert.Error(t, rt.Run(context.Background(), RunRequest{}))
}

func TestWithMemoryLimit(t *testing.T) {
	var cfg runtimeConfig
	WithMemoryLimit(50 * executor.MiB)(&cfg)
	assert.Equal(t, uint32(800), cfg.memoryLimitPages)

	cfg = runtimeConfig{}
	WithMemoryLimit(0)(&cfg)
	assert.Zero(t, cfg.memoryLimitPages)
}
