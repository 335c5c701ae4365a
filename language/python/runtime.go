package python

//go:generate go run ../../internal/tools/download

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"golang.org/x/sync/singleflight"

	"github.com/caffeineduck/sandpit/executor"
)

// PackagesMount is where a package directory appears inside the guest.
const PackagesMount = "/packages"

// RunRequest is one guest invocation.
type RunRequest struct {
	Args   []string
	Env    map[string]string
	Stdout io.Writer
	Stderr io.Writer
	// PackageDir is mounted read-only at PackagesMount when set.
	PackageDir string
}

// Runtime is a loadable Python interpreter. Load is safe to call from
// several goroutines; they share one load.
type Runtime interface {
	Loaded() bool
	Load(ctx context.Context) error
	Run(ctx context.Context, req RunRequest) error
}

// WazeroRuntime runs a Python WASI module under wazero. The module is
// compiled once and every Run gets a fresh instance.
type WazeroRuntime struct {
	cfg runtimeConfig

	group singleflight.Group

	mu       sync.RWMutex
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	compiled wazero.CompiledModule
	closed   bool
}

type runtimeConfig struct {
	modulePath       string
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32
}

// RuntimeOption configures a WazeroRuntime.
type RuntimeOption func(*runtimeConfig)

// WithModulePath sets the Python WASI binary to load.
func WithModulePath(path string) RuntimeOption {
	return func(c *runtimeConfig) { c.modulePath = path }
}

// WithDiskCache persists compiled modules across processes. An empty dir
// uses DefaultCacheDir.
func WithDiskCache(dir string) RuntimeOption {
	return func(c *runtimeConfig) {
		c.diskCache = true
		c.cacheDir = dir
	}
}

// WithMemoryLimit caps guest memory, rounded down to whole 64 KiB pages.
// Zero keeps wazero's default.
func WithMemoryLimit(bytes int64) RuntimeOption {
	return func(c *runtimeConfig) {
		if bytes > 0 {
			c.memoryLimitPages = uint32(bytes / (64 * 1024))
		}
	}
}

func NewWazeroRuntime(opts ...RuntimeOption) *WazeroRuntime {
	var cfg runtimeConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return &WazeroRuntime{cfg: cfg}
}

func (r *WazeroRuntime) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.compiled != nil
}

// Load compiles the module. Concurrent callers wait for the same attempt; a
// failed attempt is not remembered.
func (r *WazeroRuntime) Load(ctx context.Context) error {
	if r.Loaded() {
		return nil
	}
	_, err, _ := r.group.Do("load", func() (any, error) {
		if r.Loaded() {
			return nil, nil
		}
		return nil, r.load(ctx)
	})
	return err
}

func (r *WazeroRuntime) load(ctx context.Context) error {
	if r.cfg.modulePath == "" {
		return fmt.Errorf("python module path: %w", executor.ErrRuntimeNotConfigured)
	}
	wasm, err := os.ReadFile(r.cfg.modulePath)
	if err != nil {
		return fmt.Errorf("read python module: %w", err)
	}

	var cache wazero.CompilationCache
	if r.cfg.diskCache {
		dir := r.cfg.cacheDir
		if dir == "" {
			dir = DefaultCacheDir()
		}
		cache, err = wazero.NewCompilationCacheWithDir(dir)
		if err != nil {
			return fmt.Errorf("create disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if r.cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(r.cfg.memoryLimitPages)
	}

	// Loading must outlive the caller that happened to trigger it.
	bg := context.WithoutCancel(ctx)
	rt := wazero.NewRuntimeWithConfig(bg, rtConfig)
	fail := func(err error) error {
		rt.Close(bg)
		if cache != nil {
			cache.Close(bg)
		}
		return err
	}
	if _, err := wasi_snapshot_preview1.Instantiate(bg, rt); err != nil {
		return fail(fmt.Errorf("instantiate WASI: %w", err))
	}
	compiled, err := rt.CompileModule(bg, wasm)
	if err != nil {
		return fail(fmt.Errorf("compile python: %w", err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fail(errors.New("runtime closed"))
	}
	r.runtime, r.cache, r.compiled = rt, cache, compiled
	return nil
}

// Run instantiates the module with req and blocks until it exits. A clean
// exit, including sys.exit(0), returns nil. Cancelling ctx halts the guest.
func (r *WazeroRuntime) Run(ctx context.Context, req RunRequest) error {
	r.mu.RLock()
	rt, compiled := r.runtime, r.compiled
	r.mu.RUnlock()
	if compiled == nil {
		return errors.New("python runtime not loaded")
	}

	modConfig := wazero.NewModuleConfig().
		WithArgs(req.Args...).
		WithStdout(orDiscard(req.Stdout)).
		WithStderr(orDiscard(req.Stderr)).
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(rand.Reader).
		WithName("")
	for k, v := range req.Env {
		modConfig = modConfig.WithEnv(k, v)
	}
	if req.PackageDir != "" {
		modConfig = modConfig.WithFSConfig(wazero.NewFSConfig().WithReadOnlyDirMount(req.PackageDir, PackagesMount))
	}

	mod, err := rt.InstantiateModule(ctx, compiled, modConfig)
	if mod != nil {
		mod.Close(context.WithoutCancel(ctx))
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 0 {
		return nil
	}
	return err
}

func (r *WazeroRuntime) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	if r.runtime != nil {
		errs = append(errs, r.runtime.Close(ctx))
	}
	if r.cache != nil {
		errs = append(errs, r.cache.Close(ctx))
	}
	r.compiled = nil
	return errors.Join(errs...)
}

// DefaultCacheDir is where compiled modules and the downloaded interpreter
// live by default.
func DefaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "sandpit")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "sandpit")
	}
	return filepath.Join(os.TempDir(), "sandpit-cache")
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
