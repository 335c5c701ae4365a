package executor

import (
	"slices"
	"time"
)

// ResourceLimits bounds a single execution.
type ResourceLimits struct {
	MaxExecutionTime  time.Duration `yaml:"max_execution_time" json:"max_execution_time"`
	MaxMemory         int64         `yaml:"max_memory" json:"max_memory"` // bytes, advisory
	MaxIterations     int           `yaml:"max_iterations" json:"max_iterations"`
	MaxRecursionDepth int           `yaml:"max_recursion_depth" json:"max_recursion_depth"`
	MaxOutputSize     int           `yaml:"max_output_size" json:"max_output_size"` // characters
}

// SecurityConfig is both the validator policy and the isolated-context policy.
type SecurityConfig struct {
	AllowNetwork     bool     `yaml:"allow_network" json:"allow_network"`
	AllowFileSystem  bool     `yaml:"allow_file_system" json:"allow_file_system"`
	AllowDynamicCode bool     `yaml:"allow_dynamic_code" json:"allow_dynamic_code"`
	BlockedGlobals   []string `yaml:"blocked_globals" json:"blocked_globals"`
	BlockedImports   []string `yaml:"blocked_imports" json:"blocked_imports"`
	// AllowedHosts scopes fetch() when AllowNetwork is set. Empty means no fetch.
	AllowedHosts []string `yaml:"allowed_hosts" json:"allowed_hosts"`
}

// Config is immutable for the duration of one execution.
type Config struct {
	Language          Language       `yaml:"language" json:"language"`
	Limits            ResourceLimits `yaml:"resource_limits" json:"resource_limits"`
	Security          SecurityConfig `yaml:"security" json:"security"`
	EnableStellarMock bool           `yaml:"enable_stellar_mock" json:"enable_stellar_mock"`
	SessionID         string         `yaml:"session_id" json:"session_id,omitempty"`
}

// Memory limit constants for convenience.
const (
	MiB = 1 << 20

	DefaultMaxExecutionTime  = 30 * time.Second
	DefaultMaxMemory         = 50 * MiB
	DefaultMaxIterations     = 1_000_000
	DefaultMaxRecursionDepth = 100
	DefaultMaxOutputSize     = 100_000
)

func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MaxExecutionTime:  DefaultMaxExecutionTime,
		MaxMemory:         DefaultMaxMemory,
		MaxIterations:     DefaultMaxIterations,
		MaxRecursionDepth: DefaultMaxRecursionDepth,
		MaxOutputSize:     DefaultMaxOutputSize,
	}
}

// DefaultBlockedGlobals are host capabilities an ECMAScript snippet may not touch.
func DefaultBlockedGlobals() []string {
	return []string{
		"eval",
		"Function",
		"document",
		"window",
		"globalThis",
		"process",
		"localStorage",
		"sessionStorage",
		"indexedDB",
		"XMLHttpRequest",
		"fetch",
		"WebSocket",
		"EventSource",
		"importScripts",
		"Worker",
		"SharedWorker",
	}
}

// NetworkGlobals are the blocked globals lifted when AllowNetwork is set.
var NetworkGlobals = []string{"fetch", "XMLHttpRequest", "WebSocket", "EventSource"}

// EffectiveBlockedGlobals is BlockedGlobals minus the names the policy's
// allow flags re-enable.
func (s SecurityConfig) EffectiveBlockedGlobals() []string {
	out := make([]string, 0, len(s.BlockedGlobals))
	for _, name := range s.BlockedGlobals {
		if s.AllowNetwork && slices.Contains(NetworkGlobals, name) {
			continue
		}
		if s.AllowDynamicCode && (name == "eval" || name == "Function") {
			continue
		}
		out = append(out, name)
	}
	return out
}

// DefaultBlockedImports are module names no language may import.
func DefaultBlockedImports() []string {
	return []string{
		"os",
		"sys",
		"subprocess",
		"socket",
		"shutil",
		"ctypes",
		"multiprocessing",
		"threading",
		"_thread",
		"pickle",
		"marshal",
		"importlib",
		"builtins",
		"signal",
		"pty",
		"fs",
		"child_process",
		"net",
		"http",
		"vm",
		"worker_threads",
	}
}

func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		BlockedGlobals: DefaultBlockedGlobals(),
		BlockedImports: DefaultBlockedImports(),
	}
}

// DefaultConfig returns a JavaScript configuration with default limits.
func DefaultConfig() Config {
	return Config{
		Language: JavaScript,
		Limits:   DefaultResourceLimits(),
		Security: DefaultSecurityConfig(),
	}
}

// Clone returns a deep copy so callers can hand configs across goroutines.
func (c Config) Clone() Config {
	c.Security.BlockedGlobals = slices.Clone(c.Security.BlockedGlobals)
	c.Security.BlockedImports = slices.Clone(c.Security.BlockedImports)
	c.Security.AllowedHosts = slices.Clone(c.Security.AllowedHosts)
	return c
}

// LimitsPatch holds optional overrides for ResourceLimits.
type LimitsPatch struct {
	MaxExecutionTime  *time.Duration
	MaxMemory         *int64
	MaxIterations     *int
	MaxRecursionDepth *int
	MaxOutputSize     *int
}

// SecurityPatch holds optional overrides for SecurityConfig. Non-nil slices
// replace the current list.
type SecurityPatch struct {
	AllowNetwork     *bool
	AllowFileSystem  *bool
	AllowDynamicCode *bool
	BlockedGlobals   []string
	BlockedImports   []string
	AllowedHosts     []string
}

// ConfigPatch is a partial Config. Nil fields leave the target untouched.
type ConfigPatch struct {
	Language          *Language
	Limits            *LimitsPatch
	Security          *SecurityPatch
	EnableStellarMock *bool
	SessionID         *string
}

// Merge deep-merges p into a copy of c.
func (c Config) Merge(p ConfigPatch) Config {
	out := c.Clone()
	if p.Language != nil {
		out.Language = *p.Language
	}
	if p.EnableStellarMock != nil {
		out.EnableStellarMock = *p.EnableStellarMock
	}
	if p.SessionID != nil {
		out.SessionID = *p.SessionID
	}
	if l := p.Limits; l != nil {
		setIf(&out.Limits.MaxExecutionTime, l.MaxExecutionTime)
		setIf(&out.Limits.MaxMemory, l.MaxMemory)
		setIf(&out.Limits.MaxIterations, l.MaxIterations)
		setIf(&out.Limits.MaxRecursionDepth, l.MaxRecursionDepth)
		setIf(&out.Limits.MaxOutputSize, l.MaxOutputSize)
	}
	if s := p.Security; s != nil {
		setIf(&out.Security.AllowNetwork, s.AllowNetwork)
		setIf(&out.Security.AllowFileSystem, s.AllowFileSystem)
		setIf(&out.Security.AllowDynamicCode, s.AllowDynamicCode)
		if s.BlockedGlobals != nil {
			out.Security.BlockedGlobals = slices.Clone(s.BlockedGlobals)
		}
		if s.BlockedImports != nil {
			out.Security.BlockedImports = slices.Clone(s.BlockedImports)
		}
		if s.AllowedHosts != nil {
			out.Security.AllowedHosts = slices.Clone(s.AllowedHosts)
		}
	}
	return out
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// Ptr is a small helper for building patches.
func Ptr[T any](v T) *T {
	return &v
}
