package executor

import "errors"

// Resource and lifecycle errors raised inside an isolated context. They are
// reported to callers as error outputs, never returned.
var (
	ErrIterationLimit       = errors.New("iteration limit exceeded")
	ErrOutputLimit          = errors.New("output size limit exceeded")
	ErrPrintLimit           = errors.New("print call limit exceeded")
	ErrTimeBudget           = errors.New("execution time limit exceeded")
	ErrStopped              = errors.New("execution stopped")
	ErrRuntimeNotConfigured = errors.New("runtime not configured")
)
