package executor

import (
	"context"
	"time"
)

// Status is the lifecycle state of one execution.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusValidating Status = "validating"
	StatusCompiling  Status = "compiling"
	StatusExecuting  Status = "executing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusTimeout    Status = "timeout"
	StatusStopped    Status = "stopped"
)

// Terminal reports whether no further output is expected after s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusTimeout, StatusStopped:
		return true
	}
	return false
}

// OutputType classifies an Output.
type OutputType string

const (
	OutputLog    OutputType = "log"
	OutputError  OutputType = "error"
	OutputWarn   OutputType = "warn"
	OutputInfo   OutputType = "info"
	OutputResult OutputType = "result"
	OutputSystem OutputType = "system"
)

// Output is one emitted event. It is never mutated after creation.
type Output struct {
	Type      OutputType `json:"type"`
	Content   string     `json:"content"`
	Timestamp time.Time  `json:"timestamp"`
}

// Result is the terminal record of an execution attempt, produced exactly once.
type Result struct {
	Success       bool          `json:"success"`
	Outputs       []Output      `json:"outputs"`
	Status        Status        `json:"status"`
	ExecutionTime time.Duration `json:"execution_time"`
	Error         string        `json:"error,omitempty"`
}

// Callbacks receive the execution stream. Calls for one execution are
// serialized and never reentrant with each other. Nil fields are skipped.
type Callbacks struct {
	OnOutput       func(Output)
	OnStatusChange func(Status)
	OnComplete     func(Result)
}

// Controller is the only handle callers keep on an in-flight execution.
type Controller interface {
	// Stop cancels the execution. It is idempotent.
	Stop()
	// IsRunning reports whether the isolated context is still live.
	IsRunning() bool
	// Done is closed once the terminal result has been delivered.
	Done() <-chan struct{}
}

// Strategy runs code for one family of languages. Execute returns as soon as
// the execution has been started; every outcome, including validation and
// rate-limit rejection, is reported through cb.
type Strategy interface {
	Execute(ctx context.Context, code string, cfg Config, cb Callbacks) Controller
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, code string, cfg Config, cb Callbacks) Controller

func (f StrategyFunc) Execute(ctx context.Context, code string, cfg Config, cb Callbacks) Controller {
	return f(ctx, code, cfg, cb)
}

type noopController struct {
	done chan struct{}
}

// NoopController returns a controller for executions that never started an
// isolated context.
func NoopController() Controller {
	done := make(chan struct{})
	close(done)
	return &noopController{done: done}
}

func (c *noopController) Stop()                 {}
func (c *noopController) IsRunning() bool       { return false }
func (c *noopController) Done() <-chan struct{} { return c.done }
