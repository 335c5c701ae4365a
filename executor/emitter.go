package executor

import (
	"sync"
	"time"
)

// Emitter owns the callback stream of one execution. It records outputs in
// emission order and guarantees a single terminal result. Callbacks run in
// that order through a Serial, never under the state lock, so a callback
// may call back into the execution (Stop, IsRunning) and a slow callback
// does not hold up Finished or Finish on other goroutines.
type Emitter struct {
	cb        Callbacks
	maxOutput int
	start     time.Time
	deliver   Serial

	mu       sync.Mutex
	outputs  []Output
	status   Status
	finished bool
	done     chan struct{}
}

// NewEmitter creates an emitter whose content is sanitized against maxOutput.
func NewEmitter(cb Callbacks, maxOutput int) *Emitter {
	return &Emitter{
		cb:        cb,
		maxOutput: maxOutput,
		start:     time.Now(),
		status:    StatusIdle,
		done:      make(chan struct{}),
	}
}

// Output appends an event. Events after the terminal result are dropped.
func (e *Emitter) Output(t OutputType, content string) {
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return
	}
	out := Output{
		Type:      t,
		Content:   SanitizeOutput(content, e.maxOutput),
		Timestamp: time.Now(),
	}
	e.outputs = append(e.outputs, out)
	if fn := e.cb.OnOutput; fn != nil {
		e.deliver.Push(func() { fn(out) })
	}
	e.mu.Unlock()
	e.deliver.Drain()
}

// Status transitions the execution. Terminal statuses go through Finish.
func (e *Emitter) Status(s Status) {
	e.mu.Lock()
	if e.finished || e.status == s {
		e.mu.Unlock()
		return
	}
	e.status = s
	e.pushStatus(s)
	e.mu.Unlock()
	e.deliver.Drain()
}

// pushStatus queues a status callback. Callers hold mu.
func (e *Emitter) pushStatus(s Status) {
	if fn := e.cb.OnStatusChange; fn != nil {
		e.deliver.Push(func() { fn(s) })
	}
}

// Finish records the terminal status and result. Only the first call has
// any effect; it reports whether this call was the one that finished. Done
// is closed once OnComplete has returned.
func (e *Emitter) Finish(status Status, errMsg string) bool {
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return false
	}
	e.finished = true
	e.status = status
	e.pushStatus(status)
	res := Result{
		Success:       status == StatusCompleted,
		Outputs:       append([]Output(nil), e.outputs...),
		Status:        status,
		ExecutionTime: time.Since(e.start),
		Error:         errMsg,
	}
	if fn := e.cb.OnComplete; fn != nil {
		e.deliver.Push(func() { fn(res) })
	}
	e.deliver.Push(func() { close(e.done) })
	e.mu.Unlock()
	e.deliver.Drain()
	return true
}

// Finished reports whether the terminal result was delivered.
func (e *Emitter) Finished() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finished
}

// CurrentStatus returns the last status transitioned to.
func (e *Emitter) CurrentStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Done is closed after Finish.
func (e *Emitter) Done() <-chan struct{} {
	return e.done
}

// Elapsed is the time since the emitter was created.
func (e *Emitter) Elapsed() time.Duration {
	return time.Since(e.start)
}
