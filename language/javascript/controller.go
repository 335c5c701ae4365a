package javascript

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/caffeineduck/sandpit/executor"
)

// controller is the host side of one worker.
type controller struct {
	em     *executor.Emitter
	w      *worker
	logger *zap.Logger
	grace  time.Duration

	stopping atomic.Bool
	stopOnce sync.Once

	mu       sync.Mutex
	watchdog *time.Timer
	graceT   *time.Timer
	final    sync.Once
}

func newController(em *executor.Emitter, w *worker, logger *zap.Logger, grace time.Duration) *controller {
	return &controller{em: em, w: w, logger: logger, grace: grace}
}

// pump maps worker messages to outputs and terminal results, in order.
func (c *controller) pump() {
	for {
		select {
		case m := <-c.w.messages:
			switch m.Type {
			case executor.MessageDone:
				p := m.Done()
				c.finalize(p.Status, p.Error)
				return
			case executor.MessageStopped:
				c.finalize(executor.StatusStopped, "execution stopped")
				return
			default:
				if t, ok := executor.OutputTypeFor(m.Type); ok {
					c.em.Output(t, m.Text())
				}
			}
		case <-c.w.quit:
			return
		}
	}
}

func (c *controller) startWatchdog(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchdog = time.AfterFunc(d, func() {
		c.logger.Warn("worker watchdog fired", zap.Duration("after", d))
		c.em.Output(executor.OutputError, "Execution timed out after "+d.String())
		c.finalize(executor.StatusTimeout, "execution timed out")
	})
}

func (c *controller) watchContext(ctx context.Context) {
	select {
	case <-ctx.Done():
		c.Stop()
	case <-c.w.quit:
	}
}

// finalize delivers the terminal result once and tears the worker down.
func (c *controller) finalize(status executor.Status, errMsg string) {
	c.final.Do(func() {
		c.mu.Lock()
		if c.watchdog != nil {
			c.watchdog.Stop()
		}
		if c.graceT != nil {
			c.graceT.Stop()
		}
		c.mu.Unlock()

		c.w.terminate()
		c.em.Finish(status, errMsg)
	})
}

// Stop asks the worker to close and forces termination after the grace
// period. It never blocks and never delivers the result synchronously.
func (c *controller) Stop() {
	c.stopOnce.Do(func() {
		if c.em.Finished() {
			return
		}
		c.stopping.Store(true)
		c.w.post(executor.Command{Action: executor.ActionStop})

		c.mu.Lock()
		c.graceT = time.AfterFunc(c.grace, func() {
			c.finalize(executor.StatusStopped, "execution stopped")
		})
		c.mu.Unlock()
	})
}

func (c *controller) IsRunning() bool {
	return !c.stopping.Load() && !c.em.Finished()
}

func (c *controller) Done() <-chan struct{} {
	return c.em.Done()
}
