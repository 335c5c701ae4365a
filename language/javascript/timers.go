package javascript

import (
	"container/heap"
	"math"
	"time"

	"github.com/dop251/goja"
)

type timer struct {
	id       int64
	due      time.Time
	interval time.Duration // zero for one-shot timers
	fn       goja.Callable
	args     []goja.Value
	seq      int64
	index    int
}

// timerQueue is a min-heap on (due, seq).
type timerQueue struct {
	items []*timer
	byID  map[int64]*timer
}

func (q *timerQueue) Len() int { return len(q.items) }

func (q *timerQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.due.Equal(b.due) {
		return a.seq < b.seq
	}
	return a.due.Before(b.due)
}

func (q *timerQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *timerQueue) Push(x any) {
	t := x.(*timer)
	t.index = len(q.items)
	q.items = append(q.items, t)
}

func (q *timerQueue) Pop() any {
	old := q.items
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	t.index = -1
	return t
}

func (q *timerQueue) peek() *timer { return q.items[0] }

func (q *timerQueue) add(t *timer) {
	if q.byID == nil {
		q.byID = make(map[int64]*timer)
	}
	q.byID[t.id] = t
	heap.Push(q, t)
}

func (q *timerQueue) remove(id int64) {
	t, ok := q.byID[id]
	if !ok {
		return
	}
	delete(q.byID, id)
	if t.index >= 0 {
		heap.Remove(q, t.index)
	}
}

// schedule clamps delay to the remaining budget and queues fn.
func (w *worker) schedule(call goja.FunctionCall, repeat bool) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(w.vm.NewTypeError("callback must be a function"))
	}
	ms := call.Argument(1).ToFloat()
	if math.IsNaN(ms) || ms < 0 {
		ms = 0
	}
	delay := time.Until(w.deadline)
	if ms < float64(delay/time.Millisecond) {
		delay = time.Duration(ms * float64(time.Millisecond))
	}
	if delay < 0 {
		delay = 0
	}
	if repeat && delay < time.Millisecond {
		delay = time.Millisecond
	}

	w.nextTimer++
	t := &timer{
		id:   w.nextTimer,
		due:  time.Now().Add(delay),
		fn:   fn,
		seq:  w.nextTimer,
		args: append([]goja.Value(nil), call.Arguments[min(2, len(call.Arguments)):]...),
	}
	if repeat {
		t.interval = delay
	}
	w.timers.add(t)
	return w.vm.ToValue(t.id)
}

func (w *worker) clear(call goja.FunctionCall) goja.Value {
	w.timers.remove(call.Argument(0).ToInteger())
	return goja.Undefined()
}

// fireTimer runs the earliest timer, rescheduling intervals.
func (w *worker) fireTimer(vm *goja.Runtime) error {
	t := heap.Pop(&w.timers).(*timer)
	if t.interval > 0 {
		t.due = time.Now().Add(t.interval)
		w.nextTimer++
		t.seq = w.nextTimer
		heap.Push(&w.timers, t)
	} else {
		delete(w.timers.byID, t.id)
	}
	_, err := t.fn(goja.Undefined(), t.args...)
	return err
}
