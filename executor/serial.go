package executor

import "sync"

// Serial delivers queued functions one at a time, in push order, without
// holding a lock while they run. The first goroutine to Drain delivers for
// everyone; a function that pushes and drains from inside a delivery returns
// at once and its work runs after it, on the same goroutine.
type Serial struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

// Push queues fn without running it.
func (s *Serial) Push(fn func()) {
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
}

// Drain runs queued functions until the queue is empty, unless another call
// is already doing so.
func (s *Serial) Drain() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	for len(s.queue) > 0 {
		fn := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()
		fn()
		s.mu.Lock()
	}
	s.running = false
	s.mu.Unlock()
}

// Do pushes fn and drains.
func (s *Serial) Do(fn func()) {
	s.Push(fn)
	s.Drain()
}
