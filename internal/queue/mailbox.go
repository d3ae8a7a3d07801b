package queue

import "sync"

// Mailbox runs posted functions one at a time, in post order, on a single
// goroutine. It never blocks the poster: the backlog is unbounded.
type Mailbox struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []func()
	closed  bool
	done    chan struct{}
}

// NewMailbox starts the mailbox goroutine
func NewMailbox() *Mailbox {
	m := &Mailbox{done: make(chan struct{})}
	m.cond = sync.NewCond(&m.mu)
	go m.run()
	return m
}

// Post enqueues fn. It returns false once the mailbox is closed.
func (m *Mailbox) Post(fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.pending = append(m.pending, fn)
	m.cond.Signal()
	return true
}

// Close stops accepting work. Functions already posted still run; Close does
// not wait for them, so it is safe to call from inside a posted function.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.cond.Signal()
}

// Done is closed after the goroutine has drained the backlog and exited
func (m *Mailbox) Done() <-chan struct{} {
	return m.done
}

// Closed reports whether Close has been called
func (m *Mailbox) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Mailbox) run() {
	defer close(m.done)
	for {
		m.mu.Lock()
		for len(m.pending) == 0 && !m.closed {
			m.cond.Wait()
		}
		if len(m.pending) == 0 {
			m.mu.Unlock()
			return
		}
		fn := m.pending[0]
		m.pending[0] = nil
		m.pending = m.pending[1:]
		m.mu.Unlock()

		fn()
	}
}
