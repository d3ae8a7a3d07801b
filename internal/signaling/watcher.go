package signaling

import (
	"sync"
	"sync/atomic"

	"github.com/mossy-p/meshcall/internal/queue"
)

// watcher serializes callbacks for one subscription and drops anything still
// queued once the subscription is stopped
type watcher[T any] struct {
	box    *queue.Mailbox
	fn     func(T)
	active atomic.Bool
}

func newWatcher[T any](fn func(T)) *watcher[T] {
	w := &watcher[T]{box: queue.NewMailbox(), fn: fn}
	w.active.Store(true)
	return w
}

func (w *watcher[T]) deliver(v T) {
	w.box.Post(func() {
		if w.active.Load() {
			w.fn(v)
		}
	})
}

// post runs fn on the watcher's goroutine, in order with deliveries
func (w *watcher[T]) post(fn func()) {
	w.box.Post(func() {
		if w.active.Load() {
			fn()
		}
	})
}

func (w *watcher[T]) stop() {
	w.active.Store(false)
	w.box.Close()
}

// once wraps fn so repeated unsubscribes are harmless
func once(fn func()) Unsubscribe {
	var o sync.Once
	return func() { o.Do(fn) }
}
