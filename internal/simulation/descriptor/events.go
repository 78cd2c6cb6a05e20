package descriptor

import "github.com/kmrgirish/hostsim/internal/simulation/eventq"

// A Listener observes state transitions on one file. It stays registered
// until removed.
type Listener struct {
	mask FileState
	fn   func(state, changed FileState, q *eventq.CallbackQueue)
}

// EventSource fans state-change notifications out to registered listeners.
// Delivery is deferred through the callback queue so that no listener runs
// while the file that changed is still borrowed.
type EventSource struct {
	listeners []*Listener
}

// Add registers fn to run whenever a bit in mask changes, and returns a
// handle for Remove. Listeners run in registration order.
func (e *EventSource) Add(mask FileState, fn func(state, changed FileState, q *eventq.CallbackQueue)) *Listener {
	l := &Listener{mask: mask, fn: fn}
	e.listeners = append(e.listeners, l)
	return l
}

// Remove unregisters l. Removing a listener that is not registered is a
// no-op; already-queued notifications for it still run.
func (e *EventSource) Remove(l *Listener) {
	for i, other := range e.listeners {
		if other == l {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			return
		}
	}
}

func (e *EventSource) notify(state, changed FileState, q *eventq.CallbackQueue) {
	for _, l := range e.listeners {
		if changed&l.mask == 0 {
			continue
		}
		l := l
		q.Add(func(q *eventq.CallbackQueue) {
			l.fn(state, changed, q)
		})
	}
}
