// Package eventq provides the deferred callback queue used by simulated
// kernel objects.
//
// Mutating a file or socket can make other waiters runnable. Those
// notifications must not fire while the mutating operation still holds the
// object's exclusive borrow, so they are queued here and drained only after
// the operation has fully returned. The queue gives every syscall a single
// linear ordering of wake-ups: callbacks run in enqueue order, after the
// operation's own result is computed, and before the syscall returns to the
// scheduler.
package eventq

// A Callback is a deferred side-effect notification. It receives the queue
// it runs on so it can enqueue follow-up work.
type Callback func(q *CallbackQueue)

// CallbackQueue collects side-effect notifications produced while mutating
// simulated kernel state.
type CallbackQueue struct {
	callbacks []Callback
}

// Add enqueues a callback. Callbacks run in enqueue order.
func (q *CallbackQueue) Add(cb Callback) {
	q.callbacks = append(q.callbacks, cb)
}

// Len returns the number of callbacks waiting to run.
func (q *CallbackQueue) Len() int {
	return len(q.callbacks)
}

// Run drains the queue. Callbacks may enqueue further callbacks; those run
// in the same drain, after all earlier entries.
func (q *CallbackQueue) Run() {
	for len(q.callbacks) > 0 {
		cb := q.callbacks[0]
		q.callbacks = q.callbacks[1:]
		cb(q)
	}
}

// QueueAndRun invokes f with a fresh queue and drains the queue after f
// returns. The outermost mutating caller uses this so that no callback ever
// runs while a borrow is held; f captures any results it needs to return.
func QueueAndRun(f func(q *CallbackQueue)) {
	var q CallbackQueue
	f(&q)
	q.Run()
}
