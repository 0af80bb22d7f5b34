package chat

import "time"

// Scheduler registers fire-and-forget deferred callbacks. The engine never
// loops in place: every poll cycle, retry and reconnect is re-armed
// through a Scheduler so control always returns to the caller. Injectable
// so embedders with their own event loop (or tests) can take over timing.
type Scheduler interface {
	After(d time.Duration, fn func())
}

// timerScheduler is the default Scheduler backed by the runtime timer heap.
type timerScheduler struct{}

func (timerScheduler) After(d time.Duration, fn func()) {
	time.AfterFunc(d, fn)
}
