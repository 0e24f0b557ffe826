package actor

import (
	"context"
	"time"
)

// ScheduleAt runs op against key at (or shortly after) at, through the same
// mailbox as Invoke. Failures are logged. A timer is an optimization: the
// callback may never run if the process stops first.
func ScheduleAt[T any](rt *Runtime, key string, at time.Time, op func(ctx context.Context, st *State[T]) error) {
	rt.timersMu.Lock()
	defer rt.timersMu.Unlock()
	if rt.stopped {
		return
	}

	var t *time.Timer
	t = time.AfterFunc(time.Until(at), func() {
		rt.timersMu.Lock()
		delete(rt.timers, t)
		rt.timersMu.Unlock()

		ctx := context.Background()
		if rt.instrumentation != nil {
			rt.instrumentation.Metrics().RecordTimerFired(ctx, entityKind(key))
		}
		if err := Invoke(ctx, rt, key, op); err != nil {
			rt.logger.Debug("Deferred entity callback failed", "kind", entityKind(key), "error", err)
		}
	})
	rt.timers[t] = struct{}{}
}

// PendingTimers returns the number of timers not yet fired or stopped.
func (rt *Runtime) PendingTimers() int {
	rt.timersMu.Lock()
	defer rt.timersMu.Unlock()
	return len(rt.timers)
}
