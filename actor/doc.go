// Package actor provides per-key serialized execution over a durable
// storage.StateStore.
//
// Every entity (an authorization grant, a refresh token, a tenant key set) is
// addressed by a string key. Operations submitted for the same key run one at
// a time in the order they were accepted; operations on different keys run in
// parallel. An operation sees the entity's current state, may replace or
// clear it, and any change is written to the store before the next operation
// on that key starts:
//
//	err := actor.Invoke(ctx, rt, "grant:"+hash, func(ctx context.Context, st *actor.State[Grant]) error {
//		g, ok := st.Get()
//		if !ok {
//			return ErrNotFound
//		}
//		g.Redeemed = true
//		st.Set(g)
//		return nil
//	})
//
// If the operation returns an error nothing is written. If the write fails
// the caller receives ErrPersistence and must treat the outcome as unknown.
//
// ScheduleAt registers a one-shot callback that runs through the same
// mailbox as ordinary operations.
package actor
