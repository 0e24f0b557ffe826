package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/tenant-oauth/security"
	"github.com/giantswarm/tenant-oauth/storage"
	"github.com/giantswarm/tenant-oauth/storage/memory"
	"github.com/giantswarm/tenant-oauth/storage/mock"
)

type counter struct {
	N     int      `json:"n"`
	Order []string `json:"order,omitempty"`
}

func newRuntime(t *testing.T) (*Runtime, *memory.Store) {
	t.Helper()
	store := memory.New()
	t.Cleanup(store.Stop)
	rt, err := New(store, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(rt.Stop)
	return rt, store
}

func newMockStore(t *testing.T) *mock.StateStore {
	t.Helper()
	inner := memory.New()
	t.Cleanup(inner.Stop)
	return mock.NewStateStore(inner)
}

func increment(ctx context.Context, st *State[counter]) error {
	c, ok := st.Get()
	if !ok {
		c = &counter{}
	}
	c.N++
	st.Set(c)
	return nil
}

func read(t *testing.T, rt *Runtime, key string) (*counter, bool) {
	t.Helper()
	var out *counter
	var found bool
	err := Invoke(context.Background(), rt, key, func(_ context.Context, st *State[counter]) error {
		out, found = st.Get()
		return nil
	})
	if err != nil {
		t.Fatalf("Invoke(read) error = %v", err)
	}
	return out, found
}

func TestNew_RequiresStore(t *testing.T) {
	if _, err := New(nil, nil); err == nil {
		t.Error("New(nil) expected error")
	}
}

func TestInvoke_SerializesPerKey(t *testing.T) {
	rt, _ := newRuntime(t)
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	var inFlight, maxInFlight atomic.Int32

	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := Invoke(ctx, rt, "counter:a", func(ctx context.Context, st *State[counter]) error {
				n := inFlight.Add(1)
				for {
					m := maxInFlight.Load()
					if n <= m || maxInFlight.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(100 * time.Microsecond)
				inFlight.Add(-1)
				return increment(ctx, st)
			})
			if err != nil {
				t.Errorf("Invoke() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := maxInFlight.Load(); got != 1 {
		t.Errorf("max concurrent operations on one key = %d, want 1", got)
	}
	c, ok := read(t, rt, "counter:a")
	if !ok || c.N != workers {
		t.Errorf("counter = %+v, want N=%d", c, workers)
	}
}

func TestInvoke_DifferentKeysRunInParallel(t *testing.T) {
	rt, _ := newRuntime(t)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_ = Invoke(ctx, rt, "counter:blocked", func(_ context.Context, _ *State[counter]) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	done := make(chan error, 1)
	go func() { done <- Invoke(ctx, rt, "counter:free", increment) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Invoke() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("operation on an unrelated key was blocked")
	}
	close(release)
}

func TestInvoke_FIFOOrder(t *testing.T) {
	rt, _ := newRuntime(t)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = Invoke(ctx, rt, "counter:fifo", func(_ context.Context, _ *State[counter]) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// Submit sequentially so acceptance order is known, while the head
	// operation holds the mailbox.
	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		accepted := make(chan struct{})
		go func() {
			defer wg.Done()
			close(accepted)
			_ = Invoke(ctx, rt, "counter:fifo", func(_ context.Context, st *State[counter]) error {
				c, ok := st.Get()
				if !ok {
					c = &counter{}
				}
				c.Order = append(c.Order, fmt.Sprint(i))
				st.Set(c)
				return nil
			})
		}()
		<-accepted
		waitForQueue(t, rt, "counter:fifo", i+1)
	}
	close(release)
	wg.Wait()

	c, _ := read(t, rt, "counter:fifo")
	want := []string{"0", "1", "2", "3", "4"}
	if fmt.Sprint(c.Order) != fmt.Sprint(want) {
		t.Errorf("order = %v, want %v", c.Order, want)
	}
}

func waitForQueue(t *testing.T, rt *Runtime, key string, n int) {
	t.Helper()
	sh := rt.shardFor(key)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sh.mu.Lock()
		mb := sh.mailboxes[key]
		queued := 0
		if mb != nil {
			queued = len(mb.queue)
		}
		sh.mu.Unlock()
		if queued >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue for %s never reached %d", key, n)
}

func TestInvoke_OperationErrorDiscardsChanges(t *testing.T) {
	rt, _ := newRuntime(t)
	ctx := context.Background()

	if err := Invoke(ctx, rt, "counter:b", increment); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	errRejected := errors.New("rejected")
	err := Invoke(ctx, rt, "counter:b", func(ctx context.Context, st *State[counter]) error {
		_ = increment(ctx, st)
		return errRejected
	})
	if !errors.Is(err, errRejected) {
		t.Fatalf("Invoke() error = %v, want %v", err, errRejected)
	}

	c, _ := read(t, rt, "counter:b")
	if c.N != 1 {
		t.Errorf("N = %d, want 1 (rejected change must not persist)", c.N)
	}
}

func TestInvoke_ReadOnlyDoesNotWrite(t *testing.T) {
	store := newMockStore(t)
	rt, err := New(store, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_ = Invoke(context.Background(), rt, "counter:ro", func(_ context.Context, st *State[counter]) error {
		st.Get()
		return nil
	})
	if n := store.Calls("SaveState"); n != 0 {
		t.Errorf("SaveState called %d times for a read-only operation", n)
	}
}

func TestInvoke_PersistenceFailure(t *testing.T) {
	store := newMockStore(t)
	rt, err := New(store, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()

	store.SaveStateFunc = func(context.Context, *storage.Record) (int64, error) {
		return 0, errors.New("disk full")
	}
	err = Invoke(ctx, rt, "counter:p", increment)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("Invoke() error = %v, want ErrPersistence", err)
	}

	// Nothing was written, so the next operation sees no entity.
	store.SaveStateFunc = nil
	if _, ok := read(t, rt, "counter:p"); ok {
		t.Error("entity exists after failed write")
	}
}

func TestInvoke_VersionConflictIsPersistenceError(t *testing.T) {
	rt, store := newRuntime(t)
	ctx := context.Background()

	if err := Invoke(ctx, rt, "counter:v", increment); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	err := Invoke(ctx, rt, "counter:v", func(ctx context.Context, st *State[counter]) error {
		// Another process writes the same key between load and save.
		rec, _ := store.LoadState(ctx, "counter:v")
		_, _ = store.SaveState(ctx, rec)
		return increment(ctx, st)
	})
	if !errors.Is(err, ErrPersistence) || !errors.Is(err, storage.ErrVersionConflict) {
		t.Errorf("Invoke() error = %v, want ErrPersistence wrapping ErrVersionConflict", err)
	}
}

func TestInvoke_LoadFailure(t *testing.T) {
	store := newMockStore(t)
	store.LoadStateFunc = func(context.Context, string) (*storage.Record, error) {
		return nil, errors.New("connection refused")
	}
	rt, _ := New(store, nil)

	called := false
	err := Invoke(context.Background(), rt, "counter:l", func(context.Context, *State[counter]) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrPersistence) {
		t.Errorf("Invoke() error = %v, want ErrPersistence", err)
	}
	if called {
		t.Error("operation ran despite load failure")
	}
}

func TestInvoke_PanicRecovered(t *testing.T) {
	rt, _ := newRuntime(t)
	ctx := context.Background()

	err := Invoke(ctx, rt, "counter:panic", func(context.Context, *State[counter]) error {
		panic("boom")
	})
	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("Invoke() error = %v, want *PanicError", err)
	}
	if pe.Value != "boom" {
		t.Errorf("PanicError.Value = %v", pe.Value)
	}

	// The mailbox keeps working.
	if err := Invoke(ctx, rt, "counter:panic", increment); err != nil {
		t.Errorf("Invoke() after panic error = %v", err)
	}
}

func TestInvoke_Clear(t *testing.T) {
	rt, store := newRuntime(t)
	ctx := context.Background()

	_ = Invoke(ctx, rt, "counter:c", increment)
	err := Invoke(ctx, rt, "counter:c", func(_ context.Context, st *State[counter]) error {
		st.Clear()
		return nil
	})
	if err != nil {
		t.Fatalf("Invoke(clear) error = %v", err)
	}
	if _, err := store.LoadState(ctx, "counter:c"); !errors.Is(err, storage.ErrStateNotFound) {
		t.Errorf("LoadState() after clear error = %v", err)
	}
}

func TestInvoke_Retain(t *testing.T) {
	rt, store := newRuntime(t)
	ctx := context.Background()
	until := time.Now().Add(time.Hour).Truncate(time.Second)

	err := Invoke(ctx, rt, "counter:r", func(ctx context.Context, st *State[counter]) error {
		st.Set(&counter{N: 1})
		st.Retain(until)
		return nil
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	rec, err := store.LoadState(ctx, "counter:r")
	if err != nil {
		t.Fatalf("LoadState() error = %v", err)
	}
	if !rec.ExpiresAt.Equal(until) {
		t.Errorf("ExpiresAt = %v, want %v", rec.ExpiresAt, until)
	}
}

func TestInvoke_CanceledBeforeStart(t *testing.T) {
	rt, _ := newRuntime(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Invoke(ctx, rt, "counter:x", increment)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Invoke() error = %v, want context.Canceled", err)
	}
}

func TestInvoke_Encrypted(t *testing.T) {
	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	rt, store := newRuntime(t)
	rt.SetEncryptor(enc)
	ctx := context.Background()

	if err := Invoke(ctx, rt, "counter:e", increment); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	rec, _ := store.LoadState(ctx, "counter:e")
	if string(rec.Data) == `{"n":1}` {
		t.Error("state stored in plaintext")
	}
	if c, ok := read(t, rt, "counter:e"); !ok || c.N != 1 {
		t.Errorf("decrypted counter = %+v", c)
	}

	// A blob copied to another key fails authentication.
	rec.Key = "counter:moved"
	rec.Version = 0
	if _, err := store.SaveState(ctx, rec); err != nil {
		t.Fatalf("SaveState() error = %v", err)
	}
	err = Invoke(ctx, rt, "counter:moved", func(context.Context, *State[counter]) error { return nil })
	if err == nil {
		t.Error("expected error opening state sealed for another key")
	}
}

func TestScheduleAt(t *testing.T) {
	rt, _ := newRuntime(t)

	fired := make(chan struct{})
	ScheduleAt(rt, "counter:t", time.Now().Add(10*time.Millisecond), func(ctx context.Context, st *State[counter]) error {
		defer close(fired)
		return increment(ctx, st)
	})

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	// The write happens after the op returns; a read through the mailbox
	// is ordered behind it.
	if c, ok := read(t, rt, "counter:t"); !ok || c.N != 1 {
		t.Errorf("counter = %+v, want N=1", c)
	}
	if n := rt.PendingTimers(); n != 0 {
		t.Errorf("PendingTimers() = %d, want 0", n)
	}
}

func TestStop_CancelsTimers(t *testing.T) {
	rt, _ := newRuntime(t)

	var fired atomic.Bool
	ScheduleAt(rt, "counter:s", time.Now().Add(50*time.Millisecond), func(context.Context, *State[counter]) error {
		fired.Store(true)
		return nil
	})
	if rt.PendingTimers() != 1 {
		t.Fatalf("PendingTimers() = %d, want 1", rt.PendingTimers())
	}
	rt.Stop()

	ScheduleAt(rt, "counter:s", time.Now(), func(context.Context, *State[counter]) error {
		fired.Store(true)
		return nil
	})
	time.Sleep(100 * time.Millisecond)
	if fired.Load() {
		t.Error("timer fired after Stop")
	}
}

func TestEntityKind(t *testing.T) {
	tests := map[string]string{
		"grant:abc":    "grant",
		"keyset:acme":  "keyset",
		"nocolon":      "entity",
		":leading":     "entity",
		"refresh:a:b:": "refresh",
	}
	for key, want := range tests {
		if got := entityKind(key); got != want {
			t.Errorf("entityKind(%q) = %q, want %q", key, got, want)
		}
	}
}
