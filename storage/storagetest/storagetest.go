// Package storagetest holds behaviour tests shared by every StateStore
// implementation.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/tenant-oauth/storage"
)

// RunStateStoreTests exercises the StateStore contract against the stores
// returned by newStore. Each subtest gets its own store.
func RunStateStoreTests(t *testing.T, newStore func(t *testing.T) storage.StateStore) {
	t.Helper()

	t.Run("load missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.LoadState(context.Background(), "grant:missing")
		if !errors.Is(err, storage.ErrStateNotFound) {
			t.Fatalf("LoadState() error = %v, want ErrStateNotFound", err)
		}
	})

	t.Run("create then update", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		v1, err := s.SaveState(ctx, &storage.Record{Key: "grant:a", Data: []byte("one")})
		if err != nil {
			t.Fatalf("SaveState() create error = %v", err)
		}
		if v1 != 1 {
			t.Errorf("first version = %d, want 1", v1)
		}

		rec, err := s.LoadState(ctx, "grant:a")
		if err != nil {
			t.Fatalf("LoadState() error = %v", err)
		}
		if string(rec.Data) != "one" || rec.Version != 1 {
			t.Errorf("LoadState() = %q@%d, want one@1", rec.Data, rec.Version)
		}

		rec.Data = []byte("two")
		v2, err := s.SaveState(ctx, rec)
		if err != nil {
			t.Fatalf("SaveState() update error = %v", err)
		}
		if v2 != 2 {
			t.Errorf("second version = %d, want 2", v2)
		}

		rec, _ = s.LoadState(ctx, "grant:a")
		if string(rec.Data) != "two" {
			t.Errorf("LoadState() data = %q, want two", rec.Data)
		}
	})

	t.Run("create conflicts with existing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if _, err := s.SaveState(ctx, &storage.Record{Key: "grant:b", Data: []byte("x")}); err != nil {
			t.Fatalf("SaveState() error = %v", err)
		}
		_, err := s.SaveState(ctx, &storage.Record{Key: "grant:b", Data: []byte("y")})
		if !errors.Is(err, storage.ErrVersionConflict) {
			t.Fatalf("second create error = %v, want ErrVersionConflict", err)
		}
	})

	t.Run("stale update conflicts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if _, err := s.SaveState(ctx, &storage.Record{Key: "refresh:c", Data: []byte("x")}); err != nil {
			t.Fatalf("SaveState() error = %v", err)
		}
		a, _ := s.LoadState(ctx, "refresh:c")
		b, _ := s.LoadState(ctx, "refresh:c")

		a.Data = []byte("a")
		if _, err := s.SaveState(ctx, a); err != nil {
			t.Fatalf("SaveState(a) error = %v", err)
		}
		b.Data = []byte("b")
		if _, err := s.SaveState(ctx, b); !errors.Is(err, storage.ErrVersionConflict) {
			t.Fatalf("SaveState(b) error = %v, want ErrVersionConflict", err)
		}
	})

	t.Run("update of missing conflicts", func(t *testing.T) {
		s := newStore(t)
		_, err := s.SaveState(context.Background(), &storage.Record{Key: "grant:d", Data: []byte("x"), Version: 3})
		if !errors.Is(err, storage.ErrVersionConflict) {
			t.Fatalf("SaveState() error = %v, want ErrVersionConflict", err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		v, _ := s.SaveState(ctx, &storage.Record{Key: "grant:e", Data: []byte("x")})

		if err := s.DeleteState(ctx, "grant:e", v+1); !errors.Is(err, storage.ErrVersionConflict) {
			t.Errorf("DeleteState(stale) error = %v, want ErrVersionConflict", err)
		}
		if err := s.DeleteState(ctx, "grant:e", v); err != nil {
			t.Fatalf("DeleteState() error = %v", err)
		}
		if _, err := s.LoadState(ctx, "grant:e"); !errors.Is(err, storage.ErrStateNotFound) {
			t.Errorf("LoadState() after delete error = %v", err)
		}
		if err := s.DeleteState(ctx, "grant:e", v); err != nil {
			t.Errorf("DeleteState() of missing error = %v, want nil", err)
		}
	})

	t.Run("expiry hint is kept", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		exp := time.Now().Add(time.Hour).Truncate(time.Millisecond)
		if _, err := s.SaveState(ctx, &storage.Record{Key: "keyset:t", Data: []byte("x"), ExpiresAt: exp}); err != nil {
			t.Fatalf("SaveState() error = %v", err)
		}
		if _, err := s.LoadState(ctx, "keyset:t"); err != nil {
			t.Fatalf("LoadState() error = %v", err)
		}
	})

	t.Run("concurrent creates admit one writer", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const writers = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.SaveState(ctx, &storage.Record{Key: "grant:race", Data: []byte(fmt.Sprint(i))})
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("%d concurrent creates succeeded, want 1", wins)
		}
	})
}
