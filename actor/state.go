package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/tenant-oauth/instrumentation"
	"github.com/giantswarm/tenant-oauth/storage"
)

// State is the view of one entity handed to an operation.
type State[T any] struct {
	key       string
	value     *T
	exists    bool
	version   int64
	expiresAt time.Time

	dirty   bool
	cleared bool
}

// Key returns the entity key.
func (s *State[T]) Key() string { return s.key }

// Get returns the current value and whether the entity exists.
func (s *State[T]) Get() (*T, bool) {
	return s.value, s.exists
}

// Set replaces the entity value. The write happens when the operation
// returns nil.
func (s *State[T]) Set(v *T) {
	s.value = v
	s.exists = v != nil
	s.dirty = true
	s.cleared = v == nil
}

// Retain sets the physical retention deadline of the entity. The store may
// discard it any time after t; a zero t keeps it indefinitely.
func (s *State[T]) Retain(t time.Time) {
	s.expiresAt = t
	if s.exists {
		s.dirty = true
	}
}

// Clear deletes the entity when the operation returns nil.
func (s *State[T]) Clear() {
	s.Set(nil)
}

// Invoke runs op against the entity at key, serialized with every other
// operation on that key, and persists any change before returning.
func Invoke[T any](ctx context.Context, rt *Runtime, key string, op func(ctx context.Context, st *State[T]) error) error {
	return rt.submit(ctx, key, func(ctx context.Context) error {
		ctx, span := rt.startSpan(ctx, key)
		defer span.End()
		start := time.Now()

		err := execute(ctx, rt, key, op)

		if err != nil {
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		rt.record(ctx, key, err, start)
		return err
	})
}

func execute[T any](ctx context.Context, rt *Runtime, key string, op func(ctx context.Context, st *State[T]) error) error {
	st, err := load[T](ctx, rt, key)
	if err != nil {
		return err
	}

	if err := op(ctx, st); err != nil {
		return err
	}
	if !st.dirty {
		return nil
	}

	if st.cleared {
		if st.version == 0 {
			return nil
		}
		if err := rt.store.DeleteState(ctx, key, st.version); err != nil {
			return fmt.Errorf("%w: delete %s: %w", ErrPersistence, entityKind(key), err)
		}
		return nil
	}

	data, err := json.Marshal(st.value)
	if err != nil {
		return fmt.Errorf("encode %s state: %w", entityKind(key), err)
	}
	sealed, err := rt.encryptor.Seal(data, []byte(key))
	if err != nil {
		return fmt.Errorf("%w: seal %s: %w", ErrPersistence, entityKind(key), err)
	}

	_, err = rt.store.SaveState(ctx, &storage.Record{
		Key:       key,
		Data:      sealed,
		Version:   st.version,
		ExpiresAt: st.expiresAt,
	})
	if err != nil {
		return fmt.Errorf("%w: save %s: %w", ErrPersistence, entityKind(key), err)
	}
	return nil
}

func load[T any](ctx context.Context, rt *Runtime, key string) (*State[T], error) {
	st := &State[T]{key: key}

	rec, err := rt.store.LoadState(ctx, key)
	if errors.Is(err, storage.ErrStateNotFound) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %w", ErrPersistence, entityKind(key), err)
	}

	data, err := rt.encryptor.Open(rec.Data, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("open %s state: %w", entityKind(key), err)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode %s state: %w", entityKind(key), err)
	}

	st.value = &v
	st.exists = true
	st.version = rec.Version
	st.expiresAt = rec.ExpiresAt
	return st, nil
}
