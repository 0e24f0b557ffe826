// Package mock provides a StateStore that delegates to another store while
// letting tests override or fail individual calls.
package mock

import (
	"context"
	"sync"

	"github.com/giantswarm/tenant-oauth/storage"
)

// StateStore wraps a real storage.StateStore. A non-nil hook replaces the
// corresponding call; CallCounts records how often each method ran.
type StateStore struct {
	Inner storage.StateStore

	LoadStateFunc   func(ctx context.Context, key string) (*storage.Record, error)
	SaveStateFunc   func(ctx context.Context, rec *storage.Record) (int64, error)
	DeleteStateFunc func(ctx context.Context, key string, version int64) error

	mu         sync.Mutex
	CallCounts map[string]int
}

var _ storage.StateStore = (*StateStore)(nil)

// NewStateStore wraps inner.
func NewStateStore(inner storage.StateStore) *StateStore {
	return &StateStore{Inner: inner, CallCounts: make(map[string]int)}
}

func (m *StateStore) count(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts[method]++
}

// Calls returns how often method was invoked.
func (m *StateStore) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCounts[method]
}

// LoadState implements storage.StateStore.
func (m *StateStore) LoadState(ctx context.Context, key string) (*storage.Record, error) {
	m.count("LoadState")
	if m.LoadStateFunc != nil {
		return m.LoadStateFunc(ctx, key)
	}
	return m.Inner.LoadState(ctx, key)
}

// SaveState implements storage.StateStore.
func (m *StateStore) SaveState(ctx context.Context, rec *storage.Record) (int64, error) {
	m.count("SaveState")
	if m.SaveStateFunc != nil {
		return m.SaveStateFunc(ctx, rec)
	}
	return m.Inner.SaveState(ctx, rec)
}

// DeleteState implements storage.StateStore.
func (m *StateStore) DeleteState(ctx context.Context, key string, version int64) error {
	m.count("DeleteState")
	if m.DeleteStateFunc != nil {
		return m.DeleteStateFunc(ctx, key, version)
	}
	return m.Inner.DeleteState(ctx, key, version)
}
