package valkey

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/giantswarm/tenant-oauth/storage"
)

// luaSaveState performs the versioned write.
//
//	KEYS[1] = state key
//	ARGV[1] = expected version (0 = must not exist)
//	ARGV[2] = data
//	ARGV[3] = retention deadline in unix ms (0 = none)
//	ARGV[4] = ttl in ms (0 = persist)
//
// Returns the new version, or -1 on a version mismatch.
const luaSaveState = `
local cur = redis.call('HGET', KEYS[1], 'v')
local expected = tonumber(ARGV[1])
if cur == false then
  if expected ~= 0 then
    return -1
  end
elseif tonumber(cur) ~= expected then
  return -1
end
local nextVersion = expected + 1
redis.call('HSET', KEYS[1], 'v', nextVersion, 'd', ARGV[2], 'e', ARGV[3])
local ttl = tonumber(ARGV[4])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
else
  redis.call('PERSIST', KEYS[1])
end
return nextVersion
`

// luaDeleteState deletes the key if it is at the expected version.
// Returns 1 when deleted, 0 when absent, -1 on mismatch.
const luaDeleteState = `
local cur = redis.call('HGET', KEYS[1], 'v')
if cur == false then
  return 0
end
if tonumber(cur) ~= tonumber(ARGV[1]) then
  return -1
end
redis.call('DEL', KEYS[1])
return 1
`

// LoadState reads the version, data and retention deadline of key.
func (s *Store) LoadState(ctx context.Context, key string) (*storage.Record, error) {
	vals, err := s.client.Do(ctx,
		s.client.B().Hmget().Key(s.stateKey(key)).Field("v", "d", "e").Build(),
	).ToArray()
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	if len(vals) != 3 || vals[0].IsNil() {
		return nil, storage.ErrStateNotFound
	}

	versionStr, err := vals[0].ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to read state version: %w", err)
	}
	version, err := strconv.ParseInt(versionStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid state version %q: %w", versionStr, err)
	}
	data, err := vals[1].ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to read state data: %w", err)
	}

	rec := &storage.Record{Key: key, Data: []byte(data), Version: version}
	if exp, err := vals[2].ToString(); err == nil {
		if ms, _ := strconv.ParseInt(exp, 10, 64); ms > 0 {
			rec.ExpiresAt = time.UnixMilli(ms)
		}
	}
	return rec, nil
}

// SaveState runs the compare-and-set script.
func (s *Store) SaveState(ctx context.Context, rec *storage.Record) (int64, error) {
	if rec == nil || rec.Key == "" {
		return 0, fmt.Errorf("record key cannot be empty")
	}
	if len(rec.Data) > MaxStateSize {
		return 0, ErrStateTooLarge
	}

	var deadline, ttl int64
	if !rec.ExpiresAt.IsZero() {
		deadline = rec.ExpiresAt.UnixMilli()
		ttl = time.Until(rec.ExpiresAt).Milliseconds()
		if ttl <= 0 {
			ttl = 1
		}
	}

	version, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaSaveState).
			Numkeys(1).
			Key(s.stateKey(rec.Key)).
			Arg(
				strconv.FormatInt(rec.Version, 10),
				string(rec.Data),
				strconv.FormatInt(deadline, 10),
				strconv.FormatInt(ttl, 10),
			).
			Build(),
	).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to save state: %w", err)
	}
	if version < 0 {
		return 0, storage.ErrVersionConflict
	}
	return version, nil
}

// DeleteState runs the versioned delete script.
func (s *Store) DeleteState(ctx context.Context, key string, version int64) error {
	res, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaDeleteState).
			Numkeys(1).
			Key(s.stateKey(key)).
			Arg(strconv.FormatInt(version, 10)).
			Build(),
	).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to delete state: %w", err)
	}
	if res < 0 {
		return storage.ErrVersionConflict
	}
	return nil
}
