// Package valkey provides a Valkey (or Redis-compatible) implementation of
// storage.StateStore and storage.ClientStore for multi-instance deployments.
//
// Entity state is a hash per key with the fields v (version), d (data) and
// e (retention deadline, unix milliseconds). Compare-and-set runs as a Lua
// script so the version check and the write are a single server-side step.
// Keys receive a PEXPIRE matching the record's retention deadline.
//
// A client is a hash with the JSON registration in field r and the JSON
// secret list in field s. Every command touches one key, which keeps the
// store usable against a cluster.
//
//	store, err := valkey.New(valkey.Config{
//		Address:   "localhost:6379",
//		KeyPrefix: "oauth:",
//	})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
package valkey
