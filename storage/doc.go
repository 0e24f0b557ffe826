// Package storage defines the persistence contracts of the authorization
// server.
//
//   - StateStore: versioned blobs owned by entity actors (grants, refresh
//     tokens, tenant key sets). Writes are compare-and-set on the version the
//     writer last loaded.
//   - ClientStore: OAuth client registrations and their secrets.
//   - DirectoryStore: read-only view of tenants, users and memberships owned
//     by the identity management side of the product.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-process maps, for development and tests
//   - storage/valkey: Valkey/Redis-compatible distributed storage
//   - storage/sqlstore: SQLite or PostgreSQL through bun
//   - storage/mock: fault-injecting StateStore wrapper for tests
package storage
