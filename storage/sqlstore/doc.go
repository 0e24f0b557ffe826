// Package sqlstore implements storage.StateStore and storage.ClientStore on
// top of bun, for SQLite and PostgreSQL.
//
// Versioned writes are single statements: creation is an INSERT that does
// nothing on a key conflict, and updates carry "WHERE version = ?". In both
// cases zero affected rows means another writer got there first.
package sqlstore
