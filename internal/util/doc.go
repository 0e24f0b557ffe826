// Package util provides small helpers shared by the grant, refresh and server
// packages: scope-set arithmetic, credential hashing and log-safe truncation.
package util
