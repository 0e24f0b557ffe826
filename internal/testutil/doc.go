// Package testutil provides fixtures and helpers shared by the package tests:
// a controllable clock, tenant/client/user records, PKCE pairs, an actor
// runtime over the in-memory store and a small HTTP request builder.
package testutil
