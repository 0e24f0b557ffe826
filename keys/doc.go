// Package keys manages per-tenant RSA signing key sets.
//
// Each tenant's keys live in one entity ("keyset:<tenant>"), so generation,
// rotation and revocation are serialized per tenant. Rotation deactivates
// every active key and adds one new key; deactivated keys stay published
// until they expire or are revoked so tokens signed before the rotation
// remain verifiable. Revocation removes a key from signing and publication
// immediately.
//
// Private keys are stored as PKCS#1 DER inside the entity state, which the
// actor runtime can encrypt at rest.
package keys
