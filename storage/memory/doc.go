// Package memory provides an in-process implementation of the storage
// interfaces. State records are swept once past their retention time.
//
// It is suitable for development, tests and single-instance deployments; all
// data is lost on restart, including issued refresh tokens and signing keys.
package memory
