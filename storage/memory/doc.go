// Package memory provides an in-memory implementation of the storage
// interfaces, suitable for development, testing, and single-instance
// deployments.
//
// All operations are safe for concurrent use. A background goroutine
// periodically removes expired authorization codes and token records after a
// retention window; call Stop to shut it down.
//
// State is lost on restart. For multi-instance or durable deployments use
// storage/valkey instead.
package memory
