// Package session holds the per-client key-value state that CSRF tokens live in.
//
// A Store hands out Session handles keyed by an opaque session id. Handles are
// created lazily: opening an id that has never been seen yields an empty
// session rather than an error. Manager ties a Store to an HTTP cookie so that
// each browser gets a stable id.
package session

import (
	"context"
	"errors"
)

// ErrNoSession is returned when a request context carries no session.
var ErrNoSession = errors.New("session: no session in context")

// Session is the key-value namespace of one client.
//
// Implementations are not required to make sequences of calls atomic; two
// requests of the same client may interleave their reads and writes.
type Session interface {
	// ID returns the identifier this session was opened with.
	ID() string
	// Get returns the value stored under key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error
	// Delete removes keys and reports how many of them existed.
	Delete(ctx context.Context, keys ...string) (int, error)
}

// Store opens sessions by id.
type Store interface {
	// Open returns the session for id. Nothing needs to be stored until the
	// first Set, so an unknown id reads as an empty session.
	Open(ctx context.Context, id string) (Session, error)
	// Destroy drops every key of the session.
	Destroy(ctx context.Context, id string) error
}
