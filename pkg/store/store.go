// Package store provides a thin typed façade over an external coordination
// store (counters, sets, lists with blocking pop, hashes, TTLs, and
// compare-and-set). Every component above it — the key rotator, the task
// manager, the cluster scaler — depends only on the Store interface, never
// on a concrete backend, so tests can swap in the in-memory fake.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNil is returned by read operations (Get, RPop, BRPop) when the key
// does not exist. Callers distinguish "empty" from "store unreachable" by
// checking errors.Is(err, ErrNil).
var ErrNil = errors.New("store: key does not exist")

// Error wraps a failure talking to the backing store. Downstream
// components treat counter operations as best-effort (fail open) but the
// queue and claim-set operations as authoritative — see the per-call docs
// below for which is which.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "store: " + e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// KV is a single field/value pair returned by BRPop.
type KV struct {
	Key   string
	Value string
}

// Store is the coordination store façade. All methods accept a context so
// callers can bound suspension points (every store call is a suspension
// point in the single-threaded-per-process scheduling model).
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	// Incr increments key by 1, creating it at 0 first if absent, and
	// refreshes its TTL when ttl > 0.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	IncrBy(ctx context.Context, key string, n int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	MGet(ctx context.Context, keys ...string) ([]string, error)

	LPush(ctx context.Context, key, value string) error
	RPop(ctx context.Context, key string) (string, error)
	LLen(ctx context.Context, key string) (int64, error)
	// BRPop blocks up to timeout waiting for an element to become
	// available. It returns ErrNil on timeout with nothing popped.
	BRPop(ctx context.Context, timeout time.Duration, key string) (KV, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SCard(ctx context.Context, key string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)

	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// SetNX sets key to value with the given ttl only if key does not
	// already exist, returning whether it acquired the set. Used for the
	// cluster scaling lock and other compare-and-set conventions.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Ping verifies connectivity to the backing store.
	Ping(ctx context.Context) error
}
