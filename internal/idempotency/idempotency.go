// Package idempotency makes POST requests safe to retry.
//
// A client sends an Idempotency-Key header. The first request with a given
// key runs normally and its response is stored; a retry with the same key
// and the same body receives the stored response without running the
// handler again. A retry that arrives while the first request is still in
// flight gets 409 request_in_progress.
package idempotency

import (
	"context"
	"errors"
	"time"
)

// Header is the request header carrying the client's key.
const Header = "Idempotency-Key"

// ReplayedHeader is set on responses served from the store.
const ReplayedHeader = "Idempotent-Replayed"

// DefaultTTL is how long completed responses are kept.
const DefaultTTL = 24 * time.Hour

var ErrStoreUnavailable = errors.New("idempotency store unavailable")

// State of a stored request.
type State string

const (
	StatePending State = "pending"
	StateDone    State = "done"
)

// Record is what the store keeps per key.
type Record struct {
	State       State     `json:"state"`
	Fingerprint string    `json:"fingerprint"`
	Status      int       `json:"status,omitempty"`
	ContentType string    `json:"contentType,omitempty"`
	Body        []byte    `json:"body,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store keeps idempotency records.
type Store interface {
	// Reserve stores rec under key if the key is free and returns nil.
	// If the key is taken it returns the record already there.
	Reserve(ctx context.Context, key string, rec *Record, ttl time.Duration) (*Record, error)
	// Complete replaces the pending record with the finished response.
	Complete(ctx context.Context, key string, rec *Record, ttl time.Duration) error
	// Release drops a pending record so the request can be retried.
	Release(ctx context.Context, key string) error
}
