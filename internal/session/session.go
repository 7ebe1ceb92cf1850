// Package session owns the transfer session lifecycle: collision-safe
// identifier binding, promotion to an active session once a backend flow is
// provisioned, and atomic one-time consumption.
package session

import (
	"context"
	"errors"
	"time"
)

// Session binds a client-visible identifier to a backend flow. A session is
// immutable after creation and is consumed at most once.
type Session struct {
	ID            string
	Size          int64
	StorageServer string
	FlowID        string
	FlowToken     string
}

// Record is the raw field set a coordination store holds for one session.
type Record struct {
	StorageServer string
	Size          int64
	FlowID        string
	FlowToken     string
}

// Flow is the transfer context the storage backend assigns when a flow is
// provisioned: a handle plus the capability token authorizing the transfer.
type Flow struct {
	ID    string
	Token string
}

// Typed allocation and consumption outcomes. Collisions and missing sessions
// are ordinary branches for callers, not exceptional conditions, so they are
// sentinel errors matched with errors.Is.
var (
	ErrInvalidParam = errors.New("invalid session parameters")
	ErrDuplicate    = errors.New("identifier already bound")
	ErrNotFound     = errors.New("session not found")
	ErrBackend      = errors.New("backend failure")
)

// Store is the coordination contract the manager builds the lifecycle on.
// Every method must be individually atomic with respect to concurrent callers
// across processes; the manager never wraps store calls in additional
// locking, so the store is the sole arbiter of mutual exclusion.
type Store interface {
	// Reserve conditionally creates the session record with the storage
	// server address as its sole field. It returns false when the
	// identifier is already bound.
	Reserve(ctx context.Context, id, storageServer string) (bool, error)

	// Complete writes the remaining session fields after the backend flow
	// has been provisioned.
	Complete(ctx context.Context, id string, size int64, flowID, flowToken string) error

	// Expire arms the record's time-to-live. An expired record is absent
	// to subsequent Consume calls.
	Expire(ctx context.Context, id string, ttl time.Duration) error

	// Consume atomically claims and removes the session record, returning
	// its fields. It returns ok=false when the record is absent, expired,
	// or incomplete. At most one concurrent caller may observe ok=true
	// for a given identifier.
	Consume(ctx context.Context, id string) (Record, bool, error)

	// Publish sends a fire-and-forget notification on the named channel.
	Publish(ctx context.Context, channel, payload string) error

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources, bounded by the context.
	Close(ctx context.Context) error
}

// Provisioner creates transfer flows on the storage backend.
type Provisioner interface {
	// NewFlow asks the backend to provision a flow for a transfer of the
	// declared size, preserving the uploaded content under a
	// server-chosen name.
	NewFlow(ctx context.Context, size int64) (Flow, error)

	// Address is the backend base address recorded on sessions and used
	// to build redirect targets.
	Address() string
}

// ConsumedChannel derives the per-session notification channel name. The flow
// token is part of the name so only the party that created the session (and
// holds the token) can subscribe for its download notification.
func ConsumedChannel(id, flowToken string) string {
	return "download:" + id + ":" + flowToken
}
