package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dropgate/internal/ident"
)

// DefaultTTL bounds how long an unconsumed session stays claimable.
const DefaultTTL = 300 * time.Second

// defaultRetryLengths are the identifier lengths tried in order when
// allocating a server-chosen identifier. Widening the length on collision
// shrinks the collision probability as a given length's space fills up.
var defaultRetryLengths = []int{6, 7, 8}

// Option configures a Manager instance.
type Option func(*Manager)

// WithTTL overrides the session expiry window.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithRetryLengths overrides the identifier lengths attempted by AllocateNew.
func WithRetryLengths(lengths []int) Option {
	return func(m *Manager) {
		if len(lengths) > 0 {
			m.lengths = append([]int(nil), lengths...)
		}
	}
}

// WithGenerator injects a custom identifier generator.
func WithGenerator(generate func(length int) (string, error)) Option {
	return func(m *Manager) {
		if generate != nil {
			m.generate = generate
		}
	}
}

// WithLogger attaches a logger for non-fatal lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Manager coordinates session allocation and consumption against a
// coordination store and a backend flow provisioner. It is the only component
// permitted to mutate session records.
type Manager struct {
	store    Store
	backend  Provisioner
	ttl      time.Duration
	lengths  []int
	generate func(int) (string, error)
	logger   *slog.Logger
}

// NewManager constructs a Manager with the provided store and provisioner.
func NewManager(store Store, backend Provisioner, opts ...Option) *Manager {
	manager := &Manager{
		store:    store,
		backend:  backend,
		ttl:      DefaultTTL,
		lengths:  defaultRetryLengths,
		generate: ident.Generate,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	return manager
}

// Allocate binds id to a freshly provisioned backend flow. The conditional
// reserve runs before the backend call so a losing racer never provisions a
// flow it cannot bind. Store and network failures never escape as raw errors;
// they surface as ErrBackend.
func (m *Manager) Allocate(ctx context.Context, id string, size int64) (Session, error) {
	if !ident.Valid(id) || size <= 0 {
		return Session{}, ErrInvalidParam
	}

	storageServer := m.backend.Address()
	created, err := m.store.Reserve(ctx, id, storageServer)
	if err != nil {
		m.logger.Error("session reserve failed", "id", id, "error", err)
		return Session{}, fmt.Errorf("reserve session: %w", ErrBackend)
	}
	if !created {
		return Session{}, ErrDuplicate
	}

	flow, err := m.backend.NewFlow(ctx, size)
	if err != nil {
		// The reservation stays behind without flow fields. Consume
		// treats such incomplete records as absent, and the TTL set at
		// reserve time (or the purge worker) clears them.
		m.logger.Error("flow provisioning failed", "id", id, "size", size, "error", err)
		return Session{}, fmt.Errorf("provision flow: %w", ErrBackend)
	}

	if err := m.store.Complete(ctx, id, size, flow.ID, flow.Token); err != nil {
		m.logger.Error("session completion failed", "id", id, "flow_id", flow.ID, "error", err)
		return Session{}, fmt.Errorf("complete session: %w", ErrBackend)
	}
	if err := m.store.Expire(ctx, id, m.ttl); err != nil {
		m.logger.Error("session expiry arming failed", "id", id, "error", err)
		return Session{}, fmt.Errorf("expire session: %w", ErrBackend)
	}

	return Session{
		ID:            id,
		Size:          size,
		StorageServer: storageServer,
		FlowID:        flow.ID,
		FlowToken:     flow.Token,
	}, nil
}

// AllocateNew allocates a session under a server-chosen identifier, widening
// the identifier length across the configured attempts. Only collisions are
// retried; a backend failure surfaces immediately. Exhausting every length
// with collisions reports the final ErrDuplicate, which callers treat as an
// internal condition: the identifier space is saturating.
func (m *Manager) AllocateNew(ctx context.Context, size int64) (Session, error) {
	if size <= 0 {
		return Session{}, ErrInvalidParam
	}
	err := error(ErrDuplicate)
	for _, length := range m.lengths {
		id, genErr := m.generate(length)
		if genErr != nil {
			m.logger.Error("identifier generation failed", "length", length, "error", genErr)
			return Session{}, fmt.Errorf("generate identifier: %w", ErrBackend)
		}
		var sess Session
		sess, err = m.Allocate(ctx, id, size)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, ErrDuplicate) {
			return Session{}, err
		}
		m.logger.Warn("identifier collision", "id", id, "length", length)
	}
	return Session{}, err
}

// Consume atomically claims the session bound to id and removes it. It is
// fail-closed: any store error, missing field, or expired record reports
// ErrNotFound, so no caller can ever observe a half-consumed session.
func (m *Manager) Consume(ctx context.Context, id string) (Session, error) {
	if !ident.Valid(id) {
		return Session{}, ErrNotFound
	}
	record, ok, err := m.store.Consume(ctx, id)
	if err != nil {
		m.logger.Error("session consume failed", "id", id, "error", err)
		return Session{}, ErrNotFound
	}
	if !ok {
		return Session{}, ErrNotFound
	}
	return Session{
		ID:            id,
		Size:          record.Size,
		StorageServer: record.StorageServer,
		FlowID:        record.FlowID,
		FlowToken:     record.FlowToken,
	}, nil
}

// NotifyConsumed publishes a best-effort notification that the session was
// fetched, carrying the requested filename as the payload. Publish failures
// are logged and swallowed; they never surface to the downloader.
func (m *Manager) NotifyConsumed(ctx context.Context, sess Session, filename string) {
	channel := ConsumedChannel(sess.ID, sess.FlowToken)
	if err := m.store.Publish(ctx, channel, filename); err != nil {
		m.logger.Warn("download notification publish failed", "id", sess.ID, "error", err)
	}
}

// Ping reports coordination store reachability for health checks.
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}
