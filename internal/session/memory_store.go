package session

import (
	"context"
	"sync"
	"time"
)

type memoryRecord struct {
	record    Record
	complete  bool
	expiresAt time.Time
}

// MemoryStore keeps session state in-process behind a mutex. It is intended
// for development and tests; the mutex stands in for the per-command
// atomicity a real coordination store provides.
type MemoryStore struct {
	mu        sync.Mutex
	sessions  map[string]memoryRecord
	published map[string][]string
	clock     func() time.Time
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]memoryRecord),
		published: make(map[string][]string),
		clock:     time.Now,
	}
}

// SetClock overrides the store's time source. Intended for tests.
func (s *MemoryStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	s.clock = clock
	s.mu.Unlock()
}

// Reserve conditionally creates the session entry.
func (s *MemoryStore) Reserve(_ context.Context, id, storageServer string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.sessions[id]; ok && !s.expired(entry) {
		return false, nil
	}
	s.sessions[id] = memoryRecord{record: Record{StorageServer: storageServer}}
	return true, nil
}

// Complete records the flow fields on the reserved entry.
func (s *MemoryStore) Complete(_ context.Context, id string, size int64, flowID, flowToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[id]
	if !ok {
		return nil
	}
	entry.record.Size = size
	entry.record.FlowID = flowID
	entry.record.FlowToken = flowToken
	entry.complete = true
	s.sessions[id] = entry
	return nil
}

// Expire arms the entry's expiry deadline.
func (s *MemoryStore) Expire(_ context.Context, id string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[id]
	if !ok {
		return nil
	}
	entry.expiresAt = s.clock().Add(ttl)
	s.sessions[id] = entry
	return nil
}

// Consume claims and removes the entry under the store mutex, mirroring the
// one-winner guarantee of the redis rename.
func (s *MemoryStore) Consume(_ context.Context, id string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[id]
	if !ok {
		return Record{}, false, nil
	}
	delete(s.sessions, id)
	if !entry.complete || s.expired(entry) {
		return Record{}, false, nil
	}
	return entry.record, true, nil
}

// Publish records the payload for later inspection by tests.
func (s *MemoryStore) Publish(_ context.Context, channel, payload string) error {
	s.mu.Lock()
	s.published[channel] = append(s.published[channel], payload)
	s.mu.Unlock()
	return nil
}

// Published returns a copy of the payloads published on channel.
func (s *MemoryStore) Published(channel string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.published[channel]...)
}

// Ping always reports success for the in-memory store.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close(context.Context) error {
	return nil
}

func (s *MemoryStore) expired(entry memoryRecord) bool {
	return !entry.expiresAt.IsZero() && s.clock().After(entry.expiresAt)
}
