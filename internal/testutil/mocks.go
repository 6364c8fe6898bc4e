// Package testutil provides shared mock implementations of domain interfaces
// for use in tests across the codebase. This follows the Go convention of a
// shared test utility package (like net/http/httptest).
package testutil

import (
	"context"
	"sync"
	"time"

	"lineage-stats/internal/domain"
)

// === Transport Mock ===

// MockTransport implements domain.Transport for testing. It is safe for
// concurrent use; every envelope that Send accepts is collected.
type MockTransport struct {
	NameVal string
	SendFn  func(ctx context.Context, env domain.Envelope) error

	mu    sync.Mutex
	sent  []domain.Envelope
	calls int
}

// Name implements the interface method for testing.
func (m *MockTransport) Name() string {
	if m.NameVal == "" {
		return "mock"
	}
	return m.NameVal
}

// Send implements the interface method for testing.
func (m *MockTransport) Send(ctx context.Context, env domain.Envelope) error {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.SendFn != nil {
		if err := m.SendFn(ctx, env); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.sent = append(m.sent, env)
	m.mu.Unlock()
	return nil
}

// Sent returns a copy of the accepted envelopes.
func (m *MockTransport) Sent() []domain.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Envelope(nil), m.sent...)
}

// Calls returns how many times Send was invoked, including failures.
func (m *MockTransport) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// === Event Archive Mock ===

// MockEventArchive implements domain.EventArchive for testing.
type MockEventArchive struct {
	InsertFn         func(ctx context.Context, ev *domain.ArchivedEvent) (bool, error)
	GetFn            func(ctx context.Context, eventID string) (*domain.ArchivedEvent, error)
	ListFn           func(ctx context.Context, filter domain.EventFilter, page domain.PageRequest) ([]domain.ArchivedEvent, int64, error)
	PurgeOlderThanFn func(ctx context.Context, before time.Time) (int64, error)

	mu     sync.Mutex
	Events []*domain.ArchivedEvent // collected inserts for assertions
}

// Insert implements the interface method for testing.
func (m *MockEventArchive) Insert(ctx context.Context, ev *domain.ArchivedEvent) (bool, error) {
	inserted := true
	if m.InsertFn != nil {
		var err error
		inserted, err = m.InsertFn(ctx, ev)
		if err != nil {
			return false, err
		}
	}
	m.mu.Lock()
	m.Events = append(m.Events, ev)
	m.mu.Unlock()
	return inserted, nil
}

// Get implements the interface method for testing.
func (m *MockEventArchive) Get(ctx context.Context, eventID string) (*domain.ArchivedEvent, error) {
	if m.GetFn != nil {
		return m.GetFn(ctx, eventID)
	}
	panic("unexpected call to MockEventArchive.Get")
}

// List implements the interface method for testing.
func (m *MockEventArchive) List(ctx context.Context, filter domain.EventFilter, page domain.PageRequest) ([]domain.ArchivedEvent, int64, error) {
	if m.ListFn != nil {
		return m.ListFn(ctx, filter, page)
	}
	panic("unexpected call to MockEventArchive.List")
}

// PurgeOlderThan implements the interface method for testing.
func (m *MockEventArchive) PurgeOlderThan(ctx context.Context, before time.Time) (int64, error) {
	if m.PurgeOlderThanFn != nil {
		return m.PurgeOlderThanFn(ctx, before)
	}
	panic("unexpected call to MockEventArchive.PurgeOlderThan")
}

// Inserted returns a copy of the collected inserts.
func (m *MockEventArchive) Inserted() []*domain.ArchivedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.ArchivedEvent(nil), m.Events...)
}

// Compile-time interface checks.
var (
	_ domain.Transport    = (*MockTransport)(nil)
	_ domain.EventArchive = (*MockEventArchive)(nil)
)
