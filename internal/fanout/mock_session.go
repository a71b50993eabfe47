package fanout

import (
	"context"
	"fmt"
	"sync"
)

// MockSession implements Session for testing. It records every event sent
// to it and can be told to fail.
type MockSession struct {
	id string

	mu     sync.Mutex
	events []Event
	fail   bool
	closed bool
}

// NewMockSession creates a MockSession with the given id.
func NewMockSession(id string) *MockSession {
	return &MockSession{id: id}
}

// ID implements Session.
func (m *MockSession) ID() string { return m.id }

// Send implements Session.
func (m *MockSession) Send(ctx context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock session %s: closed", m.id)
	}
	if m.fail {
		return fmt.Errorf("mock session %s: send failed", m.id)
	}
	m.events = append(m.events, e)
	return nil
}

// Close implements io.Closer.
func (m *MockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// SetFail makes subsequent sends fail.
func (m *MockSession) SetFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fail
}

// Events returns a copy of the recorded events.
func (m *MockSession) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// EventsOfType returns the recorded events with the given type.
func (m *MockSession) EventsOfType(t EventType) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Closed reports whether Close was called.
func (m *MockSession) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
