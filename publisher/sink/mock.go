package sink

import (
	"sync"

	"github.com/civicworks/changefeed/publisher"
)

// MockSink is a mock implementation of Sink for testing
type MockSink struct {
	Messages   []publisher.Message
	PublishErr error
	mu         sync.Mutex
}

// Publish records a message for later inspection in tests
func (m *MockSink) Publish(msg publisher.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil {
		return m.PublishErr
	}

	m.Messages = append(m.Messages, msg)
	return nil
}

// Close is a no-op for MockSink
func (m *MockSink) Close() error {
	return nil
}

// Snapshot returns a copy of the recorded messages
func (m *MockSink) Snapshot() []publisher.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]publisher.Message, len(m.Messages))
	copy(out, m.Messages)
	return out
}

// Reset clears all recorded messages
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = nil
}
