package integration

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/pitabwire/traveler/internal/dispatch"
	"github.com/pitabwire/traveler/model"
)

// errBackendDown is what MockDispatchBackend returns while failing.
var errBackendDown = errors.New("mock dispatch backend: connection refused")

// MockDispatchBackend is a dispatch store whose Create calls can be made to
// fail on demand. Records that are accepted land in an in-memory store.
type MockDispatchBackend struct {
	*dispatch.MemoryStore

	mu        sync.Mutex
	failNext  int
	failAll   bool
	delay     time.Duration
	attempts  int
	healthErr error
}

func newMockDispatchBackend() *MockDispatchBackend {
	return &MockDispatchBackend{MemoryStore: dispatch.NewMemoryStore()}
}

// FailNext makes the next n Create calls fail.
func (m *MockDispatchBackend) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// FailAll makes every Create call fail until Recover is called.
func (m *MockDispatchBackend) FailAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAll = true
	m.healthErr = errBackendDown
}

// Recover clears all scripted failures.
func (m *MockDispatchBackend) Recover() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = 0
	m.failAll = false
	m.healthErr = nil
}

// WithDelay makes Create block for d or until the context is done.
func (m *MockDispatchBackend) WithDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Attempts returns how many Create calls reached the backend.
func (m *MockDispatchBackend) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Create records the attempt and either fails or stores rec.
func (m *MockDispatchBackend) Create(ctx context.Context, rec model.DispatchRecord) (model.DispatchRecord, error) {
	m.mu.Lock()
	m.attempts++
	fail := m.failAll || m.failNext > 0
	if m.failNext > 0 {
		m.failNext--
	}
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return model.DispatchRecord{}, ctx.Err()
		}
	}
	if fail {
		return model.DispatchRecord{}, errBackendDown
	}
	return m.MemoryStore.Create(ctx, rec)
}

// HealthCheck reports the scripted health.
func (m *MockDispatchBackend) HealthCheck(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.healthErr != nil {
		return m.healthErr
	}
	return m.MemoryStore.HealthCheck(ctx)
}

// RecordingWriter is a Kafka message writer that keeps every message it is
// given instead of talking to a broker.
type RecordingWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
}

// FailWith makes subsequent writes return err.
func (w *RecordingWriter) FailWith(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.err = err
}

// WriteMessages implements dispatch.MessageWriter.
func (w *RecordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

// Close implements dispatch.MessageWriter.
func (w *RecordingWriter) Close() error { return nil }

// Messages returns a copy of the recorded messages.
func (w *RecordingWriter) Messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.messages...)
}
