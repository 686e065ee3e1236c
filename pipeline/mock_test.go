package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/slackmgr/types"
)

// mockLogger is a no-op logger for testing.
type mockLogger struct{}

//nolint:ireturn // Must return interface to implement types.Logger
func (m *mockLogger) WithField(_ string, _ any) types.Logger { return m }

//nolint:ireturn // Must return interface to implement types.Logger
func (m *mockLogger) WithFields(_ map[string]any) types.Logger { return m }
func (m *mockLogger) Debug(_ string)                           {}
func (m *mockLogger) Debugf(_ string, _ ...any)                {}
func (m *mockLogger) Info(_ string)                            {}
func (m *mockLogger) Infof(_ string, _ ...any)                 {}
func (m *mockLogger) Error(_ string)                           {}
func (m *mockLogger) Errorf(_ string, _ ...any)                {}

//nolint:ireturn // Returns interface for convenience in tests
func newMockLogger() types.Logger {
	return &mockLogger{}
}

// mockQueue hands out its pending messages in receive order and records
// every batch call.
type mockQueue struct {
	mu             sync.Mutex
	pending        []*Message
	receiveFunc    func(ctx context.Context, maxMessages int, waitTime time.Duration) ([]*Message, error)
	receiveCalls   int
	deleteBatches  [][]DeleteEntry
	visibilityBats [][]VisibilityEntry
}

func (q *mockQueue) Receive(ctx context.Context, maxMessages int, waitTime time.Duration) ([]*Message, error) {
	q.mu.Lock()
	q.receiveCalls++
	fn := q.receiveFunc
	q.mu.Unlock()

	if fn != nil {
		return fn(ctx, maxMessages, waitTime)
	}

	q.mu.Lock()
	n := min(maxMessages, len(q.pending))
	out := q.pending[:n]
	q.pending = q.pending[n:]
	q.mu.Unlock()

	if n == 0 {
		_ = sleep(ctx, 5*time.Millisecond)
	}

	return out, nil
}

func (q *mockQueue) DeleteBatch(_ context.Context, entries []DeleteEntry) (BatchResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.deleteBatches = append(q.deleteBatches, entries)

	return successResult(entries, func(e DeleteEntry) string { return e.ID }), nil
}

func (q *mockQueue) ChangeVisibilityBatch(_ context.Context, entries []VisibilityEntry) (BatchResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.visibilityBats = append(q.visibilityBats, entries)

	return successResult(entries, func(e VisibilityEntry) string { return e.ID }), nil
}

func (q *mockQueue) deletes() [][]DeleteEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([][]DeleteEntry(nil), q.deleteBatches...)
}

func (q *mockQueue) visibilities() [][]VisibilityEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([][]VisibilityEntry(nil), q.visibilityBats...)
}

type mockSink struct {
	mu      sync.Mutex
	batches [][]RetryEntry
}

func (s *mockSink) SendBatch(_ context.Context, entries []RetryEntry) (BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.batches = append(s.batches, entries)

	return successResult(entries, func(e RetryEntry) string { return e.ID }), nil
}

func (s *mockSink) sent() [][]RetryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([][]RetryEntry(nil), s.batches...)
}

type mockIndexer struct {
	indexFunc   func(ctx context.Context, msg *Message) error
	reindexFunc func(ctx context.Context, msg *Message) error
	mu          sync.Mutex
	indexed     []string
	reindexed   []string
}

func (m *mockIndexer) Index(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	m.indexed = append(m.indexed, msg.ID)
	m.mu.Unlock()

	if m.indexFunc != nil {
		return m.indexFunc(ctx, msg)
	}

	return nil
}

func (m *mockIndexer) Reindex(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	m.reindexed = append(m.reindexed, msg.ID)
	m.mu.Unlock()

	if m.reindexFunc != nil {
		return m.reindexFunc(ctx, msg)
	}

	return nil
}

func (m *mockIndexer) calls() (indexed, reindexed []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.indexed...), append([]string(nil), m.reindexed...)
}

// recordingSubmitter stands in for an accumulator in dispatcher tests.
type recordingSubmitter struct {
	mu   sync.Mutex
	msgs []*Message
}

func (r *recordingSubmitter) Submit(_ context.Context, msg *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.msgs = append(r.msgs, msg)

	return nil
}

func (r *recordingSubmitter) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		ids = append(ids, m.ID)
	}

	return ids
}

type authError struct{}

func (authError) Error() string       { return "unauthorized" }
func (authError) IsAuthFailure() bool { return true }

func successResult[T any](entries []T, id func(T) string) BatchResult {
	result := BatchResult{}
	for _, e := range entries {
		result.Successful = append(result.Successful, id(e))
	}

	return result
}

func newTestMessage(id string) *Message {
	return &Message{
		ID:      id,
		Receipt: "receipt-" + id,
		Body:    `{"recordId":"` + id + `"}`,
		Attributes: map[string]string{
			AttrAuthorization:   "Bearer token",
			AttrDataPartitionID: "opendes",
			AttrCorrelationID:   "corr-" + id,
		},
		ReceivedAt: time.Now(),
	}
}

func testOptions(opts ...Option) *Options {
	o := newOptions()
	o.pollInterval = 5 * time.Millisecond
	o.backpressureInterval = 5 * time.Millisecond
	o.receiveErrorDelay = 5 * time.Millisecond
	o.healthCheckInterval = 5 * time.Millisecond
	o.receiveWaitTime = 0

	for _, opt := range opts {
		opt(o)
	}

	return o
}
