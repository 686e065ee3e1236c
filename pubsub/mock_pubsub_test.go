package pubsub

import (
	"context"
	"sync"
	"sync/atomic"

	"cloud.google.com/go/pubsub/v2"
	"github.com/slackmgr/types"
)

type mockPubSubClient struct {
	pub             *mockPublisher
	sub             *mockSubscriber
	publisherCalls  []string
	subscriberCalls []string
	mu              sync.Mutex
}

func newMockPubSubClient() *mockPubSubClient {
	return &mockPubSubClient{
		pub: &mockPublisher{},
		sub: &mockSubscriber{},
	}
}

//nolint:ireturn
func (m *mockPubSubClient) Publisher(topic string) gcpPublisher {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.publisherCalls = append(m.publisherCalls, topic)

	return m.pub
}

//nolint:ireturn
func (m *mockPubSubClient) Subscriber(subscription string) gcpSubscriber {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.subscriberCalls = append(m.subscriberCalls, subscription)

	return m.sub
}

type mockPublisher struct {
	publishFunc func(ctx context.Context, msg *pubsub.Message) publishResult
	ordering    bool
	settings    pubsub.PublishSettings
	published   []*pubsub.Message
	stopCalled  atomic.Bool
	mu          sync.Mutex
}

func (m *mockPublisher) Configure(ordering bool, settings pubsub.PublishSettings) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ordering = ordering
	m.settings = settings
}

//nolint:ireturn
func (m *mockPublisher) Publish(ctx context.Context, msg *pubsub.Message) publishResult {
	m.mu.Lock()
	m.published = append(m.published, msg)
	m.mu.Unlock()

	if m.publishFunc != nil {
		return m.publishFunc(ctx, msg)
	}

	return &mockPublishResult{serverID: "server-id"}
}

func (m *mockPublisher) Stop() {
	m.stopCalled.Store(true)
}

func (m *mockPublisher) messages() []*pubsub.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]*pubsub.Message(nil), m.published...)
}

type mockSubscriber struct {
	receiveFunc   func(ctx context.Context, f func(context.Context, *pubsub.Message)) error
	settings      pubsub.ReceiveSettings
	receiveCalled atomic.Bool
	mu            sync.Mutex
}

func (m *mockSubscriber) Configure(settings pubsub.ReceiveSettings) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.settings = settings
}

func (m *mockSubscriber) Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error {
	m.receiveCalled.Store(true)

	if m.receiveFunc != nil {
		return m.receiveFunc(ctx, f)
	}

	<-ctx.Done()

	return ctx.Err()
}

type mockPublishResult struct {
	serverID string
	err      error
}

func (m *mockPublishResult) Get(_ context.Context) (string, error) {
	return m.serverID, m.err
}

// fakeAck records how a delivered message was settled.
type fakeAck struct {
	acks  atomic.Int32
	nacks atomic.Int32
}

func (f *fakeAck) Ack() {
	f.acks.Add(1)
}

func (f *fakeAck) Nack() {
	f.nacks.Add(1)
}

type mockLogger struct{}

func (m *mockLogger) Debug(_ string)            {}
func (m *mockLogger) Debugf(_ string, _ ...any) {}
func (m *mockLogger) Info(_ string)             {}
func (m *mockLogger) Infof(_ string, _ ...any)  {}
func (m *mockLogger) Error(_ string)            {}
func (m *mockLogger) Errorf(_ string, _ ...any) {}

//nolint:ireturn
func (m *mockLogger) WithField(_ string, _ any) types.Logger {
	return m
}

//nolint:ireturn
func (m *mockLogger) WithFields(_ map[string]any) types.Logger {
	return m
}
