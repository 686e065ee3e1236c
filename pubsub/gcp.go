package pubsub

import (
	"context"

	"cloud.google.com/go/pubsub/v2"
)

// gcpClient is the subset of *pubsub.Client used by [Client]. It is an
// interface so tests can inject fakes.
type gcpClient interface {
	Publisher(topic string) gcpPublisher
	Subscriber(subscription string) gcpSubscriber
}

type gcpPublisher interface {
	Configure(ordering bool, settings pubsub.PublishSettings)
	Publish(ctx context.Context, msg *pubsub.Message) publishResult
	Stop()
}

type gcpSubscriber interface {
	Configure(settings pubsub.ReceiveSettings)
	Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error
}

type publishResult interface {
	Get(ctx context.Context) (serverID string, err error)
}

type sdkClient struct {
	client *pubsub.Client
}

//nolint:ireturn
func (s *sdkClient) Publisher(topic string) gcpPublisher {
	return &sdkPublisher{publisher: s.client.Publisher(topic)}
}

//nolint:ireturn
func (s *sdkClient) Subscriber(subscription string) gcpSubscriber {
	return &sdkSubscriber{subscriber: s.client.Subscriber(subscription)}
}

type sdkPublisher struct {
	publisher *pubsub.Publisher
}

func (s *sdkPublisher) Configure(ordering bool, settings pubsub.PublishSettings) {
	s.publisher.EnableMessageOrdering = ordering
	s.publisher.PublishSettings = settings
}

//nolint:ireturn
func (s *sdkPublisher) Publish(ctx context.Context, msg *pubsub.Message) publishResult {
	return s.publisher.Publish(ctx, msg)
}

func (s *sdkPublisher) Stop() {
	s.publisher.Stop()
}

type sdkSubscriber struct {
	subscriber *pubsub.Subscriber
}

func (s *sdkSubscriber) Configure(settings pubsub.ReceiveSettings) {
	s.subscriber.ReceiveSettings = settings
}

func (s *sdkSubscriber) Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error {
	return s.subscriber.Receive(ctx, f)
}
