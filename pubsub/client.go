package pubsub

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"github.com/indexerqueue/worker/pipeline"
	"github.com/slackmgr/types"
)

const (
	reasonAttribute            = "dead-letter-reason"
	originalMessageIDAttribute = "original-message-id"
)

// ackable is the part of *pubsub.Message the client needs after delivery.
type ackable interface {
	Ack()
	Nack()
}

// Client is a Pub/Sub implementation of [pipeline.Queue]. When a dead-letter
// topic is given it also implements [pipeline.DeadLetterSink].
//
// Pub/Sub pushes messages to a streaming subscriber, so [Client.Run] must be
// running for [Client.Receive] to return anything. Deleting a message acks
// it; changing its visibility nacks it once the requested timeout has
// elapsed, which makes Pub/Sub redeliver it.
type Client struct {
	gcpClient       *pubsub.Client
	client          gcpClient
	publisher       gcpPublisher
	subscriber      gcpSubscriber
	subscription    string
	deadLetterTopic string
	opts            *Options
	logger          types.Logger
	initialized     atomic.Bool
	isReceiving     atomic.Bool
	msgCh           chan *pipeline.Message

	mu       sync.Mutex
	inFlight map[string]ackable
	delayed  map[string]*time.Timer
	attempts map[string]int
}

// New creates a Client that consumes from subscription. deadLetterTopic may
// be empty, in which case the client cannot be used as a dead-letter sink.
func New(c *pubsub.Client, subscription string, deadLetterTopic string, logger types.Logger, opts ...Option) (*Client, error) {
	if c == nil {
		return nil, errors.New("pub/sub client cannot be nil")
	}

	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	options := newOptions()

	for _, o := range opts {
		o(options)
	}

	logger = logger.WithField("queue", "pubsub").WithField("subscription", subscription)

	if deadLetterTopic != "" {
		logger = logger.WithField("dead_letter_topic", deadLetterTopic)
	}

	return &Client{
		gcpClient:       c,
		subscription:    subscription,
		deadLetterTopic: deadLetterTopic,
		opts:            options,
		logger:          logger,
		inFlight:        make(map[string]ackable),
		delayed:         make(map[string]*time.Timer),
		attempts:        make(map[string]int),
	}, nil
}

func (c *Client) Init() (*Client, error) {
	if c.initialized.Load() {
		return c, nil
	}

	if c.subscription == "" {
		return nil, errors.New("pub/sub subscription cannot be empty")
	}

	if err := c.opts.validateSubscriber(); err != nil {
		return nil, fmt.Errorf("invalid pub/sub subscriber options: %w", err)
	}

	if c.deadLetterTopic != "" {
		if err := c.opts.validatePublisher(); err != nil {
			return nil, fmt.Errorf("invalid pub/sub publisher options: %w", err)
		}
	}

	if c.opts.pubsubClient != nil {
		c.client = c.opts.pubsubClient
	} else {
		c.client = &sdkClient{client: c.gcpClient}
	}

	receiveSettings := pubsub.DefaultReceiveSettings
	receiveSettings.MaxExtension = c.opts.subscriberMaxExtension
	receiveSettings.MaxDurationPerAckExtension = c.opts.subscriberMaxDurationPerAckExtension
	receiveSettings.MinDurationPerAckExtension = c.opts.subscriberMinDurationPerAckExtension
	receiveSettings.MaxOutstandingMessages = c.opts.subscriberMaxOutstandingMessages
	receiveSettings.MaxOutstandingBytes = c.opts.subscriberMaxOutstandingBytes
	receiveSettings.ShutdownOptions = &pubsub.ShutdownOptions{
		Behavior: pubsub.ShutdownBehaviorNackImmediately,
		Timeout:  c.opts.subscriberShutdownTimeout,
	}

	c.subscriber = c.client.Subscriber(c.subscription)
	c.subscriber.Configure(receiveSettings)

	if c.deadLetterTopic != "" {
		publishSettings := pubsub.DefaultPublishSettings
		publishSettings.DelayThreshold = c.opts.publisherDelayThreshold
		publishSettings.CountThreshold = c.opts.publisherCountThreshold
		publishSettings.ByteThreshold = c.opts.publisherByteThreshold

		c.publisher = c.client.Publisher(c.deadLetterTopic)
		c.publisher.Configure(c.opts.publisherMessageOrdering, publishSettings)
	}

	c.msgCh = make(chan *pipeline.Message, c.opts.receiveBufferSize)
	c.initialized.Store(true)

	return c, nil
}

func (c *Client) Name() string {
	return c.subscription
}

// Close stops the publisher, flushing any pending messages, and nacks every
// message still waiting for its visibility delay.
func (c *Client) Close() {
	if c.publisher != nil {
		c.publisher.Stop()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for receipt, timer := range c.delayed {
		if timer.Stop() {
			if msg, ok := c.inFlight[receipt]; ok {
				msg.Nack()
				delete(c.inFlight, receipt)
			}
		}

		delete(c.delayed, receipt)
	}
}

// Run streams messages from the subscription into the client's receive
// buffer until ctx is cancelled. It must be called in its own goroutine and
// should outlive the pipeline, so that acks issued while the pipeline
// drains still reach Pub/Sub.
func (c *Client) Run(ctx context.Context) error {
	if !c.initialized.Load() {
		return errors.New("pub/sub client not initialized")
	}

	if !c.isReceiving.CompareAndSwap(false, true) {
		return errors.New("pub/sub client is already receiving messages")
	}

	defer func() {
		c.isReceiving.Store(false)
		c.logger.Debug("Stopped receiving pub/sub messages")
	}()

	c.logger.Debug("Started receiving pub/sub messages")

	return c.subscriber.Receive(ctx, c.receiveHandler)
}

func (c *Client) receiveHandler(ctx context.Context, msg *pubsub.Message) {
	item := c.track(msg, msg)

	if err := trySend(ctx, item, c.msgCh); err != nil {
		c.untrack(item.Receipt)
		msg.Nack()

		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			c.logger.Errorf("Failed to buffer pub/sub message %s: %v", msg.ID, err)
		}

		return
	}

	c.logger.WithField("message_id", msg.ID).Debug("Pub/Sub message buffered")
}

// track converts a delivery into a pipeline message with a fresh receipt,
// so that a redelivered message never shares a receipt with its previous
// delivery.
//
// Pub/Sub only reports delivery attempts for subscriptions with a
// dead-letter policy. Without one the client counts the deliveries it has
// seen itself, until the message is acked.
func (c *Client) track(msg *pubsub.Message, handle ackable) *pipeline.Message {
	item := &pipeline.Message{
		ID:         msg.ID,
		Receipt:    uuid.NewString(),
		Body:       string(msg.Data),
		Attributes: maps.Clone(msg.Attributes),
		ReceivedAt: time.Now(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.DeliveryAttempt != nil {
		item.ReceiveCount = *msg.DeliveryAttempt
	} else {
		c.attempts[msg.ID]++
		item.ReceiveCount = c.attempts[msg.ID]
	}

	c.inFlight[item.Receipt] = handle

	return item
}

func (c *Client) untrack(receipt string) (ackable, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg, ok := c.inFlight[receipt]
	if ok && c.delayed[receipt] == nil {
		delete(c.inFlight, receipt)
		return msg, true
	}

	return nil, false
}

// Receive returns up to maxMessages buffered messages. It waits at most
// waitTime for the first one.
func (c *Client) Receive(ctx context.Context, maxMessages int, waitTime time.Duration) ([]*pipeline.Message, error) {
	if !c.initialized.Load() {
		return nil, errors.New("pub/sub client not initialized")
	}

	var msgs []*pipeline.Message

	select {
	case msg := <-c.msgCh:
		msgs = append(msgs, msg)
	default:
		timer := time.NewTimer(waitTime)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case msg := <-c.msgCh:
			msgs = append(msgs, msg)
		}
	}

	for len(msgs) < maxMessages {
		select {
		case msg := <-c.msgCh:
			msgs = append(msgs, msg)
		default:
			return msgs, nil
		}
	}

	return msgs, nil
}

// DeleteBatch acks the given messages.
func (c *Client) DeleteBatch(_ context.Context, entries []pipeline.DeleteEntry) (pipeline.BatchResult, error) {
	result := pipeline.BatchResult{}

	for _, e := range entries {
		msg, ok := c.untrack(e.Receipt)
		if !ok {
			result.Failed = append(result.Failed, unknownReceipt(e.ID))
			continue
		}

		msg.Ack()

		c.mu.Lock()
		delete(c.attempts, e.MessageID)
		c.mu.Unlock()

		result.Successful = append(result.Successful, e.ID)
	}

	return result, nil
}

// ChangeVisibilityBatch nacks each message once its timeout has elapsed.
// Until then the subscriber keeps extending the message's ack deadline, up
// to the configured max extension.
func (c *Client) ChangeVisibilityBatch(_ context.Context, entries []pipeline.VisibilityEntry) (pipeline.BatchResult, error) {
	result := pipeline.BatchResult{}

	for _, e := range entries {
		if !c.delayNack(e.Receipt, e.Timeout) {
			result.Failed = append(result.Failed, unknownReceipt(e.ID))
			continue
		}

		result.Successful = append(result.Successful, e.ID)
	}

	return result, nil
}

func (c *Client) delayNack(receipt string, timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg, ok := c.inFlight[receipt]
	if !ok || c.delayed[receipt] != nil {
		return false
	}

	if timeout <= 0 {
		delete(c.inFlight, receipt)
		msg.Nack()

		return true
	}

	c.delayed[receipt] = time.AfterFunc(timeout, func() {
		c.mu.Lock()
		delete(c.inFlight, receipt)
		delete(c.delayed, receipt)
		c.mu.Unlock()

		msg.Nack()
	})

	return true
}

// SendBatch publishes the given messages to the dead-letter topic. The
// original message ID and the dead-letter reason are added as attributes.
func (c *Client) SendBatch(ctx context.Context, entries []pipeline.RetryEntry) (pipeline.BatchResult, error) {
	if !c.initialized.Load() {
		return pipeline.BatchResult{}, errors.New("pub/sub client not initialized")
	}

	if c.publisher == nil {
		return pipeline.BatchResult{}, errors.New("pub/sub dead-letter topic not configured")
	}

	results := make([]publishResult, len(entries))

	for i, e := range entries {
		attrs := maps.Clone(e.Attributes)
		if attrs == nil {
			attrs = map[string]string{}
		}

		attrs[originalMessageIDAttribute] = e.MessageID
		if e.Reason != "" {
			attrs[reasonAttribute] = e.Reason
		}

		msg := &pubsub.Message{
			Data:       []byte(e.Body),
			Attributes: attrs,
		}

		if c.opts.publisherMessageOrdering {
			msg.OrderingKey = e.Attributes[pipeline.AttrDataPartitionID]
		}

		results[i] = c.publisher.Publish(ctx, msg)
	}

	result := pipeline.BatchResult{}

	for i, r := range results {
		if _, err := r.Get(ctx); err != nil {
			result.Failed = append(result.Failed, pipeline.BatchFailure{
				ID:      entries[i].ID,
				Code:    "PublishFailed",
				Message: fmt.Sprintf("failed to publish message %s to pub/sub topic %s: %v", entries[i].MessageID, c.deadLetterTopic, err),
			})

			continue
		}

		result.Successful = append(result.Successful, entries[i].ID)
	}

	return result, nil
}

func unknownReceipt(id string) pipeline.BatchFailure {
	return pipeline.BatchFailure{
		ID:          id,
		Code:        "ReceiptHandleIsInvalid",
		Message:     "message is not in flight",
		SenderFault: true,
	}
}

func trySend[T any](ctx context.Context, msg T, sinkCh chan<- T) error {
	select {
	case sinkCh <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
