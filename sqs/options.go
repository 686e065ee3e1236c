package sqs

import (
	"errors"
	"time"
)

// Option is a functional option for configuring a [Client].
// Options are passed to [New] and applied before [Client.Init] is called.
type Option func(*Options)

// Options holds the resolved configuration for a [Client].
// All fields are set to sensible defaults by [New]; use With* functions to
// override individual values.
type Options struct {
	sqsVisibilityTimeoutSeconds int32
	sqsAPIMaxRetryAttempts      int
	sqsAPIMaxRetryBackoffDelay  time.Duration
	maxConcurrentBatchCalls     int
	deadLetterQueueName         string
	deadLetterGroupID           string
	sqsClient                   sqsClient // Optional: injected SQS client for testing
}

func newOptions() *Options {
	return &Options{
		sqsVisibilityTimeoutSeconds: 60,
		sqsAPIMaxRetryAttempts:      5,
		sqsAPIMaxRetryBackoffDelay:  10 * time.Second,
		maxConcurrentBatchCalls:     3,
		deadLetterGroupID:           "dead-letter",
	}
}

func (o *Options) validate() error {
	if o.sqsVisibilityTimeoutSeconds < 10 || o.sqsVisibilityTimeoutSeconds > 3600 {
		return errors.New("SQS message visibility timeout must be between 10 seconds and 1 hour")
	}

	if o.sqsAPIMaxRetryAttempts < 0 || o.sqsAPIMaxRetryAttempts > 10 {
		return errors.New("max SQS API retry attempts must be between 0 and 10")
	}

	if o.sqsAPIMaxRetryBackoffDelay < 1*time.Second || o.sqsAPIMaxRetryBackoffDelay > 30*time.Second {
		return errors.New("max SQS API retry backoff delay must be between 1 and 30 seconds")
	}

	if o.maxConcurrentBatchCalls < 1 || o.maxConcurrentBatchCalls > 20 {
		return errors.New("max concurrent batch calls must be between 1 and 20")
	}

	if o.deadLetterGroupID == "" {
		return errors.New("dead-letter message group ID cannot be empty")
	}

	return nil
}

// WithSqsVisibilityTimeout sets the visibility timeout applied to each
// received message. It must cover the processing deadline plus the time a
// message may wait in a delete batch, or the message is redelivered before
// it is acknowledged. Must be between 10 and 3600 seconds. Default: 60.
func WithSqsVisibilityTimeout(seconds int32) Option {
	return func(o *Options) {
		o.sqsVisibilityTimeoutSeconds = seconds
	}
}

// WithSqsAPIMaxRetryAttempts sets the maximum number of retry attempts for
// failed SQS API calls. Must be between 0 and 10. Default: 5.
func WithSqsAPIMaxRetryAttempts(n int) Option {
	return func(o *Options) {
		o.sqsAPIMaxRetryAttempts = n
	}
}

// WithSqsAPIMaxRetryBackoffDelay sets the maximum backoff delay between
// consecutive SQS API retry attempts. Must be between 1 second and 30 seconds.
// Default: 10 seconds.
func WithSqsAPIMaxRetryBackoffDelay(d time.Duration) Option {
	return func(o *Options) {
		o.sqsAPIMaxRetryBackoffDelay = d
	}
}

// WithMaxConcurrentBatchCalls sets how many SQS batch calls may run at the
// same time when a batch larger than 10 entries is split. Must be between 1
// and 20. Default: 3.
func WithMaxConcurrentBatchCalls(n int) Option {
	return func(o *Options) {
		o.maxConcurrentBatchCalls = n
	}
}

// WithDeadLetterQueue sets the name of the queue that [Client.SendBatch]
// writes to. Without it the client cannot be used as a dead-letter sink.
func WithDeadLetterQueue(name string) Option {
	return func(o *Options) {
		o.deadLetterQueueName = name
	}
}

// WithDeadLetterGroupID sets the message group ID used when the dead-letter
// queue is a FIFO queue and a message has no data partition. Default:
// "dead-letter".
func WithDeadLetterGroupID(id string) Option {
	return func(o *Options) {
		o.deadLetterGroupID = id
	}
}

// WithSQSClient replaces the default AWS SQS client with a custom
// implementation of the internal sqsClient interface. This option is
// intended for testing with mock or stub clients.
func WithSQSClient(client sqsClient) Option {
	return func(o *Options) {
		o.sqsClient = client
	}
}
