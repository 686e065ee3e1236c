package dynamodb

import (
	"errors"
	"time"
)

// Option is a functional option for configuring a [Client].
type Option func(*Options)

// Options holds the configuration for a [Client].
type Options struct {
	timeToLive      time.Duration
	maxWriteRetries int
	initialBackoff  time.Duration
	dynamoDBAPI     API
	clock           func() time.Time
}

func newOptions() *Options {
	return &Options{
		timeToLive:      14 * 24 * time.Hour,
		maxWriteRetries: 5,
		initialBackoff:  50 * time.Millisecond,
		clock:           time.Now,
	}
}

func (o *Options) validate() error {
	if o.timeToLive <= 0 {
		return errors.New("time to live must be greater than zero")
	}

	if o.maxWriteRetries < 0 || o.maxWriteRetries > 10 {
		return errors.New("max write retries must be between 0 and 10")
	}

	if o.initialBackoff <= 0 || o.initialBackoff > maxBackoff {
		return errors.New("initial backoff must be greater than zero and at most 2 seconds")
	}

	return nil
}

// WithTimeToLive sets how long dead-lettered messages are kept before
// DynamoDB expires them. The default is 14 days.
func WithTimeToLive(d time.Duration) Option {
	return func(o *Options) {
		o.timeToLive = d
	}
}

// WithMaxWriteRetries sets how many times unprocessed items of a
// BatchWriteItem call are retried. The default is 5.
func WithMaxWriteRetries(n int) Option {
	return func(o *Options) {
		o.maxWriteRetries = n
	}
}

// WithInitialBackoff sets the first delay before unprocessed items are
// retried. The delay doubles on every retry, up to 2 seconds.
func WithInitialBackoff(d time.Duration) Option {
	return func(o *Options) {
		o.initialBackoff = d
	}
}

// WithAPI sets a custom [API] implementation. This is useful when a custom
// DynamoDB configuration is required, or for injecting mocks in tests.
func WithAPI(api API) Option {
	return func(o *Options) {
		o.dynamoDBAPI = api
	}
}

// WithClock sets a custom clock function used for timestamps and TTL
// values. Defaults to [time.Now].
func WithClock(clock func() time.Time) Option {
	return func(o *Options) {
		o.clock = clock
	}
}
