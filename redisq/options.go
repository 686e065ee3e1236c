package redisq

import (
	"errors"
	"time"
)

type Option func(*Options)

type Options struct {
	visibilityTimeout time.Duration
	pollInterval      time.Duration
	keyPrefix         string
	clock             func() time.Time
}

func newOptions() *Options {
	return &Options{
		visibilityTimeout: 60 * time.Second,
		pollInterval:      100 * time.Millisecond,
		keyPrefix:         "indexer",
		clock:             time.Now,
	}
}

func (o *Options) validate() error {
	if o.visibilityTimeout < time.Second || o.visibilityTimeout > 12*time.Hour {
		return errors.New("visibility timeout must be between 1 second and 12 hours")
	}

	if o.pollInterval < time.Millisecond || o.pollInterval > 5*time.Second {
		return errors.New("poll interval must be between 1 millisecond and 5 seconds")
	}

	if o.keyPrefix == "" {
		return errors.New("key prefix cannot be empty")
	}

	if o.clock == nil {
		return errors.New("clock cannot be nil")
	}

	return nil
}

// WithVisibilityTimeout sets how long a received message stays hidden
// before it is handed out again. Default: 60s.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.visibilityTimeout = d
	}
}

// WithPollInterval sets how often an empty queue is polled while a
// [Queue.Receive] call waits for messages. Default: 100ms.
func WithPollInterval(d time.Duration) Option {
	return func(o *Options) {
		o.pollInterval = d
	}
}

// WithKeyPrefix sets the prefix of every key the queue uses.
func WithKeyPrefix(prefix string) Option {
	return func(o *Options) {
		o.keyPrefix = prefix
	}
}

func withClock(clock func() time.Time) Option {
	return func(o *Options) {
		o.clock = clock
	}
}
