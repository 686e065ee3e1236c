package mongodb

import (
	"errors"
	"time"
)

// Option is a functional option for configuring a [Client].
type Option func(*Options)

// Options holds the configuration for a [Client].
type Options struct {
	timeToLive     time.Duration
	connectTimeout time.Duration
	collection     Collection
	clock          func() time.Time
}

func newOptions() *Options {
	return &Options{
		timeToLive:     14 * 24 * time.Hour,
		connectTimeout: 10 * time.Second,
		clock:          time.Now,
	}
}

func (o *Options) validate() error {
	if o.timeToLive <= 0 {
		return errors.New("time to live must be greater than zero")
	}

	if o.connectTimeout <= 0 || o.connectTimeout > time.Minute {
		return errors.New("connect timeout must be greater than zero and at most 1 minute")
	}

	return nil
}

// WithTimeToLive sets how long dead-lettered messages are kept before the
// TTL index expires them. The default is 14 days.
func WithTimeToLive(d time.Duration) Option {
	return func(o *Options) {
		o.timeToLive = d
	}
}

// WithConnectTimeout bounds the initial connect and ping. The default is 10 seconds.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.connectTimeout = d
	}
}

// WithCollection sets a custom [Collection] implementation, skipping the
// connection to MongoDB. Used for injecting mocks in tests.
func WithCollection(c Collection) Option {
	return func(o *Options) {
		o.collection = c
	}
}

// WithClock sets a custom clock function used for timestamps and expiry
// values. Defaults to [time.Now].
func WithClock(clock func() time.Time) Option {
	return func(o *Options) {
		o.clock = clock
	}
}
