package pipeline

import (
	"errors"
	"time"
)

// Option is a functional option for configuring a [Service].
type Option func(*Options)

// Options holds the resolved configuration for a [Service]. All fields are
// set to sensible defaults by [NewService]; use With* functions to override
// individual values.
type Options struct {
	workers                int
	channelSize            int
	maxReceiveMessages     int
	receiveWaitTime        time.Duration
	maxOutstandingMessages int
	backpressureInterval   time.Duration
	receiveErrorDelay      time.Duration
	pollInterval           time.Duration
	maxBatchSize           int
	maxBatchAge            time.Duration
	maxWaitForProcessing   time.Duration
	batchSendTimeout       time.Duration
	shutdownTimeout        time.Duration
	healthCheckInterval    time.Duration
	stallTimeout           time.Duration
	failureWindow          int
	maxFailureRatio        float64
	maxReceiveCount        int
	backoff                BackoffPolicy
	clock                  func() time.Time
}

func newOptions() *Options {
	return &Options{
		workers:                10,
		channelSize:            100,
		maxReceiveMessages:     10,
		receiveWaitTime:        20 * time.Second,
		maxOutstandingMessages: 100,
		backpressureInterval:   2 * time.Second,
		receiveErrorDelay:      5 * time.Second,
		pollInterval:           500 * time.Millisecond,
		maxBatchSize:           10,
		maxBatchAge:            2 * time.Second,
		maxWaitForProcessing:   30 * time.Second,
		batchSendTimeout:       10 * time.Second,
		shutdownTimeout:        30 * time.Second,
		healthCheckInterval:    5 * time.Second,
		stallTimeout:           5 * time.Minute,
		failureWindow:          100,
		backoff:                TableBackoff{},
		clock:                  time.Now,
	}
}

func (o *Options) validate() error {
	if o.workers < 1 || o.workers > 1000 {
		return errors.New("worker count must be between 1 and 1000")
	}

	if o.channelSize < 1 {
		return errors.New("channel size must be greater than or equal to 1")
	}

	if o.maxReceiveMessages < 1 {
		return errors.New("max messages per receive must be greater than or equal to 1")
	}

	if o.receiveWaitTime < 0 || o.receiveWaitTime > 20*time.Second {
		return errors.New("receive wait time must be between 0 and 20 seconds")
	}

	if o.maxOutstandingMessages < o.maxReceiveMessages {
		return errors.New("max outstanding messages must be greater than or equal to max messages per receive")
	}

	if o.backpressureInterval <= 0 || o.receiveErrorDelay <= 0 || o.pollInterval <= 0 {
		return errors.New("backpressure interval, receive error delay and poll interval must be greater than zero")
	}

	if o.maxBatchSize < 1 {
		return errors.New("max batch size must be greater than or equal to 1")
	}

	if o.maxBatchAge <= 0 {
		return errors.New("max batch age must be greater than zero")
	}

	if o.maxWaitForProcessing <= 0 {
		return errors.New("max wait for processing must be greater than zero")
	}

	if o.batchSendTimeout <= 0 || o.shutdownTimeout <= 0 || o.healthCheckInterval <= 0 {
		return errors.New("batch send timeout, shutdown timeout and health check interval must be greater than zero")
	}

	if o.stallTimeout < 0 {
		return errors.New("stall timeout must be non-negative")
	}

	if o.maxFailureRatio < 0 || o.maxFailureRatio > 1 {
		return errors.New("max failure ratio must be between 0 and 1")
	}

	if o.maxFailureRatio > 0 && o.failureWindow < 1 {
		return errors.New("failure window must be greater than or equal to 1 when a failure ratio is set")
	}

	if o.maxReceiveCount < 0 {
		return errors.New("max receive count must be non-negative")
	}

	if o.backoff == nil {
		return errors.New("backoff policy cannot be nil")
	}

	return nil
}

// WithWorkers sets the number of dispatch workers. Default: 10.
func WithWorkers(n int) Option {
	return func(o *Options) {
		o.workers = n
	}
}

// WithChannelSize sets the capacity of the channel between the feeder and
// the workers. Default: 100.
func WithChannelSize(n int) Option {
	return func(o *Options) {
		o.channelSize = n
	}
}

// WithMaxReceiveMessages sets how many messages a single receive call may
// return. Default: 10.
func WithMaxReceiveMessages(n int) Option {
	return func(o *Options) {
		o.maxReceiveMessages = n
	}
}

// WithReceiveWaitTime sets the long-poll wait for each receive call.
// Must be between 0 and 20 seconds. Default: 20 seconds.
func WithReceiveWaitTime(d time.Duration) Option {
	return func(o *Options) {
		o.receiveWaitTime = d
	}
}

// WithMaxOutstandingMessages sets the ceiling of received but not yet
// acknowledged or postponed messages. The feeder pauses while a receive could
// exceed it. Default: 100.
func WithMaxOutstandingMessages(n int) Option {
	return func(o *Options) {
		o.maxOutstandingMessages = n
	}
}

// WithBackpressureInterval sets how long the feeder sleeps while at
// capacity. Default: 2 seconds.
func WithBackpressureInterval(d time.Duration) Option {
	return func(o *Options) {
		o.backpressureInterval = d
	}
}

// WithReceiveErrorDelay sets the pause after a failed receive call.
// Default: 5 seconds.
func WithReceiveErrorDelay(d time.Duration) Option {
	return func(o *Options) {
		o.receiveErrorDelay = d
	}
}

// WithPollInterval sets the bounded wait used by workers and accumulators
// when polling their input. Default: 500ms.
func WithPollInterval(d time.Duration) Option {
	return func(o *Options) {
		o.pollInterval = d
	}
}

// WithMaxBatchSize sets the number of entries that closes a batch.
// Default: 10.
func WithMaxBatchSize(n int) Option {
	return func(o *Options) {
		o.maxBatchSize = n
	}
}

// WithMaxBatchAge sets the age at which a partially filled batch is flushed.
// Default: 2 seconds.
func WithMaxBatchAge(d time.Duration) Option {
	return func(o *Options) {
		o.maxBatchAge = d
	}
}

// WithMaxWaitForProcessing sets the hard deadline of a downstream call.
// Default: 30 seconds.
func WithMaxWaitForProcessing(d time.Duration) Option {
	return func(o *Options) {
		o.maxWaitForProcessing = d
	}
}

// WithBatchSendTimeout bounds each delete, visibility and dead-letter batch
// call. Default: 10 seconds.
func WithBatchSendTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.batchSendTimeout = d
	}
}

// WithShutdownTimeout bounds the drain phase of [Service.Run]. Partial
// batches still open when it elapses are abandoned. Default: 30 seconds.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.shutdownTimeout = d
	}
}

// WithHealthCheckInterval sets how often the health gate is evaluated.
// Default: 5 seconds.
func WithHealthCheckInterval(d time.Duration) Option {
	return func(o *Options) {
		o.healthCheckInterval = d
	}
}

// WithStallTimeout sets how long the outstanding count may stay at the
// ceiling without any message completing before the service is considered
// unhealthy. Zero disables the check. Default: 5 minutes.
func WithStallTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.stallTimeout = d
	}
}

// WithFailureRatio makes the service unhealthy when more than ratio of the
// last window downstream calls failed. A ratio of zero disables the check,
// which is the default.
func WithFailureRatio(ratio float64, window int) Option {
	return func(o *Options) {
		o.maxFailureRatio = ratio
		o.failureWindow = window
	}
}

// WithMaxReceiveCount dead-letters messages delivered more than n times
// without dispatching them. Zero disables the check, which is the default.
func WithMaxReceiveCount(n int) Option {
	return func(o *Options) {
		o.maxReceiveCount = n
	}
}

// WithBackoff sets the policy that computes visibility timeouts for failed
// messages. Default: [TableBackoff].
func WithBackoff(b BackoffPolicy) Option {
	return func(o *Options) {
		o.backoff = b
	}
}

// WithClock sets the clock used for batch ages and health tracking.
// Defaults to [time.Now].
func WithClock(clock func() time.Time) Option {
	return func(o *Options) {
		o.clock = clock
	}
}
