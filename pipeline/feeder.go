package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/slackmgr/types"
)

// poisonRouter receives messages that exceeded the maximum receive count.
type poisonRouter interface {
	routeDeadLetter(ctx context.Context, msg *Message) error
}

// feeder polls the upstream queue and pushes messages onto the work
// channel. It is the only writer of that channel and closes it on exit.
type feeder struct {
	queue  Queue
	outCh  chan<- *Message
	health *HealthGate
	poison poisonRouter
	opts   *Options
	stats  *Stats
	logger types.Logger
}

func newFeeder(queue Queue, outCh chan<- *Message, health *HealthGate, poison poisonRouter, opts *Options, stats *Stats, logger types.Logger) *feeder {
	return &feeder{
		queue:  queue,
		outCh:  outCh,
		health: health,
		poison: poison,
		opts:   opts,
		stats:  stats,
		logger: logger.WithField("component", "feeder"),
	}
}

// run polls until ctx is cancelled or the health gate trips. It returns
// ctx.Err() on cancellation and an error wrapping [ErrUnhealthy] on a
// health failure.
func (f *feeder) run(ctx context.Context) error {
	defer close(f.outCh)

	f.logger.Info("Queue feeder started")
	defer f.logger.Info("Queue feeder exited")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if f.health.Unhealthy() {
			return fmt.Errorf("%w: %s", ErrUnhealthy, f.health.Reason())
		}

		if !f.health.AllowReceive() {
			f.logger.WithField("in_flight", f.health.InFlight()).Debug("Outstanding message ceiling reached, waiting to read more messages")

			if err := sleep(ctx, f.opts.backpressureInterval); err != nil {
				return err
			}

			continue
		}

		err := f.read(ctx)

		// No error means we keep reading
		if err == nil {
			continue
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.stats.ReceiveErrors.Add(1)
		f.logger.Errorf("Error reading queue: %v", err)

		if err := sleep(ctx, f.opts.receiveErrorDelay); err != nil {
			return err
		}
	}
}

func (f *feeder) read(ctx context.Context) error {
	msgs, err := f.queue.Receive(ctx, f.opts.maxReceiveMessages, f.opts.receiveWaitTime)
	if err != nil {
		return fmt.Errorf("failed to receive messages: %w", err)
	}

	if len(msgs) == 0 {
		return nil
	}

	f.health.Acquire(len(msgs))
	f.stats.Received.Add(int64(len(msgs)))

	for i, msg := range msgs {
		if f.opts.maxReceiveCount > 0 && msg.ReceiveCount > f.opts.maxReceiveCount {
			f.logger.WithField("message_id", msg.ID).
				WithField("receive_count", msg.ReceiveCount).
				Info("Message exceeded the maximum receive count, dead-lettering without dispatch")

			if err := f.poison.routeDeadLetter(ctx, msg); err != nil {
				f.health.Release(len(msgs) - i)
				return err
			}

			continue
		}

		if err := trySend(ctx, msg, f.outCh); err != nil {
			// Messages not handed over are left to the queue's own redelivery.
			f.health.Release(len(msgs) - i)
			return err
		}

		f.logger.WithField("message_id", msg.ID).Debug("Message received")
	}

	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
