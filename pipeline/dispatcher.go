package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/slackmgr/types"
)

type submitter interface {
	Submit(ctx context.Context, msg *Message) error
}

// dispatcher runs the worker pool that forwards messages to the indexer and
// routes each outcome to exactly one of the delete or visibility
// accumulators. Messages without an authorization attribute go to the
// dead-letter and delete accumulators instead.
type dispatcher struct {
	inCh       <-chan *Message
	indexer    Indexer
	deletes    submitter
	visibility submitter
	retries    submitter
	health     *HealthGate
	opts       *Options
	stats      *Stats
	logger     types.Logger
}

// run starts the workers and blocks until all of them exit. Workers exit
// when the input channel is closed and drained, or when ctx is cancelled.
func (d *dispatcher) run(ctx context.Context) {
	d.logger.WithField("workers", d.opts.workers).Info("Dispatch workers started")
	defer d.logger.Info("Dispatch workers exited")

	var wg sync.WaitGroup

	for i := range d.opts.workers {
		wg.Go(func() {
			d.work(ctx, d.logger.WithField("worker", i))
		})
	}

	wg.Wait()
}

func (d *dispatcher) work(ctx context.Context, logger types.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-d.inCh:
			if !ok {
				return
			}

			d.handle(ctx, msg, logger.WithField("message_id", msg.ID))
		case <-time.After(d.opts.pollInterval):
			// Nothing to do; loop to observe cancellation.
		}
	}
}

func (d *dispatcher) handle(ctx context.Context, msg *Message, logger types.Logger) {
	if !msg.HasAuthorization() {
		d.stats.record(OutcomeAuthorizationMissing)
		logger.Info("Message has no authorization attribute, dead-lettering without dispatch")

		if err := d.routeDeadLetter(ctx, msg); err != nil {
			logger.Errorf("Failed to route message to dead-letter: %v", err)
		}

		return
	}

	outcome, err := d.dispatch(ctx, msg)

	d.health.RecordOutcome(outcome == OutcomeSuccess)
	d.stats.record(outcome)

	target := d.visibility

	if outcome == OutcomeSuccess {
		target = d.deletes
		logger.Debug("Message indexed")
	} else {
		logger.WithField("outcome", outcome.String()).
			WithField("receive_count", msg.ReceiveCount).
			Infof("Message dispatch failed, postponing redelivery: %v", err)
	}

	if err := target.Submit(ctx, msg); err != nil {
		logger.Errorf("Failed to hand message to accumulator: %v", err)
	}
}

// routeDeadLetter resends the message to the dead-letter sink and
// acknowledges the original so it is not redelivered forever.
func (d *dispatcher) routeDeadLetter(ctx context.Context, msg *Message) error {
	if err := d.retries.Submit(ctx, msg); err != nil {
		return err
	}

	d.stats.DeadLettered.Add(1)

	return d.deletes.Submit(ctx, msg)
}

// dispatch calls the indexer with a hard deadline. The call runs in its own
// goroutine; when the deadline elapses the worker moves on and the call's
// context is cancelled. A result arriving after that is discarded.
func (d *dispatcher) dispatch(ctx context.Context, msg *Message) (Outcome, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.opts.maxWaitForProcessing)
	defer cancel()

	call := d.indexer.Index
	if msg.IsReindex() {
		call = d.indexer.Reindex
	}

	resultCh := make(chan error, 1)

	go func() {
		resultCh <- call(callCtx, msg)
	}()

	select {
	case err := <-resultCh:
		return classify(err), err
	case <-callCtx.Done():
		return OutcomeTimeout, ErrProcessingTimeout
	}
}

func classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}

	var authErr AuthError
	if errors.As(err, &authErr) && authErr.IsAuthFailure() {
		return OutcomeAuthFailure
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrProcessingTimeout) {
		return OutcomeTimeout
	}

	return OutcomeProcessingFailure
}
