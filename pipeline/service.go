package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/slackmgr/types"
	"golang.org/x/sync/errgroup"
)

// entryNamespace derives batch entry ids from message ids, so that entry
// generation depends on nothing but the message.
var entryNamespace = uuid.MustParse("6f0d7f5c-3a55-4a4e-9a3c-2f1f8f1c7d2e")

// Service owns the message-handling pipeline: one feeder, the dispatch
// worker pool and the delete, visibility and dead-letter accumulators.
//
// Create a Service with [NewService] and call [Service.Run] once.
type Service struct {
	queue      Queue
	indexer    Indexer
	sink       DeadLetterSink
	opts       *Options
	logger     types.Logger
	health     *HealthGate
	stats      Stats
	startedAt  time.Time
	deletes    *accumulator[DeleteEntry]
	visibility *accumulator[VisibilityEntry]
	retries    *accumulator[RetryEntry]
	running    atomic.Bool
}

// NewService validates the options and builds a Service. sink may be nil,
// in which case messages without authorization are only acknowledged.
func NewService(queue Queue, indexer Indexer, sink DeadLetterSink, logger types.Logger, opts ...Option) (*Service, error) {
	if queue == nil {
		return nil, errors.New("queue cannot be nil")
	}

	if indexer == nil {
		return nil, errors.New("indexer cannot be nil")
	}

	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	options := newOptions()

	for _, o := range opts {
		o(options)
	}

	if err := options.validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline options: %w", err)
	}

	logger = logger.WithField("component", "pipeline")

	s := &Service{
		queue:     queue,
		indexer:   indexer,
		sink:      sink,
		opts:      options,
		logger:    logger,
		health:    newHealthGate(options),
		startedAt: time.Now(),
	}

	s.deletes = newAccumulator("delete", options, logger, deleteEntry, queue.DeleteBatch)
	s.deletes.onFlush = s.health.Release
	s.deletes.onDrop = s.health.Release

	s.visibility = newAccumulator("visibility", options, logger, visibilityEntryFunc(options.backoff), queue.ChangeVisibilityBatch)
	s.visibility.onFlush = s.health.Release
	s.visibility.onDrop = s.health.Release

	sendRetries := s.discardRetries
	if sink != nil {
		sendRetries = sink.SendBatch
	}

	s.retries = newAccumulator("retry", options, logger, retryEntryFunc(options.maxReceiveCount), sendRetries)

	return s, nil
}

// Run starts the pipeline and blocks until it stops.
//
// Cancelling ctx stops polling; messages already received are still
// dispatched and the accumulators flush what they hold, bounded by the
// shutdown timeout. Run then returns nil. When the health gate trips Run
// drains the same way and returns an error wrapping [ErrUnhealthy].
func (s *Service) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("pipeline service is already running")
	}

	s.logger.Info("Pipeline service started")

	// Workers and accumulators outlive ctx so that they can drain.
	workCtx, abandon := context.WithCancel(context.WithoutCancel(ctx))
	defer abandon()

	workCh := make(chan *Message, s.opts.channelSize)

	var accumulators sync.WaitGroup

	accumulators.Go(func() { s.deletes.run(workCtx) })
	accumulators.Go(func() { s.visibility.run(workCtx) })
	accumulators.Go(func() { s.retries.run(workCtx) })

	d := &dispatcher{
		inCh:       workCh,
		indexer:    s.indexer,
		deletes:    s.deletes,
		visibility: s.visibility,
		retries:    s.retries,
		health:     s.health,
		opts:       s.opts,
		stats:      &s.stats,
		logger:     s.logger.WithField("component", "dispatcher"),
	}

	workersDone := make(chan struct{})

	go func() {
		defer close(workersDone)
		d.run(workCtx)
	}()

	f := newFeeder(s.queue, workCh, s.health, d, s.opts, &s.stats, s.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return f.run(gctx) })
	g.Go(func() error { return s.watchHealth(gctx) })

	runErr := g.Wait()

	s.logger.WithField("in_flight", s.health.InFlight()).Info("Polling stopped, draining pipeline")

	drained := make(chan struct{})

	go func() {
		defer close(drained)

		<-workersDone

		s.deletes.Close()
		s.visibility.Close()
		s.retries.Close()

		accumulators.Wait()
	}()

	select {
	case <-drained:
	case <-time.After(s.opts.shutdownTimeout):
		s.logger.Info("Shutdown timeout elapsed, abandoning in-flight messages")
		abandon()
		<-drained
	}

	s.logger.Info("Pipeline service exited")

	if errors.Is(runErr, ErrUnhealthy) {
		return runErr
	}

	return nil
}

func (s *Service) watchHealth(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.health.Unhealthy() {
				s.logger.WithField("reason", s.health.Reason()).Error("Pipeline health check failed")
				return fmt.Errorf("%w: %s", ErrUnhealthy, s.health.Reason())
			}
		}
	}
}

// Healthy reports whether the pipeline may keep running.
func (s *Service) Healthy() bool {
	return !s.health.Unhealthy()
}

// HealthReason describes why the pipeline is unhealthy, or "" while healthy.
func (s *Service) HealthReason() string {
	return s.health.Reason()
}

// Trip marks the pipeline unhealthy. Run stops polling within one health
// check interval.
func (s *Service) Trip(reason string) {
	s.health.Trip(reason)
}

// Stats returns a snapshot of the pipeline counters.
func (s *Service) Stats() StatsSnapshot {
	return StatsSnapshot{
		StartedAt:            s.startedAt,
		InFlight:             s.health.InFlight(),
		Received:             s.stats.Received.Load(),
		ReceiveErrors:        s.stats.ReceiveErrors.Load(),
		Succeeded:            s.stats.Succeeded.Load(),
		AuthFailures:         s.stats.AuthFailures.Load(),
		ProcessingFailures:   s.stats.ProcessingFailures.Load(),
		Timeouts:             s.stats.Timeouts.Load(),
		AuthorizationMissing: s.stats.AuthorizationMissing.Load(),
		DeadLettered:         s.stats.DeadLettered.Load(),
		Delete:               s.deletes.counters.snapshot(),
		Visibility:           s.visibility.counters.snapshot(),
		Retry:                s.retries.counters.snapshot(),
	}
}

func (s *Service) discardRetries(_ context.Context, entries []RetryEntry) (BatchResult, error) {
	result := BatchResult{}

	for _, e := range entries {
		s.logger.WithField("message_id", e.MessageID).Errorf("No dead-letter sink configured, dropping message: %s", e.Reason)
		result.Successful = append(result.Successful, e.ID)
	}

	return result, nil
}

func entryID(msg *Message) string {
	return uuid.NewSHA1(entryNamespace, []byte(msg.ID)).String()
}

func deleteEntry(msg *Message) DeleteEntry {
	return DeleteEntry{
		ID:        entryID(msg),
		MessageID: msg.ID,
		Receipt:   msg.Receipt,
	}
}

func visibilityEntryFunc(backoff BackoffPolicy) func(*Message) VisibilityEntry {
	return func(msg *Message) VisibilityEntry {
		return VisibilityEntry{
			ID:        entryID(msg),
			MessageID: msg.ID,
			Receipt:   msg.Receipt,
			Timeout:   backoff.VisibilityTimeout(msg.ReceiveCount),
		}
	}
}

func retryEntryFunc(maxReceiveCount int) func(*Message) RetryEntry {
	return func(msg *Message) RetryEntry {
		reason := "processing failed"

		switch {
		case !msg.HasAuthorization():
			reason = ErrAuthorizationMissing.Error()
		case maxReceiveCount > 0 && msg.ReceiveCount > maxReceiveCount:
			reason = fmt.Sprintf("received %d times, limit is %d", msg.ReceiveCount, maxReceiveCount)
		}

		return RetryEntry{
			ID:           entryID(msg),
			MessageID:    msg.ID,
			Body:         msg.Body,
			Attributes:   maps.Clone(msg.Attributes),
			ReceiveCount: msg.ReceiveCount,
			Reason:       reason,
		}
	}
}
