// Package pipeline moves "record changed" notifications from a message
// queue to the indexing service.
//
// A [Service] runs one feeder that polls a [Queue], a pool of dispatch
// workers that call an [Indexer], and three batch accumulators that
// acknowledge, postpone or dead-letter messages in batches:
//
//	queue -> feeder -> channel -> workers -> delete / visibility / retry batches
//
// Each dispatched message ends up in exactly one of the delete batch (the
// indexer accepted it) or the visibility batch (the indexer rejected it,
// failed or did not answer within the processing deadline). Messages
// without an authorization attribute are never dispatched; they go to the
// [DeadLetterSink] and are then deleted.
//
// Create a service with [NewService] and run it until the context is
// cancelled:
//
//	svc, err := pipeline.NewService(queue, indexer, sink, logger,
//	    pipeline.WithWorkers(20),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := svc.Run(ctx); errors.Is(err, pipeline.ErrUnhealthy) {
//	    os.Exit(3)
//	}
//
// # Batching
//
// A batch is sent when it holds the configured maximum number of entries or
// when its oldest entry reaches the maximum batch age, whichever comes
// first. A message id appears at most once in an open batch. Send failures
// are logged and not retried; the queue redelivers unacknowledged messages
// on its own.
//
// # Health
//
// The service stops polling, drains and returns [ErrUnhealthy] when the
// outstanding message count is stuck at its ceiling for longer than the
// stall timeout, when the downstream failure ratio exceeds its limit, or
// when [Service.Trip] is called.
package pipeline
