// Package sqs provides an AWS SQS queue backend for the indexer queue
// worker. [Client] implements [pipeline.Queue] and, with a dead-letter
// queue configured, [pipeline.DeadLetterSink].
//
// # Client
//
// Create a client with [New] and initialise it with [Client.Init]:
//
//	client, err := sqs.New(&awsCfg, "records-changed", logger,
//	    sqs.WithSqsVisibilityTimeout(60),
//	    sqs.WithDeadLetterQueue("records-changed-dlq"),
//	).Init(ctx)
//
// The client is then handed to [pipeline.NewService] as both the queue and
// the dead-letter sink.
//
// # Receive
//
// Each [Client.Receive] call is a single long-polling ReceiveMessage call.
// Message attributes become [pipeline.Message] attributes, and the
// ApproximateReceiveCount system attribute becomes the receive count that
// drives the visibility backoff.
//
// # Batches
//
// [Client.DeleteBatch], [Client.ChangeVisibilityBatch] and
// [Client.SendBatch] map onto the SQS batch APIs. SQS accepts at most 10
// entries per call; larger batches are split and the calls run
// concurrently, at most [WithMaxConcurrentBatchCalls] at a time. Entries
// rejected by SQS are returned as [pipeline.BatchFailure] values and are
// not retried.
//
// # Dead-letter queue
//
// SendBatch keeps the original body and adds the original message ID and
// the dead-letter reason as message attributes. If the dead-letter queue is
// a FIFO queue, the data partition is used as the message group ID and the
// deduplication ID is derived from the message ID and reason.
package sqs
