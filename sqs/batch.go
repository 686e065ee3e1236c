package sqs

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/indexerqueue/worker/pipeline"
)

const (
	// maxMessageAttributes is the SQS limit on message attributes per message.
	maxMessageAttributes = 10

	reasonAttribute            = "dead-letter-reason"
	originalMessageIDAttribute = "original-message-id"
)

// DeleteBatch deletes the given messages. Batches larger than 10 entries are
// split into several DeleteMessageBatch calls.
func (c *Client) DeleteBatch(ctx context.Context, entries []pipeline.DeleteEntry) (pipeline.BatchResult, error) {
	if !c.initialized {
		return pipeline.BatchResult{}, errors.New("SQS client not initialized")
	}

	return runChunked(ctx, c, entries, deleteEntryID, func(ctx context.Context, chunk []pipeline.DeleteEntry) (pipeline.BatchResult, error) {
		input := &sqs.DeleteMessageBatchInput{
			QueueUrl: &c.queueURL,
			Entries:  make([]sqstypes.DeleteMessageBatchRequestEntry, 0, len(chunk)),
		}

		for _, e := range chunk {
			input.Entries = append(input.Entries, sqstypes.DeleteMessageBatchRequestEntry{
				Id:            aws.String(e.ID),
				ReceiptHandle: aws.String(e.Receipt),
			})
		}

		output, err := c.client.DeleteMessageBatch(ctx, input)
		if err != nil {
			return pipeline.BatchResult{}, fmt.Errorf("failed to delete SQS message batch: %w", err)
		}

		result := pipeline.BatchResult{Failed: failures(output.Failed)}
		for _, s := range output.Successful {
			result.Successful = append(result.Successful, aws.ToString(s.Id))
		}

		return result, nil
	})
}

// ChangeVisibilityBatch sets the visibility timeout of the given messages,
// postponing their redelivery. Timeouts are rounded down to whole seconds
// and capped at 12 hours.
func (c *Client) ChangeVisibilityBatch(ctx context.Context, entries []pipeline.VisibilityEntry) (pipeline.BatchResult, error) {
	if !c.initialized {
		return pipeline.BatchResult{}, errors.New("SQS client not initialized")
	}

	return runChunked(ctx, c, entries, visibilityEntryID, func(ctx context.Context, chunk []pipeline.VisibilityEntry) (pipeline.BatchResult, error) {
		input := &sqs.ChangeMessageVisibilityBatchInput{
			QueueUrl: &c.queueURL,
			Entries:  make([]sqstypes.ChangeMessageVisibilityBatchRequestEntry, 0, len(chunk)),
		}

		for _, e := range chunk {
			input.Entries = append(input.Entries, sqstypes.ChangeMessageVisibilityBatchRequestEntry{
				Id:                aws.String(e.ID),
				ReceiptHandle:     aws.String(e.Receipt),
				VisibilityTimeout: visibilitySeconds(e.Timeout),
			})
		}

		output, err := c.client.ChangeMessageVisibilityBatch(ctx, input)
		if err != nil {
			return pipeline.BatchResult{}, fmt.Errorf("failed to change SQS message visibility batch: %w", err)
		}

		result := pipeline.BatchResult{Failed: failures(output.Failed)}
		for _, s := range output.Successful {
			result.Successful = append(result.Successful, aws.ToString(s.Id))
		}

		return result, nil
	})
}

// SendBatch writes the given messages to the dead-letter queue. The original
// body is kept; the original message ID and the dead-letter reason are
// added as message attributes. For a FIFO dead-letter queue the data
// partition is used as the message group.
//
// SendBatch requires a dead-letter queue, see [WithDeadLetterQueue].
func (c *Client) SendBatch(ctx context.Context, entries []pipeline.RetryEntry) (pipeline.BatchResult, error) {
	if !c.initialized {
		return pipeline.BatchResult{}, errors.New("SQS client not initialized")
	}

	if c.dlqURL == "" {
		return pipeline.BatchResult{}, errors.New("SQS dead-letter queue not configured")
	}

	fifo := strings.HasSuffix(c.opts.deadLetterQueueName, ".fifo")

	return runChunked(ctx, c, entries, retryEntryID, func(ctx context.Context, chunk []pipeline.RetryEntry) (pipeline.BatchResult, error) {
		input := &sqs.SendMessageBatchInput{
			QueueUrl: &c.dlqURL,
			Entries:  make([]sqstypes.SendMessageBatchRequestEntry, 0, len(chunk)),
		}

		for _, e := range chunk {
			entry := sqstypes.SendMessageBatchRequestEntry{
				Id:                aws.String(e.ID),
				MessageBody:       aws.String(e.Body),
				MessageAttributes: c.deadLetterAttributes(e),
			}

			if fifo {
				groupID := e.Attributes[pipeline.AttrDataPartitionID]
				if groupID == "" {
					groupID = c.opts.deadLetterGroupID
				}

				entry.MessageGroupId = aws.String(groupID)
				entry.MessageDeduplicationId = aws.String(hash(e.MessageID, e.Reason))
			}

			input.Entries = append(input.Entries, entry)
		}

		output, err := c.client.SendMessageBatch(ctx, input)
		if err != nil {
			return pipeline.BatchResult{}, fmt.Errorf("failed to send SQS dead-letter batch: %w", err)
		}

		result := pipeline.BatchResult{Failed: failures(output.Failed)}
		for _, s := range output.Successful {
			result.Successful = append(result.Successful, aws.ToString(s.Id))
		}

		return result, nil
	})
}

// deadLetterAttributes converts the entry's attributes into SQS message
// attributes. SQS allows 10 attributes per message; the reason and original
// message ID always fit, the remaining ones are taken in name order.
func (c *Client) deadLetterAttributes(e pipeline.RetryEntry) map[string]sqstypes.MessageAttributeValue {
	attrs := map[string]sqstypes.MessageAttributeValue{
		originalMessageIDAttribute: stringValue(e.MessageID),
	}

	if e.Reason != "" {
		attrs[reasonAttribute] = stringValue(e.Reason)
	}

	names := make([]string, 0, len(e.Attributes))
	for name, v := range e.Attributes {
		if v != "" {
			names = append(names, name)
		}
	}

	slices.Sort(names)

	for i, name := range names {
		if len(attrs) == maxMessageAttributes {
			c.logger.WithField("message_id", e.MessageID).Infof("Dropping %d message attributes above the SQS limit", len(names)-i)
			break
		}

		if _, reserved := attrs[name]; reserved {
			continue
		}

		attrs[name] = stringValue(e.Attributes[name])
	}

	return attrs
}

// runChunked splits entries into chunks of at most 10 and runs call for each
// chunk. A single chunk runs on the calling goroutine; several chunks run
// concurrently, bounded by the client's semaphore. Entries of a chunk whose
// call failed are reported as failed. An error is returned only when no
// entry succeeded.
func runChunked[T any](ctx context.Context, c *Client, entries []T, id func(T) string, call func(context.Context, []T) (pipeline.BatchResult, error)) (pipeline.BatchResult, error) {
	if len(entries) == 0 {
		return pipeline.BatchResult{}, nil
	}

	if len(entries) <= maxBatchEntries {
		return call(ctx, entries)
	}

	started := time.Now()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result pipeline.BatchResult
		errs   []error
	)

	record := func(chunk []T, r pipeline.BatchResult, err error) {
		mu.Lock()
		defer mu.Unlock()

		if err != nil {
			errs = append(errs, err)

			for _, e := range chunk {
				result.Failed = append(result.Failed, pipeline.BatchFailure{ID: id(e), Code: "RequestFailed", Message: err.Error()})
			}

			return
		}

		result.Successful = append(result.Successful, r.Successful...)
		result.Failed = append(result.Failed, r.Failed...)
	}

	for chunk := range slices.Chunk(entries, maxBatchEntries) {
		wg.Go(func() {
			if err := c.sem.Acquire(ctx, 1); err != nil {
				record(chunk, pipeline.BatchResult{}, err)
				return
			}
			defer c.sem.Release(1)

			r, err := call(ctx, chunk)
			record(chunk, r, err)
		})
	}

	wg.Wait()

	c.logger.WithField("count", len(entries)).WithField("elapsed", time.Since(started)).Debug("Completed chunked SQS batch")

	if len(result.Successful) == 0 && len(errs) > 0 {
		return result, errors.Join(errs...)
	}

	return result, nil
}

func failures(entries []sqstypes.BatchResultErrorEntry) []pipeline.BatchFailure {
	if len(entries) == 0 {
		return nil
	}

	out := make([]pipeline.BatchFailure, 0, len(entries))

	for _, f := range entries {
		out = append(out, pipeline.BatchFailure{
			ID:          aws.ToString(f.Id),
			Code:        aws.ToString(f.Code),
			Message:     aws.ToString(f.Message),
			SenderFault: f.SenderFault,
		})
	}

	return out
}

func visibilitySeconds(d time.Duration) int32 {
	return int32(min(max(d, 0), maxVisibilityTimeout) / time.Second)
}

func stringValue(s string) sqstypes.MessageAttributeValue {
	return sqstypes.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(s),
	}
}

func deleteEntryID(e pipeline.DeleteEntry) string         { return e.ID }
func visibilityEntryID(e pipeline.VisibilityEntry) string { return e.ID }
func retryEntryID(e pipeline.RetryEntry) string           { return e.ID }

func hash(input ...string) string {
	h := sha256.New()

	for _, s := range input {
		h.Write([]byte(s))
		h.Write([]byte{0}) // null byte delimiter to prevent hash collisions
	}

	bs := h.Sum(nil)

	return base64.URLEncoding.EncodeToString(bs)
}
