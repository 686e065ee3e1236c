package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/indexerqueue/worker/pipeline"
	"github.com/redis/go-redis/v9"
	"github.com/slackmgr/types"
)

// maxReceiveMessages caps a single Receive call, matching the SQS limit so
// that the pipeline can be tuned the same way for every backend.
const maxReceiveMessages = 10

// Queue is a Redis implementation of [pipeline.Queue].
//
// Messages wait in a list. A received message moves to a sorted set scored
// by the time it becomes visible again, and its payload is kept in a hash
// under a fresh receipt. Every Receive call first returns expired in-flight
// messages to the list.
type Queue struct {
	client      redis.UniversalClient
	name        string
	keys        []string
	opts        *Options
	logger      types.Logger
	initialized bool
}

// envelope is the JSON form of a queued message.
type envelope struct {
	ID         string            `json:"id"`
	Body       string            `json:"body"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func New(client redis.UniversalClient, name string, logger types.Logger, opts ...Option) *Queue {
	options := newOptions()

	for _, o := range opts {
		o(options)
	}

	return &Queue{
		client: client,
		name:   name,
		opts:   options,
		logger: logger.WithField("queue", "redis").WithField("queue_name", name),
	}
}

func (q *Queue) Init(ctx context.Context) (*Queue, error) {
	if q.initialized {
		return q, nil
	}

	if q.client == nil {
		return nil, errors.New("redis client cannot be nil")
	}

	if q.name == "" {
		return nil, errors.New("redis queue name cannot be empty")
	}

	if err := q.opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid redis queue options: %w", err)
	}

	if err := q.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	base := q.opts.keyPrefix + ":" + q.name
	q.keys = []string{base, base + ":inflight", base + ":payloads", base + ":receives", base + ":malformed"}

	q.initialized = true

	return q, nil
}

func (q *Queue) Name() string {
	return q.name
}

// Send appends a message to the queue. The worker itself never sends; this
// is used by producers and tests.
func (q *Queue) Send(ctx context.Context, id, body string, attributes map[string]string) error {
	if !q.initialized {
		return errors.New("redis queue not initialized")
	}

	if id == "" {
		id = uuid.NewString()
	}

	payload, err := json.Marshal(envelope{ID: id, Body: body, Attributes: attributes})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := q.client.LPush(ctx, q.keys[0], payload).Err(); err != nil {
		return fmt.Errorf("failed to push message to redis list %s: %w", q.keys[0], err)
	}

	return nil
}

// Receive returns up to maxMessages messages, polling an empty queue until
// waitTime has elapsed.
func (q *Queue) Receive(ctx context.Context, maxMessages int, waitTime time.Duration) ([]*pipeline.Message, error) {
	if !q.initialized {
		return nil, errors.New("redis queue not initialized")
	}

	maxMessages = max(1, min(maxMessages, maxReceiveMessages))
	deadline := time.Now().Add(waitTime)

	for {
		msgs, err := q.pop(ctx, maxMessages)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(min(remaining, q.opts.pollInterval)):
		}
	}
}

func (q *Queue) pop(ctx context.Context, maxMessages int) ([]*pipeline.Message, error) {
	now := q.opts.clock()

	args := make([]any, 0, maxMessages+2)
	args = append(args, now.UnixMilli(), now.Add(q.opts.visibilityTimeout).UnixMilli())

	for range maxMessages {
		args = append(args, uuid.NewString())
	}

	res, err := receiveScript.Run(ctx, q.client, q.keys, args...).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to receive messages from redis queue %s: %w", q.name, err)
	}

	msgs := make([]*pipeline.Message, 0, len(res)/3)

	var malformed []any

	for i := 0; i+2 < len(res); i += 3 {
		receipt, _ := res[i].(string)
		payload, _ := res[i+1].(string)
		count, _ := res[i+2].(int64)

		var e envelope
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			q.logger.WithField("receipt", receipt).Errorf("Failed to unmarshal redis message, moving it to %s: %v", q.keys[4], err)
			malformed = append(malformed, receipt)

			continue
		}

		msgs = append(msgs, &pipeline.Message{
			ID:           e.ID,
			Receipt:      receipt,
			Body:         e.Body,
			Attributes:   e.Attributes,
			ReceiveCount: int(count),
			ReceivedAt:   now,
		})
	}

	if len(malformed) > 0 {
		if err := quarantineScript.Run(ctx, q.client, q.keys, malformed...).Err(); err != nil {
			// Left in flight; the next attempt happens after the visibility timeout.
			q.logger.Errorf("Failed to move %d malformed messages out of redis queue %s: %v", len(malformed), q.name, err)
		}
	}

	return msgs, nil
}

func (q *Queue) DeleteBatch(ctx context.Context, entries []pipeline.DeleteEntry) (pipeline.BatchResult, error) {
	if !q.initialized {
		return pipeline.BatchResult{}, errors.New("redis queue not initialized")
	}

	if len(entries) == 0 {
		return pipeline.BatchResult{}, nil
	}

	args := make([]any, len(entries))
	for i, e := range entries {
		args[i] = e.Receipt
	}

	flags, err := deleteScript.Run(ctx, q.client, q.keys, args...).Int64Slice()
	if err != nil {
		return pipeline.BatchResult{}, fmt.Errorf("failed to delete messages from redis queue %s: %w", q.name, err)
	}

	return batchResult(flags, func(i int) string { return entries[i].ID }), nil
}

// ChangeVisibilityBatch sets when each message is handed out again. A zero
// timeout makes it available to the next Receive call.
func (q *Queue) ChangeVisibilityBatch(ctx context.Context, entries []pipeline.VisibilityEntry) (pipeline.BatchResult, error) {
	if !q.initialized {
		return pipeline.BatchResult{}, errors.New("redis queue not initialized")
	}

	if len(entries) == 0 {
		return pipeline.BatchResult{}, nil
	}

	now := q.opts.clock()
	args := make([]any, 0, len(entries)*2)

	for _, e := range entries {
		args = append(args, e.Receipt, strconv.FormatInt(now.Add(max(0, e.Timeout)).UnixMilli(), 10))
	}

	flags, err := visibilityScript.Run(ctx, q.client, q.keys, args...).Int64Slice()
	if err != nil {
		return pipeline.BatchResult{}, fmt.Errorf("failed to change visibility in redis queue %s: %w", q.name, err)
	}

	return batchResult(flags, func(i int) string { return entries[i].ID }), nil
}

// Depth returns the number of waiting and in-flight messages.
func (q *Queue) Depth(ctx context.Context) (waiting int64, inFlight int64, err error) {
	pipe := q.client.Pipeline()
	llen := pipe.LLen(ctx, q.keys[0])
	zcard := pipe.ZCard(ctx, q.keys[1])

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("failed to read depth of redis queue %s: %w", q.name, err)
	}

	return llen.Val(), zcard.Val(), nil
}

func batchResult(flags []int64, id func(i int) string) pipeline.BatchResult {
	result := pipeline.BatchResult{}

	for i, flag := range flags {
		if flag == 1 {
			result.Successful = append(result.Successful, id(i))
			continue
		}

		result.Failed = append(result.Failed, pipeline.BatchFailure{
			ID:          id(i),
			Code:        "ReceiptHandleIsInvalid",
			Message:     "message is not in flight",
			SenderFault: true,
		})
	}

	return result
}
