package sqs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/indexerqueue/worker/pipeline"
	"github.com/slackmgr/types"
	"golang.org/x/sync/semaphore"
)

const (
	// maxBatchEntries is the SQS limit on entries per batch call.
	maxBatchEntries = 10

	maxReceiveMessages    = 10
	maxReceiveWaitTime    = 20 * time.Second
	maxVisibilityTimeout  = 12 * time.Hour
	receiveCountAttribute = string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)
)

// Client is an SQS implementation of [pipeline.Queue]. When a dead-letter
// queue is configured it also implements [pipeline.DeadLetterSink].
//
// Create a Client with [New], then call [Client.Init] once before any other
// method. Init is not thread-safe; all other methods are safe for concurrent
// use after Init returns.
type Client struct {
	client      sqsClient
	queueName   string
	queueURL    string
	dlqURL      string
	awsCfg      *aws.Config
	opts        *Options
	sem         *semaphore.Weighted
	logger      types.Logger
	initialized bool
}

// New creates a Client configured to consume from the named SQS queue.
//
// Functional options may be passed to override defaults (see With* functions).
// The logger is automatically enriched with "queue" and "queue_name" fields.
//
// New does not connect to AWS. Call [Client.Init] to resolve the queue URLs.
func New(awsCfg *aws.Config, queueName string, logger types.Logger, opts ...Option) *Client {
	options := newOptions()

	for _, o := range opts {
		o(options)
	}

	logger = logger.
		WithField("queue", "sqs").
		WithField("queue_name", queueName)

	return &Client{
		awsCfg:    awsCfg,
		queueName: queueName,
		opts:      options,
		logger:    logger,
	}
}

// Init initializes the Client: validates options and resolves the queue URL,
// and the dead-letter queue URL when one is configured, via GetQueueUrl.
// It returns the receiver so that initialization can be chained with [New]:
//
//	client, err := sqs.New(&awsCfg, "records-changed", logger).Init(ctx)
//
// Init is idempotent. It is not thread-safe and must be called once during
// application startup before any concurrent access.
func (c *Client) Init(ctx context.Context) (*Client, error) {
	if c.initialized {
		return c, nil
	}

	if c.queueName == "" {
		return nil, errors.New("SQS queue name cannot be empty")
	}

	if err := c.opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid SQS options: %w", err)
	}

	// Use injected client if provided (for testing), otherwise create real client
	if c.opts.sqsClient != nil {
		c.client = c.opts.sqsClient
	} else {
		c.client = sqs.NewFromConfig(*c.awsCfg, func(o *sqs.Options) {
			o.Retryer = retry.AddWithMaxBackoffDelay(o.Retryer, c.opts.sqsAPIMaxRetryBackoffDelay)
			o.Retryer = retry.AddWithMaxAttempts(o.Retryer, c.opts.sqsAPIMaxRetryAttempts)
		})
	}

	queueURL, err := c.getQueueURL(ctx, c.queueName)
	if err != nil {
		return nil, err
	}

	if c.opts.deadLetterQueueName != "" {
		if c.dlqURL, err = c.getQueueURL(ctx, c.opts.deadLetterQueueName); err != nil {
			return nil, err
		}
	}

	c.queueURL = queueURL
	c.sem = semaphore.NewWeighted(int64(c.opts.maxConcurrentBatchCalls))
	c.initialized = true

	return c, nil
}

func (c *Client) getQueueURL(ctx context.Context, name string) (string, error) {
	resp, err := c.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return "", fmt.Errorf("failed to get SQS queue URL for %s: %w", name, err)
	}

	return aws.ToString(resp.QueueUrl), nil
}

// Name returns the SQS queue name supplied to [New].
func (c *Client) Name() string {
	return c.queueName
}

// Receive performs one ReceiveMessage call and converts the result into
// pipeline messages. maxMessages is capped at 10 and waitTime at 20 seconds.
// Only string message attributes are kept.
//
// Receive requires [Client.Init] to have been called successfully.
func (c *Client) Receive(ctx context.Context, maxMessages int, waitTime time.Duration) ([]*pipeline.Message, error) {
	if !c.initialized {
		return nil, errors.New("SQS client not initialized")
	}

	input := &sqs.ReceiveMessageInput{
		QueueUrl:                    &c.queueURL,
		MaxNumberOfMessages:         int32(min(max(maxMessages, 1), maxReceiveMessages)), //nolint:gosec // Bounded above
		VisibilityTimeout:           c.opts.sqsVisibilityTimeoutSeconds,
		WaitTimeSeconds:             int32(min(max(waitTime, 0), maxReceiveWaitTime) / time.Second),
		MessageAttributeNames:       []string{"All"},
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{sqstypes.MessageSystemAttributeNameApproximateReceiveCount},
	}

	c.logger.WithField("wait_time", input.WaitTimeSeconds).Debug("Reading SQS queue")

	output, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to receive SQS messages: %w", err)
	}

	now := time.Now()
	msgs := make([]*pipeline.Message, 0, len(output.Messages))

	for _, m := range output.Messages {
		msgs = append(msgs, &pipeline.Message{
			ID:           aws.ToString(m.MessageId),
			Receipt:      aws.ToString(m.ReceiptHandle),
			Body:         aws.ToString(m.Body),
			Attributes:   stringAttributes(m.MessageAttributes),
			ReceiveCount: pipeline.ParseReceiveCount(m.Attributes[receiveCountAttribute]),
			ReceivedAt:   now,
		})
	}

	return msgs, nil
}

func stringAttributes(attrs map[string]sqstypes.MessageAttributeValue) map[string]string {
	out := make(map[string]string, len(attrs))

	for k, v := range attrs {
		if v.StringValue == nil {
			continue
		}

		if dt := aws.ToString(v.DataType); dt != "" && !strings.HasPrefix(dt, "String") && !strings.HasPrefix(dt, "Number") {
			continue
		}

		out[k] = *v.StringValue
	}

	return out
}
