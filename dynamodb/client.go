package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/indexerqueue/worker/pipeline"
	"github.com/slackmgr/types"
)

const (
	// PartitionKey is the DynamoDB partition key attribute name. It holds the
	// data partition of the dead-lettered message.
	PartitionKey = "pk"

	// SortKey is the DynamoDB sort key attribute name.
	SortKey = "sk"

	MessageIDAttr    = "message_id"
	BodyAttr         = "body"
	AttributesAttr   = "attributes"
	ReasonAttr       = "reason"
	ReceiveCountAttr = "receive_count"
	CreatedAtAttr    = "created_at"

	// TTLAttr is the attribute name used for DynamoDB TTL-based expiration. The
	// table must have TTL enabled on this attribute.
	TTLAttr = "ttl"

	// UnknownPartition is the partition key of messages without a data
	// partition attribute.
	UnknownPartition = "unknown"

	sortKeyPrefix = "DEADLETTER#"

	// maxBatchWriteItems is the BatchWriteItem request limit.
	maxBatchWriteItems = 25

	// maxBackoff is the maximum backoff duration for retry loops.
	maxBackoff = 2 * time.Second
)

// Record is a dead-lettered message as stored in the table.
type Record struct {
	PartitionID  string
	MessageID    string
	Body         string
	Attributes   map[string]string
	Reason       string
	ReceiveCount int
	CreatedAt    time.Time
}

// Client is a DynamoDB-backed implementation of [pipeline.DeadLetterSink].
// Every dead-lettered message becomes one item, keyed by its data partition
// and a time-ordered sort key.
//
// Use [New] to create a Client, [Client.Connect] to initialize the underlying
// DynamoDB connection, and [Client.Init] to validate the table schema.
type Client struct {
	client    API
	tableName string
	awsCfg    *aws.Config
	opts      *Options
	logger    types.Logger
}

// New creates a new Client configured with the given AWS config, table name,
// and optional options. Call [Client.Connect] on the returned client before use.
func New(awsCfg *aws.Config, tableName string, logger types.Logger, opts ...Option) *Client {
	options := newOptions()

	for _, o := range opts {
		o(options)
	}

	return &Client{
		awsCfg:    awsCfg,
		tableName: tableName,
		opts:      options,
		logger:    logger.WithField("sink", "dynamodb").WithField("table", tableName),
	}
}

// Connect initializes the DynamoDB client from the AWS config provided to [New].
// It must be called before any other Client methods.
func (c *Client) Connect() error {
	if c.tableName == "" {
		return errors.New("table name cannot be empty")
	}

	if err := c.opts.validate(); err != nil {
		return fmt.Errorf("invalid DynamoDB options: %w", err)
	}

	if c.opts.dynamoDBAPI != nil {
		c.client = c.opts.dynamoDBAPI
	} else {
		if c.awsCfg == nil {
			return errors.New("aws config cannot be nil")
		}

		c.client = dynamodb.NewFromConfig(*c.awsCfg)
	}

	return nil
}

// Init validates the DynamoDB table schema. It checks that the table exists
// and is active, has the partition key pk and sort key sk, and has TTL
// enabled on the ttl attribute.
//
// Pass skipSchemaValidation true to skip all checks and return immediately.
func (c *Client) Init(ctx context.Context, skipSchemaValidation bool) error {
	if c.client == nil {
		return errors.New("dynamodb client not connected")
	}

	if skipSchemaValidation {
		return nil
	}

	response, err := c.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(c.tableName),
	})
	if err != nil {
		var notFoundError *dynamodbtypes.ResourceNotFoundException
		if errors.As(err, &notFoundError) {
			return fmt.Errorf("table %s does not exist", c.tableName)
		}

		return fmt.Errorf("failed to describe table %s: %w", c.tableName, err)
	}

	if response.Table == nil || len(response.Table.KeySchema) < 1 {
		return fmt.Errorf("table %s has no key schema", c.tableName)
	}

	if name := aws.ToString(response.Table.KeySchema[0].AttributeName); name != PartitionKey {
		return fmt.Errorf("table %s has partition key %s, expected %s", c.tableName, name, PartitionKey)
	}

	if len(response.Table.KeySchema) < 2 {
		return fmt.Errorf("table %s has a simple primary key, expected composite", c.tableName)
	}

	if name := aws.ToString(response.Table.KeySchema[1].AttributeName); name != SortKey {
		return fmt.Errorf("table %s has sort key %s, expected %s", c.tableName, name, SortKey)
	}

	if response.Table.TableStatus != dynamodbtypes.TableStatusActive {
		return fmt.Errorf("table %s is not active (status: %s)", c.tableName, response.Table.TableStatus)
	}

	ttlResponse, err := c.client.DescribeTimeToLive(ctx, &dynamodb.DescribeTimeToLiveInput{
		TableName: aws.String(c.tableName),
	})
	if err != nil {
		return fmt.Errorf("failed to describe TTL of table %s: %w", c.tableName, err)
	}

	ttl := ttlResponse.TimeToLiveDescription
	if ttl == nil {
		return fmt.Errorf("table %s has no TTL description", c.tableName)
	}

	if ttl.TimeToLiveStatus != dynamodbtypes.TimeToLiveStatusEnabled {
		return fmt.Errorf("table %s has TTL status %s (expected %s)", c.tableName, ttl.TimeToLiveStatus, dynamodbtypes.TimeToLiveStatusEnabled)
	}

	if name := aws.ToString(ttl.AttributeName); name != TTLAttr {
		return fmt.Errorf("TTL attribute name for table %s is %s, expected %s", c.tableName, name, TTLAttr)
	}

	return nil
}

// SendBatch stores the given entries, 25 items per BatchWriteItem call.
// Items DynamoDB leaves unprocessed are retried with exponential backoff;
// those still unprocessed after the last retry are reported as failed.
func (c *Client) SendBatch(ctx context.Context, entries []pipeline.RetryEntry) (pipeline.BatchResult, error) {
	if c.client == nil {
		return pipeline.BatchResult{}, errors.New("dynamodb client not connected")
	}

	result := pipeline.BatchResult{}
	now := c.opts.clock()
	var lastErr error

	for chunk := range slices.Chunk(entries, maxBatchWriteItems) {
		// Sort key to entry id, used to map unprocessed items back.
		ids := make(map[string]string, len(chunk))
		requests := make([]dynamodbtypes.WriteRequest, 0, len(chunk))

		for _, e := range chunk {
			item := c.createItem(e, now)
			ids[getStringValue(item[SortKey])] = e.ID

			requests = append(requests, dynamodbtypes.WriteRequest{
				PutRequest: &dynamodbtypes.PutRequest{Item: item},
			})
		}

		unprocessed, err := c.batchWrite(ctx, requests)
		if err != nil {
			lastErr = err

			for _, e := range chunk {
				result.Failed = append(result.Failed, pipeline.BatchFailure{
					ID:      e.ID,
					Code:    "RequestFailed",
					Message: err.Error(),
				})
			}

			continue
		}

		failed := make(map[string]bool, len(unprocessed))

		for _, r := range unprocessed {
			if r.PutRequest != nil {
				failed[ids[getStringValue(r.PutRequest.Item[SortKey])]] = true
			}
		}

		for _, e := range chunk {
			if failed[e.ID] {
				result.Failed = append(result.Failed, pipeline.BatchFailure{
					ID:      e.ID,
					Code:    "UnprocessedItem",
					Message: fmt.Sprintf("item still unprocessed after %d retries", c.opts.maxWriteRetries),
				})

				continue
			}

			result.Successful = append(result.Successful, e.ID)
		}
	}

	if len(result.Successful) == 0 && lastErr != nil {
		return result, lastErr
	}

	return result, nil
}

// batchWrite runs a single BatchWriteItem call and retries unprocessed items.
// It returns the items still unprocessed after the last retry.
func (c *Client) batchWrite(ctx context.Context, requests []dynamodbtypes.WriteRequest) ([]dynamodbtypes.WriteRequest, error) {
	input := &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]dynamodbtypes.WriteRequest{
			c.tableName: requests,
		},
	}

	backoff := c.opts.initialBackoff

	for attempt := 0; ; attempt++ {
		output, err := c.client.BatchWriteItem(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to batch write dead letters to DynamoDB table %s: %w", c.tableName, err)
		}

		unprocessed := output.UnprocessedItems[c.tableName]
		if len(unprocessed) == 0 {
			return nil, nil
		}

		if attempt == c.opts.maxWriteRetries {
			c.logger.Errorf("%d unprocessed items after %d retries", len(unprocessed), attempt)
			return unprocessed, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, maxBackoff)
		input.RequestItems = output.UnprocessedItems
	}
}

// List returns up to limit records of a data partition, oldest first.
func (c *Client) List(ctx context.Context, partitionID string, limit int) ([]Record, error) {
	if c.client == nil {
		return nil, errors.New("dynamodb client not connected")
	}

	if partitionID == "" {
		partitionID = UnknownPartition
	}

	input := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("#pk = :pk AND begins_with(#sk, :prefix)"),
		ExpressionAttributeNames: map[string]string{
			"#pk": PartitionKey,
			"#sk": SortKey,
		},
		ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{
			":pk":     &dynamodbtypes.AttributeValueMemberS{Value: partitionID},
			":prefix": &dynamodbtypes.AttributeValueMemberS{Value: sortKeyPrefix},
		},
	}

	var records []Record

	for {
		if limit > 0 {
			input.Limit = aws.Int32(int32(min(limit-len(records), 1000))) //nolint:gosec
		}

		output, err := c.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to query DynamoDB table %s: %w", c.tableName, err)
		}

		for _, item := range output.Items {
			records = append(records, parseItem(item))
		}

		if output.LastEvaluatedKey == nil || (limit > 0 && len(records) >= limit) {
			return records, nil
		}

		input.ExclusiveStartKey = output.LastEvaluatedKey
	}
}

// DropAllData deletes every item from the DynamoDB table.
//
// This method is intended for use in tests only. Do not call it in production.
func (c *Client) DropAllData(ctx context.Context) error {
	input := &dynamodb.ScanInput{
		TableName:            aws.String(c.tableName),
		ProjectionExpression: aws.String("#pk, #sk"),
		ExpressionAttributeNames: map[string]string{
			"#pk": PartitionKey,
			"#sk": SortKey,
		},
	}

	for {
		output, err := c.client.Scan(ctx, input)
		if err != nil {
			return fmt.Errorf("failed to scan DynamoDB table %s: %w", c.tableName, err)
		}

		for batch := range slices.Chunk(output.Items, maxBatchWriteItems) {
			requests := make([]dynamodbtypes.WriteRequest, 0, len(batch))

			for _, item := range batch {
				requests = append(requests, dynamodbtypes.WriteRequest{
					DeleteRequest: &dynamodbtypes.DeleteRequest{
						Key: map[string]dynamodbtypes.AttributeValue{
							PartitionKey: item[PartitionKey],
							SortKey:      item[SortKey],
						},
					},
				})
			}

			unprocessed, err := c.batchWrite(ctx, requests)
			if err != nil {
				return err
			}

			if len(unprocessed) > 0 {
				return fmt.Errorf("%d unprocessed items in DropAllData", len(unprocessed))
			}
		}

		if output.LastEvaluatedKey == nil {
			return nil
		}

		input.ExclusiveStartKey = output.LastEvaluatedKey
	}
}

func (c *Client) createItem(e pipeline.RetryEntry, now time.Time) map[string]dynamodbtypes.AttributeValue {
	partition := e.Attributes[pipeline.AttrDataPartitionID]
	if partition == "" {
		partition = e.Attributes[pipeline.AttrAccountID]
	}

	if partition == "" {
		partition = UnknownPartition
	}

	item := map[string]dynamodbtypes.AttributeValue{
		PartitionKey:     &dynamodbtypes.AttributeValueMemberS{Value: partition},
		SortKey:          &dynamodbtypes.AttributeValueMemberS{Value: buildSortKey(now, e.ID)},
		MessageIDAttr:    &dynamodbtypes.AttributeValueMemberS{Value: e.MessageID},
		BodyAttr:         &dynamodbtypes.AttributeValueMemberS{Value: e.Body},
		ReceiveCountAttr: &dynamodbtypes.AttributeValueMemberN{Value: strconv.Itoa(e.ReceiveCount)},
		CreatedAtAttr:    &dynamodbtypes.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339Nano)},
		TTLAttr:          &dynamodbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(c.opts.timeToLive).Unix(), 10)},
	}

	if e.Reason != "" {
		item[ReasonAttr] = &dynamodbtypes.AttributeValueMemberS{Value: e.Reason}
	}

	if len(e.Attributes) > 0 {
		attrs := make(map[string]dynamodbtypes.AttributeValue, len(e.Attributes))

		for k, v := range e.Attributes {
			// The token is not kept at rest.
			if k == pipeline.AttrAuthorization {
				continue
			}

			attrs[k] = &dynamodbtypes.AttributeValueMemberS{Value: v}
		}

		item[AttributesAttr] = &dynamodbtypes.AttributeValueMemberM{Value: attrs}
	}

	return item
}

func parseItem(item map[string]dynamodbtypes.AttributeValue) Record {
	r := Record{
		PartitionID: getStringValue(item[PartitionKey]),
		MessageID:   getStringValue(item[MessageIDAttr]),
		Body:        getStringValue(item[BodyAttr]),
		Reason:      getStringValue(item[ReasonAttr]),
	}

	if n, ok := item[ReceiveCountAttr].(*dynamodbtypes.AttributeValueMemberN); ok {
		r.ReceiveCount, _ = strconv.Atoi(n.Value)
	}

	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, getStringValue(item[CreatedAtAttr]))

	if m, ok := item[AttributesAttr].(*dynamodbtypes.AttributeValueMemberM); ok {
		r.Attributes = make(map[string]string, len(m.Value))

		for k, v := range m.Value {
			r.Attributes[k] = getStringValue(v)
		}
	}

	return r
}

// buildSortKey orders items by time within a partition. The entry id keeps
// keys unique within a batch.
func buildSortKey(t time.Time, entryID string) string {
	return sortKeyPrefix + fmt.Sprintf("%020d", t.UnixNano()) + "#" + strings.ReplaceAll(entryID, "#", "")
}

// getStringValue extracts the string value from a DynamoDB AttributeValue.
// It returns an empty string if the AttributeValue is not of type AttributeValueMemberS.
func getStringValue(attr dynamodbtypes.AttributeValue) string {
	if attrValue, ok := attr.(*dynamodbtypes.AttributeValueMemberS); ok {
		return attrValue.Value
	}

	return ""
}
