package mongodb

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/indexerqueue/worker/pipeline"
	"github.com/slackmgr/types"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// UnknownPartition is stored for messages without a data partition attribute.
const UnknownPartition = "unknown"

var errNotConnected = errors.New("mongodb client not connected")

// Record is a dead-lettered message as stored in the collection.
type Record struct {
	ID           string            `bson:"_id"`
	MessageID    string            `bson:"message_id"`
	PartitionID  string            `bson:"partition_id"`
	Body         string            `bson:"body"`
	Attributes   map[string]string `bson:"attributes"`
	Reason       string            `bson:"reason"`
	ReceiveCount int               `bson:"receive_count"`
	CreatedAt    time.Time         `bson:"created_at"`
	ExpiresAt    time.Time         `bson:"expires_at"`
}

// Client is a MongoDB-backed implementation of [pipeline.DeadLetterSink].
//
// Use [New] to create a Client, [Client.Connect] to open the connection and
// [Client.Init] to create the indexes.
type Client struct {
	mongoClient    *mongo.Client
	coll           Collection
	uri            string
	database       string
	collectionName string
	opts           *Options
	logger         types.Logger
}

// New creates a new Client for the given connection URI, database and
// collection. Call [Client.Connect] on the returned client before use.
func New(uri, database, collection string, logger types.Logger, opts ...Option) *Client {
	o := newOptions()

	for _, opt := range opts {
		opt(o)
	}

	return &Client{
		uri:            uri,
		database:       database,
		collectionName: collection,
		opts:           o,
		logger:         logger.WithField("sink", "mongodb").WithField("collection", collection),
	}
}

// Connect opens and pings the MongoDB connection.
func (c *Client) Connect(ctx context.Context) error {
	if c.database == "" {
		return errors.New("database name cannot be empty")
	}

	if c.collectionName == "" {
		return errors.New("collection name cannot be empty")
	}

	if err := c.opts.validate(); err != nil {
		return fmt.Errorf("invalid MongoDB options: %w", err)
	}

	if c.opts.collection != nil {
		c.coll = c.opts.collection
		return nil
	}

	if c.uri == "" {
		return errors.New("connection URI cannot be empty")
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(c.uri))
	if err != nil {
		return fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	c.mongoClient = client
	c.coll = sdkCollection{client.Database(c.database).Collection(c.collectionName)}

	return nil
}

// Init creates the partition index and the TTL index on expires_at.
func (c *Client) Init(ctx context.Context) error {
	if c.coll == nil {
		return errNotConnected
	}

	models := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "partition_id", Value: 1}, {Key: "created_at", Value: 1}},
			Options: options.Index().SetName("partition_created_idx"),
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetName("expires_at_ttl_idx").SetExpireAfterSeconds(0),
		},
	}

	if err := c.coll.CreateIndexes(ctx, models); err != nil {
		return fmt.Errorf("failed to create indexes on collection %s: %w", c.collectionName, err)
	}

	return nil
}

// Close disconnects from MongoDB.
func (c *Client) Close(ctx context.Context) error {
	if c.mongoClient == nil {
		return nil
	}

	err := c.mongoClient.Disconnect(ctx)
	c.mongoClient = nil
	c.coll = nil

	return err
}

// SendBatch stores the entries with one unordered InsertMany call, so a
// failed document does not stop the others.
func (c *Client) SendBatch(ctx context.Context, entries []pipeline.RetryEntry) (pipeline.BatchResult, error) {
	if c.coll == nil {
		return pipeline.BatchResult{}, errNotConnected
	}

	if len(entries) == 0 {
		return pipeline.BatchResult{}, nil
	}

	now := c.opts.clock()
	docs := make([]any, 0, len(entries))

	for _, e := range entries {
		docs = append(docs, c.createRecord(e, now))
	}

	_, err := c.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err == nil {
		result := pipeline.BatchResult{Successful: make([]string, 0, len(entries))}

		for _, e := range entries {
			result.Successful = append(result.Successful, e.ID)
		}

		return result, nil
	}

	var bulkErr mongo.BulkWriteException
	if !errors.As(err, &bulkErr) || len(bulkErr.WriteErrors) == 0 {
		result := pipeline.BatchResult{}

		for _, e := range entries {
			result.Failed = append(result.Failed, pipeline.BatchFailure{
				ID:      e.ID,
				Code:    "RequestFailed",
				Message: err.Error(),
			})
		}

		return result, fmt.Errorf("failed to insert dead letters into MongoDB collection %s: %w", c.collectionName, err)
	}

	writeErrors := make(map[int]mongo.WriteError, len(bulkErr.WriteErrors))

	for _, we := range bulkErr.WriteErrors {
		writeErrors[we.Index] = we.WriteError
	}

	result := pipeline.BatchResult{}

	for i, e := range entries {
		we, failed := writeErrors[i]
		if !failed {
			result.Successful = append(result.Successful, e.ID)
			continue
		}

		result.Failed = append(result.Failed, pipeline.BatchFailure{
			ID:      e.ID,
			Code:    fmt.Sprintf("WriteError%d", we.Code),
			Message: we.Message,
		})
	}

	if len(result.Successful) == 0 {
		return result, fmt.Errorf("failed to insert dead letters into MongoDB collection %s: %w", c.collectionName, err)
	}

	c.logger.Infof("%d of %d dead letters failed to insert", len(result.Failed), len(entries))

	return result, nil
}

// List returns up to limit unexpired records of a data partition, oldest
// first. A limit of zero or less means no limit.
func (c *Client) List(ctx context.Context, partitionID string, limit int) ([]Record, error) {
	if c.coll == nil {
		return nil, errNotConnected
	}

	if partitionID == "" {
		partitionID = UnknownPartition
	}

	filter := bson.M{
		"partition_id": partitionID,
		"expires_at":   bson.M{"$gt": c.opts.clock()},
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}

	cursor, err := c.coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to query MongoDB collection %s: %w", c.collectionName, err)
	}

	defer func() { _ = cursor.Close(ctx) }()

	var records []Record
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode dead letters: %w", err)
	}

	return records, nil
}

// Count returns the number of unexpired records.
func (c *Client) Count(ctx context.Context) (int64, error) {
	if c.coll == nil {
		return 0, errNotConnected
	}

	n, err := c.coll.CountDocuments(ctx, bson.M{"expires_at": bson.M{"$gt": c.opts.clock()}})
	if err != nil {
		return 0, fmt.Errorf("failed to count documents in MongoDB collection %s: %w", c.collectionName, err)
	}

	return n, nil
}

// DropAllData drops the collection.
//
// This method is intended for use in tests only.
func (c *Client) DropAllData(ctx context.Context) error {
	if c.coll == nil {
		return errNotConnected
	}

	return c.coll.Drop(ctx)
}

func (c *Client) createRecord(e pipeline.RetryEntry, now time.Time) Record {
	attrs := maps.Clone(e.Attributes)
	if attrs == nil {
		attrs = map[string]string{}
	}

	delete(attrs, pipeline.AttrAuthorization)

	partition := attrs[pipeline.AttrDataPartitionID]
	if partition == "" {
		partition = attrs[pipeline.AttrAccountID]
	}

	if partition == "" {
		partition = UnknownPartition
	}

	return Record{
		ID:           uuid.NewString(),
		MessageID:    e.MessageID,
		PartitionID:  partition,
		Body:         e.Body,
		Attributes:   attrs,
		Reason:       e.Reason,
		ReceiveCount: e.ReceiveCount,
		CreatedAt:    now,
		ExpiresAt:    now.Add(c.opts.timeToLive),
	}
}
