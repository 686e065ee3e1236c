package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/indexerqueue/worker/pipeline"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var errNotConnected = errors.New("client is not connected")

// UnknownPartition is stored for messages without a data partition attribute.
const UnknownPartition = "unknown"

// pool defines the interface for database operations.
// This interface is satisfied by *pgxpool.Pool and can be mocked for testing.
type pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Close()
	Ping(ctx context.Context) error
}

// Record is a stored dead letter.
type Record struct {
	ID           string
	MessageID    string
	PartitionID  string
	Body         string
	Attributes   map[string]string
	Reason       string
	ReceiveCount int
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Client is a PostgreSQL implementation of [pipeline.DeadLetterSink].
type Client struct {
	conn      pool
	opts      *options
	cancelTTL context.CancelFunc
	clock     func() time.Time
}

func New(opts ...Option) *Client {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	return &Client{opts: o, clock: time.Now}
}

func (c *Client) Connect(ctx context.Context) error {
	// Close existing connection if any to prevent leaks
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	if err := c.opts.validate(); err != nil {
		return fmt.Errorf("invalid Postgres db configuration: %w", err)
	}

	config, err := pgxpool.ParseConfig(c.opts.connectionString())
	if err != nil {
		return fmt.Errorf("failed to parse Postgres db connection string: %w", err)
	}

	if c.opts.poolMaxConnections != nil {
		config.MaxConns = *c.opts.poolMaxConnections
	}

	if c.opts.poolMinConnections != nil {
		config.MinConns = *c.opts.poolMinConnections
	}

	if c.opts.poolMaxConnectionLifetime != nil {
		config.MaxConnLifetime = *c.opts.poolMaxConnectionLifetime
	}

	if c.opts.poolMaxConnectionIdleTime != nil {
		config.MaxConnIdleTime = *c.opts.poolMaxConnectionIdleTime
	}

	if c.opts.poolHealthCheckPeriod != nil {
		config.HealthCheckPeriod = *c.opts.poolHealthCheckPeriod
	}

	conn, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to create new Postgres connection pool: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("failed to ping Postgres db: %w", err)
	}

	c.conn = conn

	return nil
}

func (c *Client) Close(_ context.Context) error {
	if c.cancelTTL != nil {
		c.cancelTTL()
		c.cancelTTL = nil
	}

	if c.conn == nil {
		return nil
	}

	c.conn.Close()

	c.conn = nil

	return nil
}

// Init creates the dead letters table and its indexes, verifies the column
// types unless skipSchemaValidation is set, and starts the TTL cleanup.
func (c *Client) Init(ctx context.Context, skipSchemaValidation bool) error {
	if c.conn == nil {
		return errNotConnected
	}

	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin init transaction: %w", err)
	}

	defer func() { _ = tx.Rollback(ctx) }() // No-op if committed

	for _, sql := range c.opts.createStatements() {
		if _, err := tx.Exec(ctx, sql); err != nil {
			return fmt.Errorf("failed to execute create statement: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit init transaction: %w", err)
	}

	if !skipSchemaValidation {
		if err := c.verifySchema(ctx); err != nil {
			return err
		}
	}

	if c.cancelTTL == nil && c.opts.ttlCleanupInterval != nil {
		ttlCtx, cancel := context.WithCancel(context.Background())
		c.cancelTTL = cancel

		//nolint:contextcheck // The TTL goroutine must outlive the Init call.
		go c.runTTLCleanup(ttlCtx)
	}

	return nil
}

func (c *Client) verifySchema(ctx context.Context) error {
	query := "SELECT table_name, column_name, data_type, is_nullable FROM information_schema.columns WHERE table_schema = 'public' AND table_name = $1 ORDER BY ordinal_position"

	rows, err := c.conn.Query(ctx, query, c.opts.deadLettersTable)
	if err != nil {
		return fmt.Errorf("failed to query information schema: %w", err)
	}

	defer rows.Close()

	infoRows := map[string]*dbRow{}

	for rows.Next() {
		var table, column string
		infoRow := &dbRow{}

		if err := rows.Scan(&table, &column, &infoRow.DataType, &infoRow.IsNullable); err != nil {
			return fmt.Errorf("failed to scan row from information schema: %w", err)
		}

		infoRows[table+"."+column] = infoRow
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating over rows from information schema: %w", err)
	}

	if err := c.opts.verifySchema(infoRows); err != nil {
		return fmt.Errorf("failed to verify database schema: %w", err)
	}

	return nil
}

// DropAllData drops the dead letters table.
//
// This method is intended for use in tests only.
func (c *Client) DropAllData(ctx context.Context) error {
	if c.conn == nil {
		return errNotConnected
	}

	for _, sql := range c.opts.dropStatements() {
		if _, err := c.conn.Exec(ctx, sql); err != nil {
			return fmt.Errorf("failed to execute drop statement: %w", err)
		}
	}

	return nil
}

// SendBatch inserts one row per entry in a single round trip. Each entry
// succeeds or fails on its own result.
func (c *Client) SendBatch(ctx context.Context, entries []pipeline.RetryEntry) (pipeline.BatchResult, error) {
	if c.conn == nil {
		return pipeline.BatchResult{}, errNotConnected
	}

	if len(entries) == 0 {
		return pipeline.BatchResult{}, nil
	}

	now := c.clock()
	batch := &pgx.Batch{}

	for _, e := range entries {
		sql, args, err := c.getInsertSQL(e, now)
		if err != nil {
			return pipeline.BatchResult{}, err
		}

		batch.Queue(sql, args...)
	}

	results := c.conn.SendBatch(ctx, batch)

	defer func() { _ = results.Close() }()

	result := pipeline.BatchResult{}
	var lastErr error

	for _, e := range entries {
		if _, err := results.Exec(); err != nil {
			lastErr = err

			result.Failed = append(result.Failed, pipeline.BatchFailure{
				ID:      e.ID,
				Code:    "InsertFailed",
				Message: fmt.Sprintf("failed to insert dead letter in Postgres db: %v", err),
			})

			continue
		}

		result.Successful = append(result.Successful, e.ID)
	}

	if len(result.Successful) == 0 {
		return result, fmt.Errorf("failed to insert dead letters in Postgres db: %w", lastErr)
	}

	return result, nil
}

// List returns up to limit unexpired records of a data partition, oldest
// first. A limit of zero or less means no limit.
func (c *Client) List(ctx context.Context, partitionID string, limit int) ([]Record, error) {
	if c.conn == nil {
		return nil, errNotConnected
	}

	if partitionID == "" {
		partitionID = UnknownPartition
	}

	query := fmt.Sprintf("SELECT id, message_id, partition_id, body, attrs, reason, receive_count, created_at, expires_at FROM %s WHERE partition_id = $1 AND expires_at > NOW() ORDER BY created_at, id", c.opts.deadLettersTable)
	args := []any{partitionID}

	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := c.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters in Postgres db: %w", err)
	}

	defer rows.Close()

	var records []Record

	for rows.Next() {
		var r Record
		var attrs []byte

		if err := rows.Scan(&r.ID, &r.MessageID, &r.PartitionID, &r.Body, &attrs, &r.Reason, &r.ReceiveCount, &r.CreatedAt, &r.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter row: %w", err)
		}

		if err := json.Unmarshal(attrs, &r.Attributes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter attributes: %w", err)
		}

		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over dead letter rows: %w", err)
	}

	return records, nil
}

// Count returns the number of unexpired records.
func (c *Client) Count(ctx context.Context) (int64, error) {
	if c.conn == nil {
		return 0, errNotConnected
	}

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE expires_at > NOW()", c.opts.deadLettersTable)

	var n int64
	if err := c.conn.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count dead letters in Postgres db: %w", err)
	}

	return n, nil
}

func (c *Client) getInsertSQL(e pipeline.RetryEntry, now time.Time) (string, []any, error) {
	attrs := maps.Clone(e.Attributes)
	if attrs == nil {
		attrs = map[string]string{}
	}

	delete(attrs, pipeline.AttrAuthorization)

	body, err := json.Marshal(attrs)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal attributes: %w", err)
	}

	partition := attrs[pipeline.AttrDataPartitionID]
	if partition == "" {
		partition = attrs[pipeline.AttrAccountID]
	}

	if partition == "" {
		partition = UnknownPartition
	}

	param1 := uuid.NewString()
	param2 := DeadLetterModelVersion
	param3 := e.MessageID
	param4 := partition
	param5 := e.Body
	param6 := string(body)
	param7 := e.Reason
	param8 := e.ReceiveCount
	param9 := now
	param10 := now.Add(c.opts.timeToLive)

	statement := fmt.Sprintf("INSERT INTO %s (id, version, message_id, partition_id, body, attrs, reason, receive_count, created_at, expires_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)", c.opts.deadLettersTable)
	args := []any{param1, param2, param3, param4, param5, param6, param7, param8, param9, param10}

	return statement, args, nil
}

func (c *Client) runTTLCleanup(ctx context.Context) {
	ticker := time.NewTicker(*c.opts.ttlCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.deleteExpiredRows(ctx)
		}
	}
}

func (c *Client) deleteExpiredRows(ctx context.Context) {
	_, _ = c.conn.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE expires_at < NOW()", c.opts.deadLettersTable))
}
