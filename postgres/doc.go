// Package postgres provides a PostgreSQL-backed dead-letter store that
// satisfies the pipeline.DeadLetterSink interface.
//
// It uses pgx v5 with connection pooling (pgxpool). Each dead letter is
// one row in a single table; a batch is written with one pgx.Batch round
// trip and every entry gets its own result.
//
// # Usage
//
//	client := postgres.New(
//	    postgres.WithHost("localhost"),
//	    postgres.WithUser("postgres"),
//	    postgres.WithPassword("secret"),
//	    postgres.WithDatabase("indexer"),
//	)
//
//	if err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close(ctx)
//
//	if err := client.Init(ctx, false); err != nil {
//	    log.Fatal(err)
//	}
//
// # Table
//
// [Client.Init] creates the table (default dead_letters, see
// [WithDeadLettersTable]) with indexes on (partition_id, created_at),
// message_id and expires_at. The authorization attribute is never stored.
// Messages without a data-partition-id fall back to account-id and then to
// [UnknownPartition].
//
// # TTL and Cleanup
//
// Rows expire after [WithTimeToLive] (default 14 days). Expired rows are
// excluded from [Client.List] and [Client.Count], and a background goroutine
// deletes them every hour unless changed with [WithTTLCleanupInterval] or
// disabled with [WithTTLCleanupDisabled].
//
// # Schema Validation
//
// When [Client.Init] is called with skipSchemaValidation set to false, it
// queries information_schema.columns and verifies that every expected column
// exists with the correct data type and nullability.
package postgres
