// Package dynamodb provides a DynamoDB dead-letter store for the indexer
// queue worker. [Client] implements [pipeline.DeadLetterSink].
//
// # Table
//
// Every dead-lettered message is one item. The partition key ("pk") is the
// message's data partition, or [UnknownPartition] when it has none. The sort
// key ("sk") is
//
//	DEADLETTER#<unix nanoseconds, zero padded>#<entry id>
//
// so [Client.List] returns a partition's messages oldest first. Items carry
// the body, the message attributes without the authorization token, the
// dead-letter reason and the receive count. The table must have TTL enabled
// on the "ttl" attribute; items expire after 14 days by default, see
// [WithTimeToLive].
//
// # Getting Started
//
//	client := dynamodb.New(&awsCfg, tableName, logger)
//
//	if err := client.Connect(); err != nil {
//	    return err
//	}
//
//	if err := client.Init(ctx, false); err != nil {
//	    return err
//	}
//
// # Writes
//
// [Client.SendBatch] writes 25 items per BatchWriteItem call. Unprocessed
// items are retried with exponential backoff starting at 50ms and capped at
// 2s; items still unprocessed after the last retry are reported as failed
// entries rather than as an error.
package dynamodb
