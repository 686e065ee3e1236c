// Package mongodb provides a MongoDB-backed dead-letter store that
// satisfies the pipeline.DeadLetterSink interface.
//
// Every dead-lettered message becomes one document. A batch is written with
// a single unordered InsertMany call and write errors are mapped back to
// the entries that caused them. Documents carry an expires_at field backed
// by a TTL index created in [Client.Init], so MongoDB removes them after
// [WithTimeToLive] (default 14 days). The authorization attribute is never
// stored.
package mongodb
