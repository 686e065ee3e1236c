// Package redisq provides a Redis queue backend for the indexer queue
// worker. [Queue] implements [pipeline.Queue] on top of a list, a sorted
// set of in-flight receipts, two hashes and a list of malformed payloads. Receive, delete and visibility
// changes each run as a single Lua script, so concurrent workers never see
// a message half moved.
//
// Keys, for prefix p and queue name n:
//
//	p:n           list of waiting messages (LPUSH to send, RPOP to receive)
//	p:n:inflight  receipts scored by the unix millisecond they become visible
//	p:n:payloads  receipt to message payload
//	p:n:receives  message id to receive count
//	p:n:malformed payloads that could not be decoded, kept for inspection
package redisq
