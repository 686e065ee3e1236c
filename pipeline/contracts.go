package pipeline

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnhealthy is returned by [Service.Run] when the health gate trips.
	// The hosting process is expected to exit and be restarted.
	ErrUnhealthy = errors.New("pipeline is unhealthy")

	// ErrAuthorizationMissing marks a message without an authorization
	// attribute. Such messages are never sent downstream.
	ErrAuthorizationMissing = errors.New("message has no authorization attribute")

	// ErrProcessingTimeout marks a downstream call abandoned after the
	// processing deadline elapsed.
	ErrProcessingTimeout = errors.New("downstream processing timed out")
)

// Queue is the upstream message queue. Implementations must be safe for
// concurrent use.
type Queue interface {
	// Receive returns up to maxMessages messages, waiting at most waitTime
	// for the first one to arrive.
	Receive(ctx context.Context, maxMessages int, waitTime time.Duration) ([]*Message, error)

	// DeleteBatch acknowledges the given messages.
	DeleteBatch(ctx context.Context, entries []DeleteEntry) (BatchResult, error)

	// ChangeVisibilityBatch postpones redelivery of the given messages.
	ChangeVisibilityBatch(ctx context.Context, entries []VisibilityEntry) (BatchResult, error)
}

// DeadLetterSink receives messages that must not be dispatched and need
// operator attention.
type DeadLetterSink interface {
	SendBatch(ctx context.Context, entries []RetryEntry) (BatchResult, error)
}

// Indexer is the downstream indexing service.
type Indexer interface {
	Index(ctx context.Context, msg *Message) error
	Reindex(ctx context.Context, msg *Message) error
}

// AuthError is implemented by downstream errors that represent a rejected
// credential.
type AuthError interface {
	error
	IsAuthFailure() bool
}
