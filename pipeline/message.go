package pipeline

import (
	"strconv"
	"strings"
	"time"
)

// Attribute names carried on every change notification.
const (
	AttrAuthorization   = "authorization"
	AttrDataPartitionID = "data-partition-id"
	AttrAccountID       = "account-id"
	AttrCorrelationID   = "correlation-id"
	AttrReindexCursor   = "reindex-cursor"
	AttrKind            = "kind"
	AttrUser            = "user"
)

// Message is a single record-changed notification as received from the
// upstream queue. It is never mutated after the queue adapter builds it.
type Message struct {
	ID           string
	Receipt      string
	Body         string
	Attributes   map[string]string
	ReceiveCount int
	ReceivedAt   time.Time
}

// Attr returns the attribute value for name, or "" when absent.
func (m *Message) Attr(name string) string {
	if m.Attributes == nil {
		return ""
	}

	return m.Attributes[name]
}

// HasAuthorization reports whether the message carries a non-blank
// authorization token.
func (m *Message) HasAuthorization() bool {
	return strings.TrimSpace(m.Attr(AttrAuthorization)) != ""
}

// IsReindex reports whether the message is a reindex request, i.e. carries a
// reindex cursor.
func (m *Message) IsReindex() bool {
	_, ok := m.Attributes[AttrReindexCursor]
	return ok
}

// DataPartitionID returns the data partition, falling back to the legacy
// account-id attribute.
func (m *Message) DataPartitionID() string {
	if v := m.Attr(AttrDataPartitionID); v != "" {
		return v
	}

	return m.Attr(AttrAccountID)
}

// Size is the approximate in-memory size of the message payload.
func (m *Message) Size() int {
	n := len(m.Body)
	for k, v := range m.Attributes {
		n += len(k) + len(v)
	}

	return n
}

// ParseReceiveCount converts a queue's delivery counter attribute into an
// int. Anything unparseable or negative yields 0.
func ParseReceiveCount(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0
	}

	return n
}

// DeleteEntry acknowledges a message.
type DeleteEntry struct {
	ID        string
	MessageID string
	Receipt   string
}

// VisibilityEntry postpones redelivery of a message by Timeout.
type VisibilityEntry struct {
	ID        string
	MessageID string
	Receipt   string
	Timeout   time.Duration
}

// RetryEntry resends a message body and its attributes to a dead-letter
// destination.
type RetryEntry struct {
	ID           string
	MessageID    string
	Body         string
	Attributes   map[string]string
	ReceiveCount int
	Reason       string
}

// BatchFailure describes one rejected entry of a batch call.
type BatchFailure struct {
	ID          string
	Code        string
	Message     string
	SenderFault bool
}

// BatchResult is the per-entry outcome of a batch call.
type BatchResult struct {
	Successful []string
	Failed     []BatchFailure
}

// Outcome is the result of dispatching a single message downstream.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeAuthFailure
	OutcomeProcessingFailure
	OutcomeTimeout
	OutcomeAuthorizationMissing
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeAuthFailure:
		return "auth_failure"
	case OutcomeProcessingFailure:
		return "processing_failure"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeAuthorizationMissing:
		return "authorization_missing"
	default:
		return "unknown"
	}
}
