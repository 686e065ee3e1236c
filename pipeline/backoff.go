package pipeline

import (
	"math"
	"time"
)

// BackoffPolicy maps a message's receive count to the delay before it may
// be delivered again.
type BackoffPolicy interface {
	VisibilityTimeout(receiveCount int) time.Duration
}

type backoffStep struct {
	maxReceiveCount int
	timeout         time.Duration
}

var visibilityTable = []backoffStep{
	{2, 5 * time.Second},
	{4, 10 * time.Second},
	{6, 30 * time.Second},
	{8, 60 * time.Second},
	{10, 90 * time.Second},
}

const maxTableTimeout = 120 * time.Second

// TableBackoff is the default visibility policy. It grows in steps from 5
// seconds and caps at 2 minutes from the eleventh delivery on.
type TableBackoff struct{}

func (TableBackoff) VisibilityTimeout(receiveCount int) time.Duration {
	for _, step := range visibilityTable {
		if receiveCount <= step.maxReceiveCount {
			return step.timeout
		}
	}

	return maxTableTimeout
}

// VisibilityTimeoutSeconds is [TableBackoff] expressed in whole seconds.
func VisibilityTimeoutSeconds(receiveCount int) int {
	return int(TableBackoff{}.VisibilityTimeout(receiveCount) / time.Second)
}

// ExponentialBackoff keeps the delay at Initial until ElongationPoint
// deliveries, then multiplies it by Multiplier per delivery, saturating at
// Max.
type ExponentialBackoff struct {
	Initial         time.Duration
	ElongationPoint int
	Multiplier      float64
	Max             time.Duration
}

// DefaultExponentialBackoff returns the policy used for providers that
// implement visibility as a scheduled redelivery.
func DefaultExponentialBackoff() ExponentialBackoff {
	return ExponentialBackoff{
		Initial:         5 * time.Second,
		ElongationPoint: 2,
		Multiplier:      2,
		Max:             10 * time.Minute,
	}
}

func (b ExponentialBackoff) VisibilityTimeout(receiveCount int) time.Duration {
	if b.Initial >= b.Max {
		return b.Max
	}

	if receiveCount <= b.ElongationPoint || b.Multiplier <= 1 {
		return b.Initial
	}

	exp := float64(receiveCount - b.ElongationPoint)
	delay := float64(b.Initial) * math.Pow(b.Multiplier, exp)

	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay >= float64(b.Max) {
		return b.Max
	}

	return time.Duration(delay)
}
