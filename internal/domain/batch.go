package domain

import (
	"fmt"
	"time"
)

// RiskBucket classifies pending deposits by the risk appetite they are
// allocated with.
type RiskBucket string

const (
	BucketLow    RiskBucket = "low"
	BucketMedium RiskBucket = "medium"
	BucketHigh   RiskBucket = "high"
)

// RiskBuckets lists every bucket in flush order.
var RiskBuckets = []RiskBucket{BucketLow, BucketMedium, BucketHigh}

// ParseRiskBucket validates a bucket name. An empty name is medium.
func ParseRiskBucket(s string) (RiskBucket, error) {
	switch RiskBucket(s) {
	case "":
		return BucketMedium, nil
	case BucketLow, BucketMedium, BucketHigh:
		return RiskBucket(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownBucket, s)
}

// Trigger is what an enqueue asks the caller to do.
type Trigger int

const (
	TriggerNone Trigger = iota
	TriggerThreshold
	TriggerInterval
	TriggerEmergency
	TriggerManual
)

func (t Trigger) String() string {
	switch t {
	case TriggerThreshold:
		return "threshold"
	case TriggerInterval:
		return "interval"
	case TriggerEmergency:
		return "emergency"
	case TriggerManual:
		return "manual"
	default:
		return "none"
	}
}

// Fires reports whether the trigger asks for a flush.
func (t Trigger) Fires() bool { return t != TriggerNone }

// Bucket is the pending deposit pool of one risk class. Pending only grows
// until a flush zeroes it.
type Bucket struct {
	Risk         RiskBucket
	Pending      Amount
	Participants int
	OpenedAt     time.Time // first enqueue since the last flush
	LastFlush    time.Time
}
