// Package batching pools small deposits per risk bucket so capital reaches
// strategies in fewer, larger movements.
package batching

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/microvault/internal/domain"
)

// Config holds the flush triggers. Amounts are raw asset units.
type Config struct {
	Threshold          domain.Amount
	EmergencyThreshold domain.Amount
	Interval           time.Duration
	RiskTolerance      map[domain.RiskBucket]uint64
}

// DefaultConfig is sized for a 6-decimal stablecoin: 1,000 units pool,
// 10,000 units flush at once, hourly timer.
func DefaultConfig() Config {
	return Config{
		Threshold:          domain.NewAmount(1_000_000_000),
		EmergencyThreshold: domain.NewAmount(10_000_000_000),
		Interval:           time.Hour,
		RiskTolerance: map[domain.RiskBucket]uint64{
			domain.BucketLow:    25,
			domain.BucketMedium: 50,
			domain.BucketHigh:   75,
		},
	}
}

// Batcher mutates the buckets held in the vault state. The vault serializes
// every call.
type Batcher struct {
	state *domain.State
	cfg   Config
	now   func() time.Time
}

// New returns a batcher over the buckets in state.
func New(state *domain.State, cfg Config, now func() time.Time) *Batcher {
	def := DefaultConfig()
	if cfg.Threshold.IsZero() {
		cfg.Threshold = def.Threshold
	}
	if cfg.EmergencyThreshold.IsZero() {
		cfg.EmergencyThreshold = def.EmergencyThreshold
	}
	if cfg.Interval == 0 {
		cfg.Interval = def.Interval
	}
	if cfg.RiskTolerance == nil {
		cfg.RiskTolerance = def.RiskTolerance
	}
	if now == nil {
		now = time.Now
	}
	return &Batcher{state: state, cfg: cfg, now: now}
}

// Enqueue adds amount to a bucket and reports which trigger, if any, the
// push fires. Emergency wins over threshold, threshold over interval.
func (b *Batcher) Enqueue(amount domain.Amount, risk domain.RiskBucket) (domain.Trigger, error) {
	bk, err := b.bucket(risk)
	if err != nil {
		return domain.TriggerNone, err
	}
	now := b.now()
	if bk.Pending.IsZero() {
		bk.OpenedAt = now
	}
	bk.Pending = bk.Pending.Add(amount)
	bk.Participants++
	trigger := b.trigger(bk, now)
	slog.Debug("batching: enqueued", "bucket", risk, "amount", amount,
		"pending", bk.Pending, "participants", bk.Participants, "trigger", trigger)
	return trigger, nil
}

func (b *Batcher) trigger(bk *domain.Bucket, now time.Time) domain.Trigger {
	switch {
	case bk.Pending.IsZero():
		return domain.TriggerNone
	case bk.Pending.GTE(b.cfg.EmergencyThreshold):
		return domain.TriggerEmergency
	case bk.Pending.GTE(b.cfg.Threshold):
		return domain.TriggerThreshold
	case now.Sub(bk.OpenedAt) >= b.cfg.Interval:
		return domain.TriggerInterval
	}
	return domain.TriggerNone
}

// Flush reads and zeroes a bucket, returning what it held. Flushing an empty
// bucket is a no-op that returns a zero amount.
func (b *Batcher) Flush(risk domain.RiskBucket) (domain.Bucket, error) {
	bk, err := b.bucket(risk)
	if err != nil {
		return domain.Bucket{}, err
	}
	out := *bk
	if bk.Pending.IsZero() {
		return out, nil
	}
	bk.Pending = domain.Zero
	bk.Participants = 0
	bk.OpenedAt = time.Time{}
	bk.LastFlush = b.now()
	out.LastFlush = bk.LastFlush
	return out, nil
}

// Due returns the buckets whose trigger fires now, in flush order.
func (b *Batcher) Due() []DueBucket {
	now := b.now()
	var due []DueBucket
	for _, risk := range domain.RiskBuckets {
		bk, ok := b.state.Buckets[risk]
		if !ok {
			continue
		}
		if t := b.trigger(bk, now); t.Fires() {
			due = append(due, DueBucket{Risk: risk, Trigger: t})
		}
	}
	return due
}

// DueBucket is a bucket ready to flush.
type DueBucket struct {
	Risk    domain.RiskBucket
	Trigger domain.Trigger
}

// RiskTolerance is the tolerance a bucket's capital is allocated with.
func (b *Batcher) RiskTolerance(risk domain.RiskBucket) uint64 {
	if t, ok := b.cfg.RiskTolerance[risk]; ok {
		return t
	}
	return b.state.Params.RiskTolerance
}

// Pending is the amount waiting in a bucket.
func (b *Batcher) Pending(risk domain.RiskBucket) domain.Amount {
	if bk, ok := b.state.Buckets[risk]; ok {
		return bk.Pending
	}
	return domain.Zero
}

func (b *Batcher) bucket(risk domain.RiskBucket) (*domain.Bucket, error) {
	bk, ok := b.state.Buckets[risk]
	if !ok {
		return nil, fmt.Errorf("batching: %w: %q", domain.ErrUnknownBucket, risk)
	}
	return bk, nil
}
