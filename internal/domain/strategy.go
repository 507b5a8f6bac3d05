package domain

import (
	"fmt"
	"time"
)

const (
	// BasisPoints is 100% expressed in basis points.
	BasisPoints = 10_000
	// MaxRiskScore is the riskiest a strategy can be rated.
	MaxRiskScore = 100
	// NeutralPerformanceScore is the score of a strategy without enough APY history.
	NeutralPerformanceScore = 50
	// MaxPerformanceScore caps the variance-derived score.
	MaxPerformanceScore = 100
	// DefaultApyHistoryCapacity is how many APY samples a strategy keeps.
	DefaultApyHistoryCapacity = 30
)

// StrategyID identifies a registered strategy.
type StrategyID string

// StrategyParams are the operator-controlled allocation parameters.
type StrategyParams struct {
	Weight           uint64 `json:"weight" yaml:"weight"`
	RiskScore        uint64 `json:"risk_score" yaml:"risk_score"`
	MinAllocationBps uint64 `json:"min_allocation_bps" yaml:"min_allocation_bps"`
	MaxAllocationBps uint64 `json:"max_allocation_bps" yaml:"max_allocation_bps"`
}

// Validate checks weight > 0, risk ≤ 100 and min ≤ max ≤ 10000.
func (p StrategyParams) Validate() error {
	switch {
	case p.Weight == 0:
		return fmt.Errorf("%w: weight must be positive", ErrInvalidStrategyParameters)
	case p.RiskScore > MaxRiskScore:
		return fmt.Errorf("%w: risk score %d > %d", ErrInvalidStrategyParameters, p.RiskScore, MaxRiskScore)
	case p.MinAllocationBps > p.MaxAllocationBps:
		return fmt.Errorf("%w: min allocation %d > max %d", ErrInvalidStrategyParameters, p.MinAllocationBps, p.MaxAllocationBps)
	case p.MaxAllocationBps > BasisPoints:
		return fmt.Errorf("%w: max allocation %d > %d bps", ErrInvalidStrategyParameters, p.MaxAllocationBps, BasisPoints)
	}
	return nil
}

// StrategyRecord is the vault's view of one registered strategy.
type StrategyRecord struct {
	ID               StrategyID
	Params           StrategyParams
	Active           bool
	History          ApyRing
	MovingAverageApy uint64 // bps
	PerformanceScore uint64 // 0..100
	LastApy          uint64 // bps, 0 until the first sample
	RegisteredAt     time.Time
}

// NewStrategyRecord returns an active record with neutral performance.
func NewStrategyRecord(id StrategyID, params StrategyParams, historyCap int, now time.Time) *StrategyRecord {
	return &StrategyRecord{
		ID:               id,
		Params:           params,
		Active:           true,
		History:          NewApyRing(historyCap),
		PerformanceScore: NeutralPerformanceScore,
		RegisteredAt:     now,
	}
}

// RecordApy appends a sample and recomputes the moving average and the
// performance score.
//
//	mean     = Σ sample / n                 (floor)
//	variance = Σ (sample - mean)² / n       (floor)
//	score    = clamp(100 - variance, 0, 100), or 50 with fewer than 2 samples
//
// The score is a linear penalty on raw basis-point variance; it saturates at
// zero for any strategy whose APY moves by more than ~10 bps.
func (r *StrategyRecord) RecordApy(apyBps uint64) {
	r.History.Push(apyBps)
	r.LastApy = apyBps
	r.MovingAverageApy = r.History.Mean()
	r.PerformanceScore = performanceScore(&r.History, r.MovingAverageApy)
}

func performanceScore(h *ApyRing, mean uint64) uint64 {
	if h.Len() < 2 {
		return NeutralPerformanceScore
	}
	m := NewAmount(mean)
	var sumSq Amount
	h.Each(func(sample uint64) {
		d := NewAmount(sample).AbsDiff(m)
		sumSq = sumSq.Add(d.Mul(d))
	})
	variance := sumSq.Div(NewAmount(uint64(h.Len())))
	if variance.GTE(NewAmount(MaxPerformanceScore)) {
		return 0
	}
	v, _ := variance.Uint64()
	return MaxPerformanceScore - v
}

// Clone returns a deep copy.
func (r *StrategyRecord) Clone() *StrategyRecord {
	c := *r
	c.History = r.History.Clone()
	return &c
}

// ApyRing is a fixed-capacity FIFO of APY samples. Pushing into a full ring
// evicts the oldest sample.
type ApyRing struct {
	buf   []uint64
	start int
	count int
}

// NewApyRing returns an empty ring. A non-positive capacity uses the default.
func NewApyRing(capacity int) ApyRing {
	if capacity <= 0 {
		capacity = DefaultApyHistoryCapacity
	}
	return ApyRing{buf: make([]uint64, capacity)}
}

// RestoreApyRing rebuilds a ring from samples ordered oldest first. Samples
// beyond capacity keep only the newest.
func RestoreApyRing(capacity int, samples []uint64) ApyRing {
	r := NewApyRing(capacity)
	for _, s := range samples {
		r.Push(s)
	}
	return r
}

func (r *ApyRing) Push(v uint64) {
	if len(r.buf) == 0 {
		*r = NewApyRing(DefaultApyHistoryCapacity)
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = v
		r.count++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ApyRing) Len() int { return r.count }
func (r *ApyRing) Cap() int { return len(r.buf) }

// Each visits samples oldest first.
func (r *ApyRing) Each(fn func(uint64)) {
	for i := 0; i < r.count; i++ {
		fn(r.buf[(r.start+i)%len(r.buf)])
	}
}

// Samples returns the samples oldest first.
func (r *ApyRing) Samples() []uint64 {
	out := make([]uint64, 0, r.count)
	r.Each(func(v uint64) { out = append(out, v) })
	return out
}

// Mean is the floor of the arithmetic mean, 0 when empty.
func (r *ApyRing) Mean() uint64 {
	if r.count == 0 {
		return 0
	}
	var sum Amount
	r.Each(func(v uint64) { sum = sum.Add(NewAmount(v)) })
	mean, _ := sum.Div(NewAmount(uint64(r.count))).Uint64()
	return mean
}

func (r ApyRing) Clone() ApyRing {
	c := ApyRing{buf: make([]uint64, len(r.buf)), start: r.start, count: r.count}
	copy(c.buf, r.buf)
	return c
}
