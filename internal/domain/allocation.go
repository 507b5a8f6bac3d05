package domain

import "sort"

const (
	// DefaultRebalanceThresholdBps is the deviation that triggers a rebalance.
	DefaultRebalanceThresholdBps = 500
	// DefaultApyFloorBps stands in for the APY of a never-sampled strategy.
	DefaultApyFloorBps = 100
	// DefaultRiskTolerance sits in the middle of the risk scale.
	DefaultRiskTolerance = 50

	riskAdjustmentBase = 100
	riskPenaltyPercent = 50
	riskBonusPercent   = 20
	scoreNormalization = 100 * 100
)

// Allocation is a target or current amount for one strategy.
type Allocation struct {
	Strategy StrategyID
	Amount   Amount
}

// RiskAdjustment is the percentage multiplier applied to a strategy's base
// score for the vault's risk tolerance:
//
//	risk > tolerance: 100 - (risk - tolerance) × 50 / 100   (floored at 0)
//	risk < tolerance: 100 + (tolerance - risk) × 20 / 100   (no upper cap)
func RiskAdjustment(riskScore, riskTolerance uint64) uint64 {
	adj := uint64(riskAdjustmentBase)
	switch {
	case riskScore > riskTolerance:
		penalty := (riskScore - riskTolerance) * riskPenaltyPercent / 100
		if penalty >= adj {
			return 0
		}
		adj -= penalty
	case riskScore < riskTolerance:
		adj += (riskTolerance - riskScore) * riskBonusPercent / 100
	}
	return adj
}

// RiskAdjustedScore ranks a strategy for allocation:
//
//	score = weight × performanceScore × riskAdjustment × apyFactor / 10000
//
// apyFactor is the last APY sample, or DefaultApyFloorBps before the first one.
func RiskAdjustedScore(r *StrategyRecord, riskTolerance uint64) Amount {
	apy := r.LastApy
	if apy == 0 {
		apy = DefaultApyFloorBps
	}
	base := NewAmount(r.Params.Weight).MulUint64(r.PerformanceScore)
	return base.
		MulUint64(RiskAdjustment(r.Params.RiskScore, riskTolerance)).
		MulUint64(apy).
		Div(NewAmount(scoreNormalization))
}

// ComputeOptimalAllocations splits totalAmount across the active strategies
// in proportion to their risk-adjusted score, clamped to each strategy's
// [min, max] bounds. Inactive strategies are skipped. When every score is
// zero the result is all zeros and the capital should stay idle.
//
// Clamping up to minimums can overshoot totalAmount; the overshoot is taken
// back from strategies holding more than their minimum, largest headroom
// first, so the result never sums above totalAmount.
func ComputeOptimalAllocations(strategies []*StrategyRecord, totalAmount Amount, riskTolerance uint64) []Allocation {
	active := make([]*StrategyRecord, 0, len(strategies))
	for _, s := range strategies {
		if s.Active {
			active = append(active, s)
		}
	}
	out := make([]Allocation, len(active))
	scores := make([]Amount, len(active))
	var sum Amount
	for i, s := range active {
		out[i].Strategy = s.ID
		scores[i] = RiskAdjustedScore(s, riskTolerance)
		sum = sum.Add(scores[i])
	}
	if sum.IsZero() || totalAmount.IsZero() {
		return out
	}

	var allocated Amount
	for i, s := range active {
		raw := totalAmount.MulDiv(scores[i], sum)
		lo := totalAmount.Bps(s.Params.MinAllocationBps)
		hi := totalAmount.Bps(s.Params.MaxAllocationBps)
		switch {
		case raw.LT(lo):
			raw = lo
		case raw.GT(hi):
			raw = hi
		}
		out[i].Amount = raw
		allocated = allocated.Add(raw)
	}

	if allocated.GT(totalAmount) {
		excess, _ := allocated.Sub(totalAmount)
		trimExcess(out, active, totalAmount, excess)
	}
	return out
}

func trimExcess(out []Allocation, active []*StrategyRecord, totalAmount, excess Amount) {
	headroom := make([]Amount, len(out))
	order := make([]int, len(out))
	for i := range out {
		order[i] = i
		lo := totalAmount.Bps(active[i].Params.MinAllocationBps)
		if out[i].Amount.GT(lo) {
			headroom[i], _ = out[i].Amount.Sub(lo)
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		return headroom[order[a]].GT(headroom[order[b]])
	})
	for _, i := range order {
		if excess.IsZero() {
			return
		}
		cut := headroom[i].Min(excess)
		out[i].Amount, _ = out[i].Amount.Sub(cut)
		excess, _ = excess.Sub(cut)
	}
}

// AllocationBps returns amount as basis points of total (floor), 0 for an
// empty total.
func AllocationBps(amount, total Amount) uint64 {
	if total.IsZero() {
		return 0
	}
	bps, _ := amount.MulDiv(NewAmount(BasisPoints), total).Uint64()
	return bps
}

// ShouldRebalance reports whether any strategy's share of the current total
// deviates from its optimal share by strictly more than thresholdBps. Both
// sides are measured against the current total, so optimal should be computed
// for that same amount. Strategies present on only one side count as 0 bps on
// the other.
func ShouldRebalance(current, optimal []Allocation, thresholdBps uint64) bool {
	var curTotal Amount
	for _, a := range current {
		curTotal = curTotal.Add(a.Amount)
	}
	if curTotal.IsZero() {
		return false
	}

	cur := make(map[StrategyID]uint64, len(current))
	opt := make(map[StrategyID]uint64, len(optimal))
	ids := make([]StrategyID, 0, len(current)+len(optimal))
	for _, a := range current {
		cur[a.Strategy] = AllocationBps(a.Amount, curTotal)
		ids = append(ids, a.Strategy)
	}
	for _, a := range optimal {
		opt[a.Strategy] = AllocationBps(a.Amount, curTotal)
		if _, ok := cur[a.Strategy]; !ok {
			ids = append(ids, a.Strategy)
		}
	}
	for _, id := range ids {
		c, o := cur[id], opt[id]
		var dev uint64
		if c > o {
			dev = c - o
		} else {
			dev = o - c
		}
		if dev > thresholdBps {
			return true
		}
	}
	return false
}
