package domain

import "time"

// OpKind names a vault operation.
type OpKind string

const (
	OpDeposit        OpKind = "deposit"
	OpWithdraw       OpKind = "withdraw"
	OpHarvest        OpKind = "harvest"
	OpRebalance      OpKind = "rebalance"
	OpFlush          OpKind = "flush"
	OpAddStrategy    OpKind = "add_strategy"
	OpUpdateStrategy OpKind = "update_strategy"
	OpRemoveStrategy OpKind = "remove_strategy"
	OpSetParams      OpKind = "set_params"
)

// MoveDirection is which way capital went between idle and a strategy.
type MoveDirection string

const (
	MoveToStrategy   MoveDirection = "deploy"
	MoveFromStrategy MoveDirection = "recall"
)

// Move is one capital movement between idle and a strategy. Actual is what
// the strategy really returned and is what the books use.
type Move struct {
	Strategy  StrategyID
	Direction MoveDirection
	Requested Amount
	Actual    Amount
}

// FlushResult records a batch bucket forwarded to allocation.
type FlushResult struct {
	Bucket   RiskBucket
	Trigger  Trigger
	Amount   Amount
	Deployed Amount
	Error    string // set when the allocation failed and the capital stayed idle
}

// Receipt is the outcome of one committed vault operation.
type Receipt struct {
	ID       string
	Kind     OpKind
	Account  Address
	Amount   Amount
	Shares   Amount
	Strategy StrategyID
	Moves    []Move
	Yields   []Allocation // harvest realized yield per strategy
	Flushes  []FlushResult
	At       time.Time
}

// Deployed sums the actual amounts moved into strategies.
func (r *Receipt) Deployed() Amount {
	var total Amount
	for _, m := range r.Moves {
		if m.Direction == MoveToStrategy {
			total = total.Add(m.Actual)
		}
	}
	return total
}

// Recalled sums the actual amounts pulled back from strategies.
func (r *Receipt) Recalled() Amount {
	var total Amount
	for _, m := range r.Moves {
		if m.Direction == MoveFromStrategy {
			total = total.Add(m.Actual)
		}
	}
	return total
}
