// Package registry manages the set of strategies the vault can allocate to:
// their parameters, activity flag, rolling APY telemetry and the live handle
// bound to each record.
package registry

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/microvault/internal/domain"
	"github.com/alejandrodnm/microvault/internal/ports"
)

// Registry owns strategy records inside the vault state. Records survive
// restarts through the state; handles are re-bound by ID at startup.
type Registry struct {
	state      *domain.State
	handles    map[domain.StrategyID]ports.Strategy
	historyCap int
	now        func() time.Time
}

// New returns a registry over state. A non-positive historyCap uses the default.
func New(state *domain.State, historyCap int, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		state:      state,
		handles:    make(map[domain.StrategyID]ports.Strategy),
		historyCap: historyCap,
		now:        now,
	}
}

// Register adds a strategy, or reactivates a previously removed one with
// fresh telemetry.
func (r *Registry) Register(id domain.StrategyID, params domain.StrategyParams) (*domain.StrategyRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("registry.Register: %w: empty id", domain.ErrInvalidStrategyParameters)
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("registry.Register %s: %w", id, err)
	}
	existing, found := r.state.Strategy(id)
	if found && existing.Active {
		return nil, fmt.Errorf("registry.Register %s: %w", id, domain.ErrDuplicateStrategy)
	}
	if err := r.checkMinimums(id, params); err != nil {
		return nil, fmt.Errorf("registry.Register %s: %w", id, err)
	}

	rec := domain.NewStrategyRecord(id, params, r.historyCap, r.now())
	if found {
		*existing = *rec
		rec = existing
	} else {
		r.state.Strategies = append(r.state.Strategies, rec)
	}
	slog.Info("registry: strategy registered", "strategy", id,
		"weight", params.Weight, "risk", params.RiskScore,
		"min_bps", params.MinAllocationBps, "max_bps", params.MaxAllocationBps)
	return rec, nil
}

// Update replaces the parameters of an active strategy. Telemetry is kept.
func (r *Registry) Update(id domain.StrategyID, params domain.StrategyParams) error {
	if err := params.Validate(); err != nil {
		return fmt.Errorf("registry.Update %s: %w", id, err)
	}
	rec, err := r.active(id)
	if err != nil {
		return fmt.Errorf("registry.Update: %w", err)
	}
	if err := r.checkMinimums(id, params); err != nil {
		return fmt.Errorf("registry.Update %s: %w", id, err)
	}
	rec.Params = params
	return nil
}

// Deactivate soft-deletes a strategy. remaining is the capital the strategy
// still holds after the caller withdrew everything; it must be zero.
func (r *Registry) Deactivate(id domain.StrategyID, remaining domain.Amount) error {
	rec, err := r.active(id)
	if err != nil {
		return fmt.Errorf("registry.Deactivate: %w", err)
	}
	if !remaining.IsZero() {
		return fmt.Errorf("registry.Deactivate %s: %w: %s still deployed", id, domain.ErrStrategyWithdrawalFailed, remaining)
	}
	rec.Active = false
	return nil
}

// RecordApySample feeds one APY observation (bps) into the strategy's ring.
func (r *Registry) RecordApySample(id domain.StrategyID, apyBps uint64) error {
	rec, err := r.active(id)
	if err != nil {
		return fmt.Errorf("registry.RecordApySample: %w", err)
	}
	rec.RecordApy(apyBps)
	slog.Debug("registry: apy sample", "strategy", id, "apy_bps", apyBps,
		"avg_bps", rec.MovingAverageApy, "performance", rec.PerformanceScore)
	return nil
}

// ActiveCount is the number of active strategies.
func (r *Registry) ActiveCount() int {
	n := 0
	for _, s := range r.state.Strategies {
		if s.Active {
			n++
		}
	}
	return n
}

// ApyHistoryOf returns the samples of any registered strategy, oldest first.
func (r *Registry) ApyHistoryOf(id domain.StrategyID) ([]uint64, error) {
	rec, ok := r.state.Strategy(id)
	if !ok {
		return nil, fmt.Errorf("registry.ApyHistoryOf %s: %w", id, domain.ErrStrategyNotActive)
	}
	return rec.History.Samples(), nil
}

// Active returns active records in registration order.
func (r *Registry) Active() []*domain.StrategyRecord {
	return r.state.ActiveStrategies()
}

// Records returns every record, active or not.
func (r *Registry) Records() []*domain.StrategyRecord {
	return r.state.Strategies
}

// Record returns the record for id.
func (r *Registry) Record(id domain.StrategyID) (*domain.StrategyRecord, bool) {
	return r.state.Strategy(id)
}

// Bind attaches the live handle for a strategy.
func (r *Registry) Bind(id domain.StrategyID, handle ports.Strategy) {
	r.handles[id] = handle
}

// Unbind detaches a handle.
func (r *Registry) Unbind(id domain.StrategyID) {
	delete(r.handles, id)
}

// Handle returns the bound handle for id.
func (r *Registry) Handle(id domain.StrategyID) (ports.Strategy, error) {
	h, ok := r.handles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrStrategyNotBound, id)
	}
	return h, nil
}

// IsBound reports whether id has a handle.
func (r *Registry) IsBound(id domain.StrategyID) bool {
	_, ok := r.handles[id]
	return ok
}

func (r *Registry) active(id domain.StrategyID) (*domain.StrategyRecord, error) {
	rec, ok := r.state.Strategy(id)
	if !ok || !rec.Active {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrStrategyNotActive)
	}
	return rec, nil
}

// checkMinimums rejects parameter sets whose active minimum allocations add
// up to more than 100%, since no allocation could honor them.
func (r *Registry) checkMinimums(id domain.StrategyID, params domain.StrategyParams) error {
	sum := params.MinAllocationBps
	for _, s := range r.state.Strategies {
		if s.Active && s.ID != id {
			sum += s.Params.MinAllocationBps
		}
	}
	if sum > domain.BasisPoints {
		return fmt.Errorf("%w: minimum allocations sum to %d bps", domain.ErrInvalidStrategyParameters, sum)
	}
	return nil
}
