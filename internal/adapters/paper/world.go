package paper

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/alejandrodnm/microvault/internal/domain"
)

// World is the whole simulated environment: one token and the strategies
// the vault can allocate to. The CLI keeps it in a JSON file next to the
// vault database so one-shot commands see the same balances.
type World struct {
	Token      *Token
	Strategies []*Strategy
	vault      domain.Address
	now        func() time.Time
}

// NewWorld returns an empty world paying strategies back to vault.
func NewWorld(vault domain.Address, now func() time.Time) *World {
	if now == nil {
		now = time.Now
	}
	return &World{Token: NewToken(), vault: vault, now: now}
}

// AddStrategy creates a strategy in this world, or returns the existing one
// with that id.
func (w *World) AddStrategy(id domain.StrategyID, apyBps uint64) *Strategy {
	if s := w.Strategy(id); s != nil {
		return s
	}
	s := NewStrategy(id, w.Token, w.vault, apyBps, w.now)
	w.Strategies = append(w.Strategies, s)
	return s
}

// Strategy finds a strategy by id.
func (w *World) Strategy(id domain.StrategyID) *Strategy {
	for _, s := range w.Strategies {
		if s.ID() == id {
			return s
		}
	}
	return nil
}

// VaultWallet is the asset handle the vault spends with.
func (w *World) VaultWallet() *Wallet { return w.Token.Wallet(w.vault) }

// Fund mints amount to user and approves the vault to pull it.
func (w *World) Fund(user domain.Address, amount domain.Amount) {
	w.Token.Mint(user, amount)
	w.Token.mu.Lock()
	allowed := w.Token.allowances[user][w.vault]
	w.Token.mu.Unlock()
	w.Token.Approve(user, w.vault, allowed.Add(amount))
}

type worldFile struct {
	Balances   map[domain.Address]domain.Amount                    `json:"balances"`
	Allowances map[domain.Address]map[domain.Address]domain.Amount `json:"allowances"`
	Supply     domain.Amount                                       `json:"supply"`
	Strategies []StrategyState                                     `json:"strategies"`
	UpdatedAt  string                                              `json:"updated_at"`
}

// Save writes the world to path atomically (tmp file + rename).
func (w *World) Save(path string) error {
	w.Token.mu.Lock()
	f := worldFile{
		Balances:   make(map[domain.Address]domain.Amount, len(w.Token.balances)),
		Allowances: make(map[domain.Address]map[domain.Address]domain.Amount, len(w.Token.allowances)),
		Supply:     w.Token.supply,
		UpdatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range w.Token.balances {
		if !v.IsZero() {
			f.Balances[k] = v
		}
	}
	for owner, m := range w.Token.allowances {
		cp := make(map[domain.Address]domain.Amount, len(m))
		for spender, v := range m {
			if !v.IsZero() {
				cp[spender] = v
			}
		}
		if len(cp) > 0 {
			f.Allowances[owner] = cp
		}
	}
	w.Token.mu.Unlock()
	for _, s := range w.Strategies {
		f.Strategies = append(f.Strategies, s.State())
	}
	sort.Slice(f.Strategies, func(i, j int) bool { return f.Strategies[i].ID < f.Strategies[j].ID })

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("paper.Save: marshal: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("paper.Save: create dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("paper.Save: write tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("paper.Save: rename: %w", err)
	}
	return nil
}

// LoadWorld reads a world saved with Save. A missing file gives an empty
// world and found=false.
func LoadWorld(path string, vault domain.Address, now func() time.Time) (*World, bool, error) {
	w := NewWorld(vault, now)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return w, false, nil
		}
		return nil, false, fmt.Errorf("paper.LoadWorld: read: %w", err)
	}
	var f worldFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, false, fmt.Errorf("paper.LoadWorld: parse: %w", err)
	}
	for k, v := range f.Balances {
		w.Token.balances[k] = v
	}
	for owner, m := range f.Allowances {
		w.Token.allowances[owner] = m
	}
	w.Token.supply = f.Supply
	for _, st := range f.Strategies {
		w.AddStrategy(st.ID, st.APYBps).restore(st)
	}
	return w, true, nil
}
