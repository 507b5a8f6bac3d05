package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/alejandrodnm/microvault/config"
	"github.com/alejandrodnm/microvault/internal/adapters/notify"
	"github.com/alejandrodnm/microvault/internal/adapters/onchain"
	"github.com/alejandrodnm/microvault/internal/adapters/paper"
	"github.com/alejandrodnm/microvault/internal/adapters/postgres"
	"github.com/alejandrodnm/microvault/internal/adapters/storage"
	"github.com/alejandrodnm/microvault/internal/application/vault"
	"github.com/alejandrodnm/microvault/internal/domain"
	"github.com/alejandrodnm/microvault/internal/ports"
)

// env is one opened vault with its simulated world. Every command opens it,
// works, and closes it, which saves the world next to the vault state. With
// chain.rpc_url set the vault holds an ERC-20 instead and world is nil.
type env struct {
	cfg       *config.Config
	world     *paper.World
	worldPath string
	store     ports.VaultStore
	vault     *vault.Vault
	console   *notify.Console
}

func openEnv(ctx context.Context, cfg *config.Config, out io.Writer, now func() time.Time) (*env, error) {
	e := &env{
		cfg:     cfg,
		console: notify.NewConsoleWriter(out, cfg.Vault.AssetDecimals),
	}
	vcfg := cfg.VaultConfig(now)

	var asset ports.Asset
	if cfg.Chain.Enabled() {
		token, err := openChainToken(cfg.Chain)
		if err != nil {
			return nil, err
		}
		asset, vcfg.Address = token, token.Holder()
	} else {
		world, found, err := paper.LoadWorld(cfg.Paper.WorldFile, vault.DefaultAddress, now)
		if err != nil {
			return nil, err
		}
		if !found {
			slog.Info("paper world created", "path", cfg.Paper.WorldFile)
		}
		e.world, e.worldPath = world, cfg.Paper.WorldFile
		asset = world.VaultWallet()
	}

	store, err := newStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	e.store = store

	v, err := vault.Open(ctx, vcfg, asset, store)
	if err != nil {
		if cerr := store.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close store: %w", cerr))
		}
		return nil, err
	}
	e.vault = v

	if e.world == nil {
		slog.Info("on-chain asset, paper strategies not bound", "holder", vcfg.Address, "token", cfg.Chain.Token)
		return e, nil
	}
	if err := e.syncStrategies(ctx); err != nil {
		return nil, errors.Join(err, e.close())
	}
	return e, nil
}

// Swapped in tests.
var (
	newStore  = openStore
	dialChain = onchain.Dial
)

// openChainToken returns the deposit token signed for by the custody key.
func openChainToken(c config.ChainConfig) (*onchain.Token, error) {
	if c.PrivateKey == "" {
		return nil, errors.New("VAULT_CHAIN_PRIVATE_KEY is not set")
	}
	return dialChain(c.RPCURL, onchain.Config{
		Token:          c.Token,
		PrivateKeyHex:  c.PrivateKey,
		ChainID:        c.ChainID,
		ConfirmTimeout: c.ConfirmTimeout,
	})
}

func openStore(ctx context.Context, cfg config.StorageConfig) (ports.VaultStore, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.NewStore(ctx, cfg.DSN)
	default:
		return storage.NewSQLiteStore(cfg.DSN)
	}
}

// syncStrategies makes the registry match the configured paper strategies:
// new ones are registered, changed parameters are updated, and every active
// record that has a simulated counterpart gets its handle bound. Strategies
// dropped from the config stay registered until removed explicitly, and a
// removed strategy is not brought back by the config.
func (e *env) syncStrategies(ctx context.Context) error {
	snaps, err := e.vault.Strategies(ctx)
	if err != nil {
		return fmt.Errorf("sync strategies: %w", err)
	}
	records := make(map[domain.StrategyID]domain.StrategyRecord, len(snaps))
	for _, s := range snaps {
		records[s.Record.ID] = s.Record
	}

	for _, ps := range e.cfg.Paper.Strategies {
		id := domain.StrategyID(ps.ID)
		handle := e.world.AddStrategy(id, ps.APYBps)
		handle.SetAPY(ps.APYBps)

		rec, known := records[id]
		switch {
		case known && !rec.Active:
			slog.Info("strategy was removed, not registering it again", "strategy", id)
		case !known:
			if _, err := e.vault.AddStrategy(ctx, id, ps.Params(), handle); err != nil {
				return fmt.Errorf("sync strategies: %w", err)
			}
		case rec.Params != ps.Params():
			if err := e.vault.BindStrategy(ctx, id, handle); err != nil {
				return fmt.Errorf("sync strategies: %w", err)
			}
			if _, err := e.vault.UpdateStrategy(ctx, id, ps.Params()); err != nil {
				return fmt.Errorf("sync strategies: %w", err)
			}
		default:
			if err := e.vault.BindStrategy(ctx, id, handle); err != nil {
				return fmt.Errorf("sync strategies: %w", err)
			}
		}
		delete(records, id)
	}

	for id, rec := range records {
		if !rec.Active {
			continue
		}
		handle := e.world.Strategy(id)
		if handle == nil {
			slog.Warn("strategy has no simulated backend, left unbound", "strategy", id)
			continue
		}
		if err := e.vault.BindStrategy(ctx, id, handle); err != nil {
			return fmt.Errorf("sync strategies: %w", err)
		}
	}
	return nil
}

func (e *env) close() error {
	var errs []error
	if e.world != nil && e.worldPath != "" {
		if err := e.world.Save(e.worldPath); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

func (e *env) bucket(name string) (domain.RiskBucket, error) {
	if name == "" {
		name = e.cfg.Vault.DefaultBucket
	}
	return domain.ParseRiskBucket(name)
}

// savingReporter saves the world after every report so a crash of the
// daemon loses at most the operation in flight.
type savingReporter struct {
	ports.Reporter
	env *env
}

func (r savingReporter) Report(ctx context.Context, receipt domain.Receipt) error {
	err := r.Reporter.Report(ctx, receipt)
	if r.env.world == nil {
		return err
	}
	if serr := r.env.world.Save(r.env.worldPath); serr != nil {
		slog.Warn("paper world save failed", "err", serr)
	}
	return err
}
