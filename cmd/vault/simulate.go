package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/alejandrodnm/microvault/config"
	"github.com/alejandrodnm/microvault/internal/adapters/notify"
	"github.com/alejandrodnm/microvault/internal/adapters/paper"
	"github.com/alejandrodnm/microvault/internal/adapters/storage"
	"github.com/alejandrodnm/microvault/internal/application/vault"
	"github.com/alejandrodnm/microvault/internal/domain"
)

type simOptions struct {
	days     int
	users    int
	deposit  string
	receipts bool
}

type simClock struct{ t time.Time }

func (c *simClock) now() time.Time { return c.t }

func newSimulateCmd(opts *rootOptions) *cobra.Command {
	so := &simOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Replay daily deposits, harvests and rebalances on a simulated clock, in memory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return simulate(cmd.Context(), cfg, so, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&so.days, "days", 30, "simulated days")
	cmd.Flags().IntVar(&so.users, "users", 4, "number of depositors")
	cmd.Flags().StringVar(&so.deposit, "deposit", "25", "daily deposit per user, in asset units")
	cmd.Flags().BoolVar(&so.receipts, "receipts", false, "print every harvest and rebalance")
	return cmd
}

type simUser struct {
	addr      domain.Address
	deposited domain.Amount
	withdrawn domain.Amount
}

// simulate runs the configured paper strategies against a fresh vault. User
// i deposits into bucket i mod 3 every day; the batch interval, harvest and
// rebalance run once per simulated day; every user exits on the last day.
func simulate(ctx context.Context, cfg *config.Config, so *simOptions, out io.Writer) error {
	if so.days <= 0 || so.users <= 0 {
		return errors.New("simulate: days and users must be positive")
	}
	if len(cfg.Paper.Strategies) == 0 {
		return errors.New("simulate: no paper strategies configured")
	}
	decimals := cfg.Vault.AssetDecimals
	daily, err := domain.ParseUnits(so.deposit, decimals)
	if err != nil {
		return fmt.Errorf("simulate: %w", err)
	}

	clock := &simClock{t: time.Now().UTC().Truncate(24 * time.Hour)}
	world := paper.NewWorld(vault.DefaultAddress, clock.now)
	store, err := storage.NewSQLiteStore(":memory:")
	if err != nil {
		return fmt.Errorf("simulate: %w", err)
	}
	defer store.Close()

	v, err := vault.Open(ctx, cfg.VaultConfig(clock.now), world.VaultWallet(), store)
	if err != nil {
		return fmt.Errorf("simulate: %w", err)
	}
	for _, ps := range cfg.Paper.Strategies {
		handle := world.AddStrategy(domain.StrategyID(ps.ID), ps.APYBps)
		if _, err := v.AddStrategy(ctx, handle.ID(), ps.Params(), handle); err != nil {
			return fmt.Errorf("simulate: %w", err)
		}
	}

	console := notify.NewConsoleWriter(out, decimals)
	users := make([]*simUser, so.users)
	for i := range users {
		users[i] = &simUser{addr: domain.Address(fmt.Sprintf("user-%02d", i+1))}
	}

	report := func(r domain.Receipt) {
		if !so.receipts {
			return
		}
		if err := console.Report(ctx, r); err != nil {
			slog.Warn("simulate: report failed", "err", err)
		}
	}

	var harvested domain.Amount
	for day := 0; day < so.days; day++ {
		for i, u := range users {
			world.Fund(u.addr, daily)
			if _, err := v.Deposit(ctx, u.addr, daily, domain.RiskBuckets[i%len(domain.RiskBuckets)]); err != nil {
				return fmt.Errorf("simulate: day %d: %w", day+1, err)
			}
			u.deposited = u.deposited.Add(daily)
		}

		clock.t = clock.t.Add(24 * time.Hour)
		receipts, err := v.FlushBatches(ctx, false)
		if err != nil {
			slog.Warn("simulate: flush failed", "day", day+1, "err", err)
		}
		for _, r := range receipts {
			report(r)
		}
		r, err := v.Harvest(ctx)
		if err != nil {
			return fmt.Errorf("simulate: day %d: %w", day+1, err)
		}
		harvested = harvested.Add(r.Amount)
		report(r)
		r, err = v.Rebalance(ctx)
		if err != nil && !errors.Is(err, domain.ErrRebalanceCooldown) {
			return fmt.Errorf("simulate: day %d: %w", day+1, err)
		}
		if err == nil && len(r.Moves) > 0 {
			report(r)
		}
	}

	snap, err := v.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("simulate: %w", err)
	}
	if err := console.Status(ctx, snap); err != nil {
		return err
	}

	for _, u := range users {
		acct, err := v.Account(ctx, u.addr)
		if err != nil {
			return fmt.Errorf("simulate: %w", err)
		}
		before := world.Token.Balance(u.addr)
		if _, err := v.Withdraw(ctx, u.addr, acct.Shares); err != nil {
			return fmt.Errorf("simulate: exit %s: %w", u.addr, err)
		}
		after := world.Token.Balance(u.addr)
		u.withdrawn, _ = after.Sub(before)
	}
	if err := v.CheckInvariants(ctx); err != nil {
		return fmt.Errorf("simulate: %w", err)
	}

	fmt.Fprintf(out, "\n%d days, %d users, harvested %s\n", so.days, so.users, domain.FormatUnits(harvested, decimals))
	table := tablewriter.NewWriter(out)
	table.Header("User", "Bucket", "Deposited", "Withdrawn", "Gain")
	for i, u := range users {
		gain := "-" + domain.FormatUnits(u.deposited.AbsDiff(u.withdrawn), decimals)
		if u.withdrawn.GTE(u.deposited) {
			gain = domain.FormatUnits(u.deposited.AbsDiff(u.withdrawn), decimals)
		}
		table.Append(string(u.addr), string(domain.RiskBuckets[i%len(domain.RiskBuckets)]),
			domain.FormatUnits(u.deposited, decimals), domain.FormatUnits(u.withdrawn, decimals), gain)
	}
	return table.Render()
}
