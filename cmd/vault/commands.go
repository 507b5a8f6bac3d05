package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/alejandrodnm/microvault/internal/domain"
	"github.com/alejandrodnm/microvault/internal/scheduler"
)

// withEnv opens the vault for one command and always closes it, saving the
// paper world.
func withEnv(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, e *env) error) (err error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	e, err := openEnv(ctx, cfg, cmd.OutOrStdout(), time.Now)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, e.close())
	}()
	return fn(ctx, e)
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the vault daemon: scheduled harvest, rebalance and batch flushes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd, opts, func(ctx context.Context, e *env) error {
				sched := scheduler.New(ctx, e.vault, savingReporter{Reporter: e.console, env: e})
				if err := sched.Register(e.cfg.SchedulerConfig()); err != nil {
					return err
				}

				slog.Info("microvault starting",
					"config", opts.configPath,
					"storage", e.cfg.Storage.Driver,
					"strategies", len(e.cfg.Paper.Strategies),
					"jobs", sched.Jobs())
				if snap, err := e.vault.Snapshot(ctx); err != nil {
					slog.Warn("startup snapshot failed", "err", err)
				} else if err := e.console.Status(ctx, snap); err != nil {
					slog.Warn("status report failed", "err", err)
				}

				sched.Start()
				<-ctx.Done()
				sched.Stop()
				slog.Info("microvault stopped cleanly")
				return nil
			})
		},
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var receipts int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print vault totals, strategies, buckets and recent operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd, opts, func(ctx context.Context, e *env) error {
				if receipts > 0 {
					recent, err := e.store.Receipts(ctx, receipts)
					if err != nil {
						return err
					}
					for i := len(recent) - 1; i >= 0; i-- {
						if err := e.console.Report(ctx, recent[i]); err != nil {
							return err
						}
					}
				}
				snap, err := e.vault.Snapshot(ctx)
				if err != nil {
					return err
				}
				if err := e.console.Status(ctx, snap); err != nil {
					return err
				}
				rec, err := e.vault.Reconcile(ctx)
				if err != nil {
					return err
				}
				if !rec.Surplus.IsZero() {
					fmt.Fprintf(cmd.OutOrStdout(), "unaccounted balance on the vault address: %s\n",
						domain.FormatUnits(rec.Surplus, e.cfg.Vault.AssetDecimals))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&receipts, "receipts", 5, "number of recent operations to show")
	return cmd
}

func newDepositCmd(opts *rootOptions) *cobra.Command {
	var (
		bucket string
		fund   bool
	)
	cmd := &cobra.Command{
		Use:   "deposit <account> <amount>",
		Short: "Deposit asset units (e.g. 12.5) into the vault",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, opts, func(ctx context.Context, e *env) error {
				account := domain.Address(args[0])
				amount, err := domain.ParseUnits(args[1], e.cfg.Vault.AssetDecimals)
				if err != nil {
					return err
				}
				risk, err := e.bucket(bucket)
				if err != nil {
					return err
				}
				if fund {
					if e.world == nil {
						return errors.New("--fund needs the paper asset, chain.rpc_url is set")
					}
					e.world.Fund(account, amount)
				}
				r, err := e.vault.Deposit(ctx, account, amount, risk)
				if err != nil {
					return err
				}
				return e.console.Report(ctx, r)
			})
		},
	}
	cmd.Flags().StringVar(&bucket, "bucket", "", "risk bucket: low|medium|high (default from config)")
	cmd.Flags().BoolVar(&fund, "fund", false, "mint the amount to the account first (paper faucet)")
	return cmd
}

func newWithdrawCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "withdraw <account> <shares|all>",
		Short: "Redeem shares (e.g. 1.5 or all) for asset",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, opts, func(ctx context.Context, e *env) error {
				account := domain.Address(args[0])
				var shares domain.Amount
				if args[1] == "all" {
					acct, err := e.vault.Account(ctx, account)
					if err != nil {
						return err
					}
					shares = acct.Shares
				} else {
					var err error
					if shares, err = domain.ParseUnits(args[1], domain.ShareDecimals); err != nil {
						return err
					}
				}
				r, err := e.vault.Withdraw(ctx, account, shares)
				if err != nil {
					return err
				}
				return e.console.Report(ctx, r)
			})
		},
	}
}

func newHarvestCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "harvest",
		Short: "Realize strategy yield into idle and sample APYs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd, opts, func(ctx context.Context, e *env) error {
				r, err := e.vault.Harvest(ctx)
				if err != nil {
					return err
				}
				return e.console.Report(ctx, r)
			})
		},
	}
}

func newRebalanceCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rebalance",
		Short: "Move deployed capital toward the optimal allocation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd, opts, func(ctx context.Context, e *env) error {
				r, err := e.vault.Rebalance(ctx)
				if err != nil {
					return err
				}
				if len(r.Moves) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "allocations within threshold, nothing moved")
					return nil
				}
				return e.console.Report(ctx, r)
			})
		},
	}
}

func newFlushCmd(opts *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Forward due batch buckets to strategies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd, opts, func(ctx context.Context, e *env) error {
				receipts, err := e.vault.FlushBatches(ctx, force)
				for _, r := range receipts {
					if rerr := e.console.Report(ctx, r); rerr != nil {
						return errors.Join(err, rerr)
					}
				}
				if err == nil && len(receipts) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no bucket due")
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "flush every non-empty bucket now")
	return cmd
}

func newParamsCmd(opts *rootOptions) *cobra.Command {
	var tolerance, threshold uint64
	cmd := &cobra.Command{
		Use:   "params",
		Short: "Change the vault risk tolerance or rebalance threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			setTolerance := cmd.Flags().Changed("risk-tolerance")
			setThreshold := cmd.Flags().Changed("rebalance-threshold")
			if !setTolerance && !setThreshold {
				return errors.New("nothing to change: pass --risk-tolerance or --rebalance-threshold")
			}
			return withEnv(cmd, opts, func(ctx context.Context, e *env) error {
				if setTolerance {
					r, err := e.vault.SetRiskTolerance(ctx, tolerance)
					if err != nil {
						return err
					}
					if err := e.console.Report(ctx, r); err != nil {
						return err
					}
				}
				if setThreshold {
					r, err := e.vault.SetRebalanceThreshold(ctx, threshold)
					if err != nil {
						return err
					}
					return e.console.Report(ctx, r)
				}
				return nil
			})
		},
	}
	cmd.Flags().Uint64Var(&tolerance, "risk-tolerance", 0, "risk tolerance 0..100")
	cmd.Flags().Uint64Var(&threshold, "rebalance-threshold", 0, "rebalance threshold in bps")
	return cmd
}

func newRemoveStrategyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove-strategy <id>",
		Short: "Withdraw everything from a strategy and deactivate it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, opts, func(ctx context.Context, e *env) error {
				r, err := e.vault.RemoveStrategy(ctx, domain.StrategyID(args[0]))
				if err != nil {
					return err
				}
				return e.console.Report(ctx, r)
			})
		},
	}
}
