// Package scheduler drives the periodic operator calls of a running vault:
// harvest, rebalance, interval flushes and status reports.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/alejandrodnm/microvault/internal/domain"
	"github.com/alejandrodnm/microvault/internal/ports"
)

// Vault is the subset of the orchestrator the scheduler calls.
type Vault interface {
	Harvest(ctx context.Context) (domain.Receipt, error)
	Rebalance(ctx context.Context) (domain.Receipt, error)
	FlushBatches(ctx context.Context, force bool) ([]domain.Receipt, error)
	Snapshot(ctx context.Context) (domain.Snapshot, error)
}

// Config holds one cron spec (with seconds) per job. An empty spec leaves the
// job out.
type Config struct {
	Harvest   string
	Rebalance string
	Flush     string
	Status    string
}

// Scheduler runs the jobs on robfig/cron. A failed job is logged and waits
// for its next tick; nothing is retried.
type Scheduler struct {
	cron     *cron.Cron
	vault    Vault
	reporter ports.Reporter
	ctx      context.Context
}

// New builds a scheduler whose jobs run with ctx. reporter may be nil.
func New(ctx context.Context, v Vault, reporter ports.Reporter) *Scheduler {
	logger := cronLogger{}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		vault:    v,
		reporter: reporter,
		ctx:      ctx,
	}
}

// Register adds every job with a non-empty spec.
func (s *Scheduler) Register(cfg Config) error {
	jobs := []struct {
		name string
		spec string
		run  func()
	}{
		{"harvest", cfg.Harvest, s.harvest},
		{"rebalance", cfg.Rebalance, s.rebalance},
		{"flush", cfg.Flush, s.flush},
		{"status", cfg.Status, s.status},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if _, err := s.cron.AddFunc(j.spec, j.run); err != nil {
			return fmt.Errorf("scheduler.Register: %s %q: %w", j.name, j.spec, err)
		}
		slog.Info("scheduler: job registered", "job", j.name, "spec", j.spec)
	}
	return nil
}

// Jobs is the number of registered jobs.
func (s *Scheduler) Jobs() int { return len(s.cron.Entries()) }

// Start runs the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler: started", "jobs", s.Jobs())
}

// Stop stops new ticks and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	slog.Info("scheduler: stopped")
}

func (s *Scheduler) harvest() {
	r, err := s.vault.Harvest(s.ctx)
	if err != nil {
		slog.Error("scheduler: harvest failed", "err", err, "kind", domain.KindOf(err))
		return
	}
	s.report(r)
}

func (s *Scheduler) rebalance() {
	r, err := s.vault.Rebalance(s.ctx)
	switch {
	case errors.Is(err, domain.ErrRebalanceCooldown):
		slog.Debug("scheduler: rebalance skipped", "err", err)
		return
	case err != nil:
		slog.Error("scheduler: rebalance failed", "err", err, "kind", domain.KindOf(err))
		return
	}
	if len(r.Moves) == 0 {
		slog.Debug("scheduler: allocations within threshold")
		return
	}
	s.report(r)
}

func (s *Scheduler) flush() {
	receipts, err := s.vault.FlushBatches(s.ctx, false)
	for _, r := range receipts {
		s.report(r)
	}
	if err != nil {
		slog.Error("scheduler: flush failed", "err", err, "kind", domain.KindOf(err))
	}
}

func (s *Scheduler) status() {
	snap, err := s.vault.Snapshot(s.ctx)
	if err != nil {
		slog.Error("scheduler: snapshot failed", "err", err)
		return
	}
	if s.reporter == nil {
		return
	}
	if err := s.reporter.Status(s.ctx, snap); err != nil {
		slog.Warn("scheduler: status report failed", "err", err)
	}
}

func (s *Scheduler) report(r domain.Receipt) {
	if s.reporter == nil {
		return
	}
	if err := s.reporter.Report(s.ctx, r); err != nil {
		slog.Warn("scheduler: report failed", "err", err, "op", r.Kind)
	}
}

// cronLogger sends cron's own logging to slog. Info is per-tick noise, so it
// goes to debug.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append([]interface{}{"err", err}, keysAndValues...)...)
}
