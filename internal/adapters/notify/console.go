package notify

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/alejandrodnm/microvault/internal/domain"
	"github.com/olekukonko/tablewriter"
)

// Console implements ports.Reporter on a terminal.
type Console struct {
	out      io.Writer
	decimals uint8
}

// NewConsoleWriter writes to w, formatting amounts with the asset decimals.
func NewConsoleWriter(w io.Writer, decimals uint8) *Console {
	return &Console{out: w, decimals: decimals}
}

// Report prints one committed operation: a summary line, then the capital
// movements and batch flushes it caused.
func (c *Console) Report(_ context.Context, r domain.Receipt) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %-16s", r.At.Format("15:04:05"), r.Kind)
	if r.Account != "" {
		fmt.Fprintf(&sb, " %s", r.Account)
	}
	if r.Strategy != "" {
		fmt.Fprintf(&sb, " strategy=%s", r.Strategy)
	}
	if !r.Amount.IsZero() {
		fmt.Fprintf(&sb, " amount=%s", c.units(r.Amount))
	}
	if !r.Shares.IsZero() {
		fmt.Fprintf(&sb, " shares=%s", domain.FormatUnits(r.Shares, domain.ShareDecimals))
	}
	if id := shortID(r.ID); id != "" {
		fmt.Fprintf(&sb, " (%s)", id)
	}
	fmt.Fprintln(c.out, sb.String())

	for _, f := range r.Flushes {
		if f.Error != "" {
			fmt.Fprintf(c.out, "  flush %s (%s) FAILED, capital stays pending: %s\n", f.Bucket, f.Trigger, f.Error)
			continue
		}
		fmt.Fprintf(c.out, "  flush %s (%s): %s pending → %s deployed\n",
			f.Bucket, f.Trigger, c.units(f.Amount), c.units(f.Deployed))
	}
	for _, y := range r.Yields {
		fmt.Fprintf(c.out, "  yield %-12s %s\n", y.Strategy, c.units(y.Amount))
	}

	if len(r.Moves) == 0 {
		return nil
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("Strategy", "Move", "Requested", "Actual")
	for _, m := range r.Moves {
		table.Append(string(m.Strategy), string(m.Direction), c.units(m.Requested), c.units(m.Actual))
	}
	return table.Render()
}

// Status prints the vault totals, one row per strategy and the batch buckets.
func (c *Console) Status(_ context.Context, s domain.Snapshot) error {
	fmt.Fprintf(c.out, "\n[%s] vault: %d accounts | total assets %s | idle %s | deployed %s\n",
		s.At.Format("2006-01-02 15:04:05"), s.Accounts,
		c.units(s.TotalAssets), c.units(s.Totals.Idle), c.units(s.Deployed()))
	fmt.Fprintf(c.out, "  deposits %s | shares %s | share price %s | risk tolerance %d | rebalance at %d bps\n",
		c.units(s.Totals.TotalDeposits), domain.FormatUnits(s.Totals.TotalShares, domain.ShareDecimals),
		c.units(s.SharePrice()), s.Params.RiskTolerance, s.Params.RebalanceThresholdBps)

	if len(s.Strategies) > 0 {
		deployed := s.Deployed()
		table := tablewriter.NewWriter(c.out)
		table.Header("Strategy", "State", "Weight", "Risk", "Bounds", "Assets", "Share", "Last APY", "Avg APY", "Perf")
		for _, st := range s.Strategies {
			r := st.Record
			table.Append(
				string(r.ID),
				strategyState(st),
				fmt.Sprintf("%d", r.Params.Weight),
				fmt.Sprintf("%d", r.Params.RiskScore),
				fmt.Sprintf("%s-%s", bpsPct(r.Params.MinAllocationBps), bpsPct(r.Params.MaxAllocationBps)),
				c.units(st.Assets),
				bpsPct(domain.AllocationBps(st.Assets, deployed)),
				bpsPct(r.LastApy),
				bpsPct(r.MovingAverageApy),
				fmt.Sprintf("%d", r.PerformanceScore),
			)
		}
		if err := table.Render(); err != nil {
			return fmt.Errorf("notify.Status: %w", err)
		}
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("Bucket", "Pending", "Participants", "Opened", "Last flush")
	for _, b := range s.Buckets {
		table.Append(string(b.Risk), c.units(b.Pending), fmt.Sprintf("%d", b.Participants),
			clock(b.OpenedAt.IsZero(), b.OpenedAt.Format("15:04:05")),
			clock(b.LastFlush.IsZero(), b.LastFlush.Format("01-02 15:04")))
	}
	return table.Render()
}

func (c *Console) units(a domain.Amount) string { return domain.FormatUnits(a, c.decimals) }

func bpsPct(bps uint64) string {
	return fmt.Sprintf("%d.%02d%%", bps/100, bps%100)
}

func strategyState(s domain.StrategySnapshot) string {
	switch {
	case !s.Record.Active:
		return "removed"
	case !s.Bound:
		return "unbound"
	case !s.Healthy:
		return "UNHEALTHY"
	}
	return "ok"
}

func clock(zero bool, s string) string {
	if zero {
		return "-"
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
