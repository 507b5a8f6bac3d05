// Package postgres is the Postgres VaultStore for deployments that share a
// database with other services.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alejandrodnm/microvault/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS vault_totals (
    id                      SMALLINT PRIMARY KEY CHECK (id = 1),
    total_shares            NUMERIC(78,0) NOT NULL DEFAULT 0,
    total_deposits          NUMERIC(78,0) NOT NULL DEFAULT 0,
    idle                    NUMERIC(78,0) NOT NULL DEFAULT 0,
    risk_tolerance          BIGINT        NOT NULL DEFAULT 50,
    rebalance_threshold_bps BIGINT        NOT NULL DEFAULT 500,
    last_rebalance          TIMESTAMPTZ,
    updated_at              TIMESTAMPTZ   NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS accounts (
    address      TEXT PRIMARY KEY,
    principal    NUMERIC(78,0) NOT NULL,
    shares       NUMERIC(78,0) NOT NULL,
    last_deposit TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS strategies (
    id                 TEXT PRIMARY KEY,
    position           INTEGER NOT NULL,
    weight             BIGINT  NOT NULL,
    risk_score         BIGINT  NOT NULL,
    min_allocation_bps BIGINT  NOT NULL,
    max_allocation_bps BIGINT  NOT NULL,
    active             BOOLEAN NOT NULL,
    apy_history        JSONB   NOT NULL DEFAULT '[]',
    history_cap        INTEGER NOT NULL,
    moving_avg_apy     BIGINT  NOT NULL DEFAULT 0,
    performance_score  BIGINT  NOT NULL DEFAULT 50,
    last_apy           BIGINT  NOT NULL DEFAULT 0,
    registered_at      TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS batch_buckets (
    risk         TEXT PRIMARY KEY,
    pending      NUMERIC(78,0) NOT NULL DEFAULT 0,
    participants INTEGER       NOT NULL DEFAULT 0,
    opened_at    TIMESTAMPTZ,
    last_flush   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS receipts (
    seq     BIGSERIAL PRIMARY KEY,
    id      UUID          NOT NULL UNIQUE,
    kind    TEXT          NOT NULL,
    account TEXT,
    amount  NUMERIC(78,0) NOT NULL DEFAULT 0,
    at      TIMESTAMPTZ   NOT NULL,
    body    JSONB         NOT NULL
);
`

// Store implements ports.VaultStore on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects and ensures the schema exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres.NewStore: dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres.NewStore: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres.NewStore: apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Save writes one state change as a single batch inside a transaction.
// Amounts travel as decimal text and are cast to NUMERIC server side.
func (s *Store) Save(ctx context.Context, ch domain.StateChange) error {
	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO vault_totals (id, total_shares, total_deposits, idle, risk_tolerance,
		    rebalance_threshold_bps, last_rebalance, updated_at)
		VALUES (1, $1::numeric, $2::numeric, $3::numeric, $4, $5, $6, now())
		ON CONFLICT (id) DO UPDATE SET
		    total_shares = EXCLUDED.total_shares,
		    total_deposits = EXCLUDED.total_deposits,
		    idle = EXCLUDED.idle,
		    risk_tolerance = EXCLUDED.risk_tolerance,
		    rebalance_threshold_bps = EXCLUDED.rebalance_threshold_bps,
		    last_rebalance = EXCLUDED.last_rebalance,
		    updated_at = now()`,
		ch.Totals.TotalShares.String(), ch.Totals.TotalDeposits.String(), ch.Totals.Idle.String(),
		int64(ch.Params.RiskTolerance), int64(ch.Params.RebalanceThresholdBps), nullTime(ch.LastRebalance),
	)

	for _, a := range ch.Accounts {
		batch.Queue(`
			INSERT INTO accounts (address, principal, shares, last_deposit)
			VALUES ($1, $2::numeric, $3::numeric, $4)
			ON CONFLICT (address) DO UPDATE SET
			    principal = EXCLUDED.principal,
			    shares = EXCLUDED.shares,
			    last_deposit = EXCLUDED.last_deposit`,
			string(a.Address), a.Principal.String(), a.Shares.String(), nullTime(a.LastDeposit),
		)
	}

	for i, r := range ch.Strategies {
		hist, err := json.Marshal(r.History.Samples())
		if err != nil {
			return fmt.Errorf("postgres.Save: strategy %s history: %w", r.ID, err)
		}
		batch.Queue(`
			INSERT INTO strategies (id, position, weight, risk_score, min_allocation_bps,
			    max_allocation_bps, active, apy_history, history_cap, moving_avg_apy,
			    performance_score, last_apy, registered_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11, $12, $13)
			ON CONFLICT (id) DO UPDATE SET
			    position = EXCLUDED.position,
			    weight = EXCLUDED.weight,
			    risk_score = EXCLUDED.risk_score,
			    min_allocation_bps = EXCLUDED.min_allocation_bps,
			    max_allocation_bps = EXCLUDED.max_allocation_bps,
			    active = EXCLUDED.active,
			    apy_history = EXCLUDED.apy_history,
			    history_cap = EXCLUDED.history_cap,
			    moving_avg_apy = EXCLUDED.moving_avg_apy,
			    performance_score = EXCLUDED.performance_score,
			    last_apy = EXCLUDED.last_apy`,
			string(r.ID), i, int64(r.Params.Weight), int64(r.Params.RiskScore),
			int64(r.Params.MinAllocationBps), int64(r.Params.MaxAllocationBps), r.Active,
			string(hist), r.History.Cap(), int64(r.MovingAverageApy), int64(r.PerformanceScore),
			int64(r.LastApy), nullTime(r.RegisteredAt),
		)
	}

	for _, b := range ch.Buckets {
		batch.Queue(`
			INSERT INTO batch_buckets (risk, pending, participants, opened_at, last_flush)
			VALUES ($1, $2::numeric, $3, $4, $5)
			ON CONFLICT (risk) DO UPDATE SET
			    pending = EXCLUDED.pending,
			    participants = EXCLUDED.participants,
			    opened_at = EXCLUDED.opened_at,
			    last_flush = EXCLUDED.last_flush`,
			string(b.Risk), b.Pending.String(), b.Participants, nullTime(b.OpenedAt), nullTime(b.LastFlush),
		)
	}

	if ch.Receipt != nil {
		body, err := json.Marshal(ch.Receipt)
		if err != nil {
			return fmt.Errorf("postgres.Save: receipt: %w", err)
		}
		batch.Queue(`
			INSERT INTO receipts (id, kind, account, amount, at, body)
			VALUES ($1, $2, $3, $4::numeric, $5, $6::jsonb)`,
			ch.Receipt.ID, string(ch.Receipt.Kind), string(ch.Receipt.Account),
			ch.Receipt.Amount.String(), ch.Receipt.At.UTC(), string(body),
		)
	}

	if ch.VoidReceipt != "" {
		batch.Queue(`DELETE FROM receipts WHERE id = $1`, ch.VoidReceipt)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres.Save: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("postgres.Save: statement %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("postgres.Save: close batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres.Save: commit: %w", err)
	}
	return nil
}

// Load reads the whole state back. found is false on a fresh database.
func (s *Store) Load(ctx context.Context) (domain.StateChange, bool, error) {
	var ch domain.StateChange
	var shares, deposits, idle string
	var tolerance, threshold int64
	var lastRebalance *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT total_shares::text, total_deposits::text, idle::text, risk_tolerance,
		       rebalance_threshold_bps, last_rebalance
		FROM vault_totals WHERE id = 1`).Scan(
		&shares, &deposits, &idle, &tolerance, &threshold, &lastRebalance,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.StateChange{}, false, nil
	}
	if err != nil {
		return ch, false, fmt.Errorf("postgres.Load: totals: %w", err)
	}
	ch.Params = domain.VaultParams{RiskTolerance: uint64(tolerance), RebalanceThresholdBps: uint64(threshold)}
	ch.LastRebalance = timeOrZero(lastRebalance)
	if ch.Totals, err = parseTotals(shares, deposits, idle); err != nil {
		return ch, false, fmt.Errorf("postgres.Load: %w", err)
	}

	if ch.Accounts, err = s.loadAccounts(ctx); err != nil {
		return ch, false, err
	}
	if ch.Strategies, err = s.loadStrategies(ctx); err != nil {
		return ch, false, err
	}
	if ch.Buckets, err = s.loadBuckets(ctx); err != nil {
		return ch, false, err
	}
	return ch, true, nil
}

func (s *Store) loadAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT address, principal::text, shares::text, last_deposit FROM accounts ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("postgres.Load: accounts: %w", err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		var addr, principal, shares string
		var last *time.Time
		if err := rows.Scan(&addr, &principal, &shares, &last); err != nil {
			return nil, fmt.Errorf("postgres.Load: scan account: %w", err)
		}
		a := domain.Account{Address: domain.Address(addr), LastDeposit: timeOrZero(last)}
		if a.Principal, err = domain.ParseAmount(principal); err != nil {
			return nil, fmt.Errorf("postgres.Load: account %s principal: %w", addr, err)
		}
		if a.Shares, err = domain.ParseAmount(shares); err != nil {
			return nil, fmt.Errorf("postgres.Load: account %s shares: %w", addr, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) loadStrategies(ctx context.Context) ([]domain.StrategyRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, weight, risk_score, min_allocation_bps, max_allocation_bps, active,
		       apy_history, history_cap, moving_avg_apy, performance_score, last_apy, registered_at
		FROM strategies ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("postgres.Load: strategies: %w", err)
	}
	defer rows.Close()

	var out []domain.StrategyRecord
	for rows.Next() {
		var (
			id                              string
			weight, risk, minBps, maxBps    int64
			active                          bool
			hist                            []byte
			histCap                         int32
			movingAvg, performance, lastApy int64
			registered                      *time.Time
		)
		if err := rows.Scan(&id, &weight, &risk, &minBps, &maxBps, &active, &hist, &histCap,
			&movingAvg, &performance, &lastApy, &registered); err != nil {
			return nil, fmt.Errorf("postgres.Load: scan strategy: %w", err)
		}
		var samples []uint64
		if err := json.Unmarshal(hist, &samples); err != nil {
			return nil, fmt.Errorf("postgres.Load: strategy %s history: %w", id, err)
		}
		out = append(out, domain.StrategyRecord{
			ID: domain.StrategyID(id),
			Params: domain.StrategyParams{
				Weight:           uint64(weight),
				RiskScore:        uint64(risk),
				MinAllocationBps: uint64(minBps),
				MaxAllocationBps: uint64(maxBps),
			},
			Active:           active,
			History:          domain.RestoreApyRing(int(histCap), samples),
			MovingAverageApy: uint64(movingAvg),
			PerformanceScore: uint64(performance),
			LastApy:          uint64(lastApy),
			RegisteredAt:     timeOrZero(registered),
		})
	}
	return out, rows.Err()
}

func (s *Store) loadBuckets(ctx context.Context) ([]domain.Bucket, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT risk, pending::text, participants, opened_at, last_flush FROM batch_buckets`)
	if err != nil {
		return nil, fmt.Errorf("postgres.Load: buckets: %w", err)
	}
	defer rows.Close()

	var out []domain.Bucket
	for rows.Next() {
		var risk, pending string
		var participants int32
		var opened, flushed *time.Time
		if err := rows.Scan(&risk, &pending, &participants, &opened, &flushed); err != nil {
			return nil, fmt.Errorf("postgres.Load: scan bucket: %w", err)
		}
		b := domain.Bucket{Participants: int(participants), OpenedAt: timeOrZero(opened), LastFlush: timeOrZero(flushed)}
		if b.Risk, err = domain.ParseRiskBucket(risk); err != nil {
			return nil, fmt.Errorf("postgres.Load: %w", err)
		}
		if b.Pending, err = domain.ParseAmount(pending); err != nil {
			return nil, fmt.Errorf("postgres.Load: bucket %s pending: %w", risk, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Receipts returns the latest receipts, newest first.
func (s *Store) Receipts(ctx context.Context, limit int) ([]domain.Receipt, error) {
	rows, err := s.pool.Query(ctx, `SELECT body FROM receipts ORDER BY seq DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres.Receipts: %w", err)
	}
	defer rows.Close()

	var out []domain.Receipt
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("postgres.Receipts: scan: %w", err)
		}
		var r domain.Receipt
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, fmt.Errorf("postgres.Receipts: decode: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func parseTotals(shares, deposits, idle string) (domain.Totals, error) {
	var t domain.Totals
	var err error
	if t.TotalShares, err = domain.ParseAmount(shares); err != nil {
		return t, fmt.Errorf("total_shares: %w", err)
	}
	if t.TotalDeposits, err = domain.ParseAmount(deposits); err != nil {
		return t, fmt.Errorf("total_deposits: %w", err)
	}
	if t.Idle, err = domain.ParseAmount(idle); err != nil {
		return t, fmt.Errorf("idle: %w", err)
	}
	return t, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
