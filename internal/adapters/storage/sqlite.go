package storage

// sqlite.go persists the vault state in a single SQLite file.
//
// Layout:
//   - `vault_totals`: exactly one row (id=1) with the counters, params and
//     the last rebalance time.
//   - `accounts`: one row per depositor, upserted when an operation touches it.
//   - `strategies`: one row per registered strategy in registration order; the
//     APY ring is stored as a JSON array, oldest sample first.
//   - `batch_buckets`: one row per risk bucket.
//   - `receipts`: operation log, the full receipt as JSON. Rows are only
//     deleted when a compensating save voids an operation that was rolled
//     back after it was persisted.
//
// Amounts are decimal TEXT (they exceed 64 bits); times are unix millis,
// 0 meaning unset.

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/microvault/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS vault_totals (
    id                      INTEGER PRIMARY KEY CHECK (id = 1),
    total_shares            TEXT    NOT NULL DEFAULT '0',
    total_deposits          TEXT    NOT NULL DEFAULT '0',
    idle                    TEXT    NOT NULL DEFAULT '0',
    risk_tolerance          INTEGER NOT NULL DEFAULT 50,
    rebalance_threshold_bps INTEGER NOT NULL DEFAULT 500,
    last_rebalance          INTEGER NOT NULL DEFAULT 0,
    updated_at              INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS accounts (
    address      TEXT PRIMARY KEY,
    principal    TEXT    NOT NULL,
    shares       TEXT    NOT NULL,
    last_deposit INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS strategies (
    id                 TEXT PRIMARY KEY,
    position           INTEGER NOT NULL,
    weight             INTEGER NOT NULL,
    risk_score         INTEGER NOT NULL,
    min_allocation_bps INTEGER NOT NULL,
    max_allocation_bps INTEGER NOT NULL,
    active             INTEGER NOT NULL,
    apy_history        TEXT    NOT NULL DEFAULT '[]',
    history_cap        INTEGER NOT NULL,
    moving_avg_apy     INTEGER NOT NULL DEFAULT 0,
    performance_score  INTEGER NOT NULL DEFAULT 50,
    last_apy           INTEGER NOT NULL DEFAULT 0,
    registered_at      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS batch_buckets (
    risk         TEXT PRIMARY KEY,
    pending      TEXT    NOT NULL DEFAULT '0',
    participants INTEGER NOT NULL DEFAULT 0,
    opened_at    INTEGER NOT NULL DEFAULT 0,
    last_flush   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS receipts (
    seq     INTEGER PRIMARY KEY AUTOINCREMENT,
    id      TEXT    NOT NULL UNIQUE,
    kind    TEXT    NOT NULL,
    account TEXT,
    amount  TEXT    NOT NULL DEFAULT '0',
    at      INTEGER NOT NULL,
    body    TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_receipts_kind ON receipts(kind);
CREATE INDEX IF NOT EXISTS idx_strategies_pos ON strategies(position);
`

// SQLiteStore implements ports.VaultStore on SQLite (pure Go, no CGo).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. ":memory:" gives a throwaway store for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStore: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer, and keeps :memory: on one connection
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStore: pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStore: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save writes one operation's state change in a single transaction.
func (s *SQLiteStore) Save(ctx context.Context, ch domain.StateChange) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.Save: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO vault_totals (id, total_shares, total_deposits, idle,
		    risk_tolerance, rebalance_threshold_bps, last_rebalance, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    total_shares=excluded.total_shares,
		    total_deposits=excluded.total_deposits,
		    idle=excluded.idle,
		    risk_tolerance=excluded.risk_tolerance,
		    rebalance_threshold_bps=excluded.rebalance_threshold_bps,
		    last_rebalance=excluded.last_rebalance,
		    updated_at=excluded.updated_at`,
		ch.Totals.TotalShares.String(), ch.Totals.TotalDeposits.String(), ch.Totals.Idle.String(),
		ch.Params.RiskTolerance, ch.Params.RebalanceThresholdBps,
		unixMilli(ch.LastRebalance), time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("storage.Save: totals: %w", err)
	}

	for _, a := range ch.Accounts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO accounts (address, principal, shares, last_deposit)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(address) DO UPDATE SET
			    principal=excluded.principal,
			    shares=excluded.shares,
			    last_deposit=excluded.last_deposit`,
			string(a.Address), a.Principal.String(), a.Shares.String(), unixMilli(a.LastDeposit),
		); err != nil {
			return fmt.Errorf("storage.Save: account %s: %w", a.Address, err)
		}
	}

	for i, r := range ch.Strategies {
		hist, err := json.Marshal(r.History.Samples())
		if err != nil {
			return fmt.Errorf("storage.Save: strategy %s history: %w", r.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO strategies (id, position, weight, risk_score, min_allocation_bps,
			    max_allocation_bps, active, apy_history, history_cap, moving_avg_apy,
			    performance_score, last_apy, registered_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
			    position=excluded.position,
			    weight=excluded.weight,
			    risk_score=excluded.risk_score,
			    min_allocation_bps=excluded.min_allocation_bps,
			    max_allocation_bps=excluded.max_allocation_bps,
			    active=excluded.active,
			    apy_history=excluded.apy_history,
			    history_cap=excluded.history_cap,
			    moving_avg_apy=excluded.moving_avg_apy,
			    performance_score=excluded.performance_score,
			    last_apy=excluded.last_apy`,
			string(r.ID), i, r.Params.Weight, r.Params.RiskScore, r.Params.MinAllocationBps,
			r.Params.MaxAllocationBps, boolToInt(r.Active), string(hist), r.History.Cap(),
			r.MovingAverageApy, r.PerformanceScore, r.LastApy, unixMilli(r.RegisteredAt),
		); err != nil {
			return fmt.Errorf("storage.Save: strategy %s: %w", r.ID, err)
		}
	}

	for _, b := range ch.Buckets {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO batch_buckets (risk, pending, participants, opened_at, last_flush)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(risk) DO UPDATE SET
			    pending=excluded.pending,
			    participants=excluded.participants,
			    opened_at=excluded.opened_at,
			    last_flush=excluded.last_flush`,
			string(b.Risk), b.Pending.String(), b.Participants, unixMilli(b.OpenedAt), unixMilli(b.LastFlush),
		); err != nil {
			return fmt.Errorf("storage.Save: bucket %s: %w", b.Risk, err)
		}
	}

	if ch.Receipt != nil {
		body, err := json.Marshal(ch.Receipt)
		if err != nil {
			return fmt.Errorf("storage.Save: receipt: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO receipts (id, kind, account, amount, at, body) VALUES (?, ?, ?, ?, ?, ?)`,
			ch.Receipt.ID, string(ch.Receipt.Kind), string(ch.Receipt.Account),
			ch.Receipt.Amount.String(), unixMilli(ch.Receipt.At), string(body),
		); err != nil {
			return fmt.Errorf("storage.Save: receipt %s: %w", ch.Receipt.ID, err)
		}
	}

	if ch.VoidReceipt != "" {
		if _, err := tx.ExecContext(ctx, `DELETE FROM receipts WHERE id = ?`, ch.VoidReceipt); err != nil {
			return fmt.Errorf("storage.Save: void receipt %s: %w", ch.VoidReceipt, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.Save: commit: %w", err)
	}
	return nil
}

// Load reads the whole state back. found is false on a fresh database.
func (s *SQLiteStore) Load(ctx context.Context) (domain.StateChange, bool, error) {
	var ch domain.StateChange
	var shares, deposits, idle string
	var lastRebalance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT total_shares, total_deposits, idle, risk_tolerance,
		       rebalance_threshold_bps, last_rebalance
		FROM vault_totals WHERE id=1`).Scan(
		&shares, &deposits, &idle, &ch.Params.RiskTolerance,
		&ch.Params.RebalanceThresholdBps, &lastRebalance,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StateChange{}, false, nil
	}
	if err != nil {
		return ch, false, fmt.Errorf("storage.Load: totals: %w", err)
	}
	if ch.Totals.TotalShares, err = domain.ParseAmount(shares); err != nil {
		return ch, false, fmt.Errorf("storage.Load: total_shares: %w", err)
	}
	if ch.Totals.TotalDeposits, err = domain.ParseAmount(deposits); err != nil {
		return ch, false, fmt.Errorf("storage.Load: total_deposits: %w", err)
	}
	if ch.Totals.Idle, err = domain.ParseAmount(idle); err != nil {
		return ch, false, fmt.Errorf("storage.Load: idle: %w", err)
	}
	ch.LastRebalance = fromMilli(lastRebalance)

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

func (s *SQLiteStore) loadAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT address, principal, shares, last_deposit FROM accounts ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("storage.Load: accounts: %w", err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		var a domain.Account
		var addr, principal, shares string
		var last int64
		if err := rows.Scan(&addr, &principal, &shares, &last); err != nil {
			return nil, fmt.Errorf("storage.Load: scan account: %w", err)
		}
		a.Address = domain.Address(addr)
		if a.Principal, err = domain.ParseAmount(principal); err != nil {
			return nil, fmt.Errorf("storage.Load: account %s principal: %w", addr, err)
		}
		if a.Shares, err = domain.ParseAmount(shares); err != nil {
			return nil, fmt.Errorf("storage.Load: account %s shares: %w", addr, err)
		}
		a.LastDeposit = fromMilli(last)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) loadStrategies(ctx context.Context) ([]domain.StrategyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, weight, risk_score, min_allocation_bps, max_allocation_bps, active,
		       apy_history, history_cap, moving_avg_apy, performance_score, last_apy, registered_at
		FROM strategies ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("storage.Load: strategies: %w", err)
	}
	defer rows.Close()

	var out []domain.StrategyRecord
	for rows.Next() {
		var r domain.StrategyRecord
		var id, hist string
		var active, histCap int
		var registered int64
		if err := rows.Scan(&id, &r.Params.Weight, &r.Params.RiskScore, &r.Params.MinAllocationBps,
			&r.Params.MaxAllocationBps, &active, &hist, &histCap, &r.MovingAverageApy,
			&r.PerformanceScore, &r.LastApy, &registered); err != nil {
			return nil, fmt.Errorf("storage.Load: scan strategy: %w", err)
		}
		var samples []uint64
		if err := json.Unmarshal([]byte(hist), &samples); err != nil {
			return nil, fmt.Errorf("storage.Load: strategy %s history: %w", id, err)
		}
		r.ID = domain.StrategyID(id)
		r.Active = active != 0
		r.History = domain.RestoreApyRing(histCap, samples)
		r.RegisteredAt = fromMilli(registered)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) loadBuckets(ctx context.Context) ([]domain.Bucket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT risk, pending, participants, opened_at, last_flush FROM batch_buckets`)
	if err != nil {
		return nil, fmt.Errorf("storage.Load: buckets: %w", err)
	}
	defer rows.Close()

	var out []domain.Bucket
	for rows.Next() {
		var b domain.Bucket
		var risk, pending string
		var opened, flushed int64
		if err := rows.Scan(&risk, &pending, &b.Participants, &opened, &flushed); err != nil {
			return nil, fmt.Errorf("storage.Load: scan bucket: %w", err)
		}
		if b.Risk, err = domain.ParseRiskBucket(risk); err != nil {
			return nil, fmt.Errorf("storage.Load: %w", err)
		}
		if b.Pending, err = domain.ParseAmount(pending); err != nil {
			return nil, fmt.Errorf("storage.Load: bucket %s pending: %w", risk, err)
		}
		b.OpenedAt = fromMilli(opened)
		b.LastFlush = fromMilli(flushed)
		out = append(out, b)
	}
	return out, rows.Err()
}

// Receipts returns the latest receipts, newest first.
func (s *SQLiteStore) Receipts(ctx context.Context, limit int) ([]domain.Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM receipts ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage.Receipts: %w", err)
	}
	defer rows.Close()

	var out []domain.Receipt
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("storage.Receipts: scan: %w", err)
		}
		var r domain.Receipt
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, fmt.Errorf("storage.Receipts: decode: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
