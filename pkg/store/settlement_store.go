// Package store persists settlement records in Postgres or SQLite.
//
// One implementation covers Postgres (lib/pq) and SQLite (modernc) through
// database/sql. Dialect differences are limited to row locking.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoBrian/OpenAudit/pkg/errcode"
	"github.com/MarcoBrian/OpenAudit/pkg/money"
	"github.com/MarcoBrian/OpenAudit/pkg/settlement"
)

// Dialect selects SQL variations between backends.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// SettlementStore implements settlement.Store on database/sql.
type SettlementStore struct {
	db      *sql.DB
	dialect Dialect
}

var _ settlement.Store = (*SettlementStore)(nil)

func NewSettlementStore(db *sql.DB, dialect Dialect) *SettlementStore {
	return &SettlementStore{db: db, dialect: dialect}
}

const settlementSchema = `
CREATE TABLE IF NOT EXISTS settlement_records (
	bridge_id TEXT PRIMARY KEY,
	bounty_id BIGINT NOT NULL DEFAULT 0,
	source_domain TEXT NOT NULL,
	dest_domain TEXT NOT NULL,
	amount BIGINT NOT NULL,
	recipient TEXT NOT NULL,
	paid_to TEXT NOT NULL DEFAULT '',
	steps TEXT NOT NULL,
	status TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	aborted BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS settlement_records_bounty ON settlement_records (bounty_id) WHERE bounty_id > 0;
`

// Init creates the table and indexes.
func (s *SettlementStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, settlementSchema)
	return err
}

const selectRecords = `SELECT bridge_id, bounty_id, source_domain, dest_domain, amount, recipient, paid_to, steps, status, error, aborted, created_at, updated_at FROM settlement_records`

// Create inserts rec if its bridge id is new; otherwise the stored record is
// returned untouched.
func (s *SettlementStore) Create(ctx context.Context, rec settlement.Record) (settlement.Record, bool, error) {
	rec = rec.Clone()
	steps, err := json.Marshal(rec.Steps)
	if err != nil {
		return settlement.Record{}, false, fmt.Errorf("store: encode steps: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO settlement_records (bridge_id, bounty_id, source_domain, dest_domain, amount, recipient, paid_to, steps, status, error, aborted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT DO NOTHING`,
		rec.BridgeID, int64(rec.BountyID), rec.SourceDomain, rec.DestDomain, int64(rec.Amount),
		rec.Recipient, rec.PaidTo, string(steps), string(rec.Status), rec.Error, rec.Aborted,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano), rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return settlement.Record{}, false, fmt.Errorf("store: insert %s: %w", rec.BridgeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return settlement.Record{}, false, err
	}
	if n == 1 {
		return rec, true, nil
	}
	existing, err := s.Get(ctx, rec.BridgeID)
	if err != nil {
		return settlement.Record{}, false, err
	}
	return existing, false, nil
}

// Update replaces a record after checking it is a legal successor of the
// stored one. The read and write share a transaction.
func (s *SettlementStore) Update(ctx context.Context, rec settlement.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	q := selectRecords + ` WHERE bridge_id = $1`
	if s.dialect == Postgres {
		q += ` FOR UPDATE`
	}
	prev, err := scanRecord(tx.QueryRowContext(ctx, q, rec.BridgeID))
	if errors.Is(err, sql.ErrNoRows) {
		return errcode.SettlementNotFound.Withf("bridge %s", rec.BridgeID)
	}
	if err != nil {
		return err
	}
	if err := settlement.CheckAdvance(prev, rec); err != nil {
		return err
	}

	steps, err := json.Marshal(rec.Clone().Steps)
	if err != nil {
		return fmt.Errorf("store: encode steps: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE settlement_records
		SET dest_domain = $1, paid_to = $2, steps = $3, status = $4, error = $5, aborted = $6, updated_at = $7
		WHERE bridge_id = $8`,
		rec.DestDomain, rec.PaidTo, string(steps), string(rec.Status), rec.Error, rec.Aborted,
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano), rec.BridgeID,
	)
	if err != nil {
		return fmt.Errorf("store: update %s: %w", rec.BridgeID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (s *SettlementStore) Get(ctx context.Context, bridgeID string) (settlement.Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectRecords+` WHERE bridge_id = $1`, bridgeID))
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Record{}, errcode.SettlementNotFound.Withf("bridge %s", bridgeID)
	}
	return rec, err
}

func (s *SettlementStore) GetByBounty(ctx context.Context, bountyID uint64) (settlement.Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectRecords+` WHERE bounty_id = $1`, int64(bountyID)))
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Record{}, errcode.SettlementNotFound.Withf("bounty %d", bountyID)
	}
	return rec, err
}

// List returns all records oldest first.
func (s *SettlementStore) List(ctx context.Context) ([]settlement.Record, error) {
	rows, err := s.db.QueryContext(ctx, selectRecords+` ORDER BY created_at, bridge_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]settlement.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (settlement.Record, error) {
	var (
		rec              settlement.Record
		bountyID, amount int64
		steps, status    string
		created, updated string
	)
	err := s.Scan(&rec.BridgeID, &bountyID, &rec.SourceDomain, &rec.DestDomain, &amount,
		&rec.Recipient, &rec.PaidTo, &steps, &status, &rec.Error, &rec.Aborted, &created, &updated)
	if err != nil {
		return settlement.Record{}, err
	}
	if err := json.Unmarshal([]byte(steps), &rec.Steps); err != nil {
		return settlement.Record{}, fmt.Errorf("store: record %s steps: %w", rec.BridgeID, err)
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return settlement.Record{}, fmt.Errorf("store: record %s created_at: %w", rec.BridgeID, err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return settlement.Record{}, fmt.Errorf("store: record %s updated_at: %w", rec.BridgeID, err)
	}
	rec.BountyID = uint64(bountyID)
	rec.Amount = money.Amount(amount)
	rec.Status = settlement.Status(status)
	return rec.Clone(), nil
}
