package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// SQLLog implements Log using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLLog struct {
	db *sql.DB
	mu sync.Mutex
}

func NewSQLLog(db *sql.DB) *SQLLog {
	return &SQLLog{db: db}
}

const eventSchema = `
CREATE TABLE IF NOT EXISTS ledger_events (
	sequence BIGINT PRIMARY KEY,
	id TEXT NOT NULL,
	kind TEXT NOT NULL,
	height BIGINT NOT NULL,
	sender TEXT NOT NULL,
	payload TEXT NOT NULL,
	ts TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL
);
`

// Init creates the events table.
func (l *SQLLog) Init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, eventSchema)
	return err
}

// Append commits events in a single transaction.
func (l *SQLLog) Append(ctx context.Context, events ...Event) ([]Event, error) {
	if len(events) == 0 {
		return []Event{}, nil
	}
	// Serializes writers within this process; the primary key rejects
	// concurrent writers from other processes.
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("eventlog: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		seq  uint64
		head = GenesisHash
	)
	row := tx.QueryRowContext(ctx, `SELECT sequence, hash FROM ledger_events ORDER BY sequence DESC LIMIT 1`)
	if err := row.Scan(&seq, &head); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("eventlog: read head: %w", err)
	}

	out := make([]Event, len(events))
	for i, e := range events {
		seq++
		if err := seal(&e, seq, head); err != nil {
			return nil, err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_events (sequence, id, kind, height, sender, payload, ts, prev_hash, hash)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.Sequence, e.ID, string(e.Kind), e.Height, e.Sender, string(e.Payload),
			e.Timestamp.Format(time.RFC3339Nano), e.PrevHash, e.Hash,
		)
		if err != nil {
			return nil, fmt.Errorf("eventlog: insert %d: %w", e.Sequence, err)
		}
		head = e.Hash
		out[i] = e
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("eventlog: commit: %w", err)
	}
	return out, nil
}

const selectEvents = `SELECT sequence, id, kind, height, sender, payload, ts, prev_hash, hash FROM ledger_events`

// Get retrieves an event by sequence number.
func (l *SQLLog) Get(ctx context.Context, seq uint64) (Event, error) {
	row := l.db.QueryRowContext(ctx, selectEvents+` WHERE sequence = $1`, seq)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	return e, err
}

// Range returns up to limit events starting at sequence from.
func (l *SQLLog) Range(ctx context.Context, from uint64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := l.db.QueryContext(ctx, selectEvents+` WHERE sequence >= $1 ORDER BY sequence LIMIT $2`, from, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]Event, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// LastSequence returns the highest committed sequence number.
func (l *SQLLog) LastSequence(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	if err := l.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM ledger_events`).Scan(&seq); err != nil {
		return 0, err
	}
	return uint64(seq.Int64), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (Event, error) {
	var (
		e       Event
		kind    string
		payload string
		ts      string
	)
	if err := s.Scan(&e.Sequence, &e.ID, &kind, &e.Height, &e.Sender, &payload, &ts, &e.PrevHash, &e.Hash); err != nil {
		return Event{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Event{}, fmt.Errorf("eventlog: event %d timestamp: %w", e.Sequence, err)
	}
	e.Kind = Kind(kind)
	e.Payload = []byte(payload)
	e.Timestamp = t
	return e, nil
}
