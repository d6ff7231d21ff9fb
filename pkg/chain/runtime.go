// Package chain is an in-process ledger runtime.
//
// It provides the primitives the marketplace consumes from a ledger: a total
// order of calls, per-call atomicity with journalled rollback, block time, a
// fungible token and a durable event log. Every state-changing call runs inside
// Runtime.Execute; read-only queries run inside Runtime.View.
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MarcoBrian/OpenAudit/pkg/eventlog"
)

// maxCallDepth bounds nested calls made through Tx.Call.
const maxCallDepth = 64

var (
	// ErrReadOnly is returned when a view call attempts a state change.
	ErrReadOnly = errors.New("chain: state change in read-only call")
	// ErrCallDepth is returned when nested calls exceed maxCallDepth.
	ErrCallDepth = errors.New("chain: call depth exceeded")
)

// Runtime serializes ledger calls. It is the only lock protecting component state.
type Runtime struct {
	mu     sync.RWMutex
	events eventlog.Log
	clock  func() time.Time
	height uint64
	logger *slog.Logger
}

// NewRuntime creates a runtime committing events to log.
func NewRuntime(log eventlog.Log) *Runtime {
	return &Runtime{
		events: log,
		clock:  time.Now,
		logger: slog.Default().With("component", "chain"),
	}
}

// WithClock overrides the block clock for deterministic testing.
func (r *Runtime) WithClock(clock func() time.Time) *Runtime {
	r.clock = clock
	return r
}

// WithLogger sets the runtime's logger.
func (r *Runtime) WithLogger(logger *slog.Logger) *Runtime {
	r.logger = logger
	return r
}

// Events returns the event log the runtime commits to.
func (r *Runtime) Events() eventlog.Log { return r.events }

// Height returns the height of the last committed call.
func (r *Runtime) Height() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.height
}

// Now returns the current block time.
func (r *Runtime) Now() time.Time { return r.clock().UTC() }

// Execute runs fn as one atomic call from sender. If fn returns an error, or
// the emitted events cannot be committed, every journalled mutation is reverted
// and the events are dropped.
func (r *Runtime) Execute(ctx context.Context, sender Address, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	hooks, err := r.execute(ctx, sender, fn)
	if err != nil {
		return err
	}
	for _, h := range hooks {
		h()
	}
	return nil
}

func (r *Runtime) execute(ctx context.Context, sender Address, fn func(tx *Tx) error) ([]func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f := &frame{now: r.clock().UTC(), height: r.height + 1}
	tx := &Tx{ctx: ctx, frame: f, sender: sender}

	if err := runGuarded(f, tx, fn); err != nil {
		f.journal.revert(0)
		return nil, err
	}
	if f.emitErr != nil {
		f.journal.revert(0)
		return nil, f.emitErr
	}
	if len(f.events) > 0 {
		if _, err := r.events.Append(ctx, f.events...); err != nil {
			f.journal.revert(0)
			r.logger.Error("event commit failed, call reverted", "height", f.height, "error", err)
			return nil, fmt.Errorf("chain: commit events: %w", err)
		}
	}
	r.height = f.height
	return f.afterCommit, nil
}

// runGuarded calls fn, reverting state before re-raising a panic.
func runGuarded(f *frame, tx *Tx, fn func(tx *Tx) error) error {
	defer func() {
		if p := recover(); p != nil {
			f.journal.revert(0)
			panic(p)
		}
	}()
	return fn(tx)
}

// View runs fn as a read-only call. Concurrent views may run in parallel.
func (r *Runtime) View(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	f := &frame{now: r.clock().UTC(), height: r.height, readOnly: true}
	return fn(&Tx{ctx: ctx, frame: f})
}

// Query is View returning a value.
func Query[T any](ctx context.Context, r *Runtime, fn func(tx *Tx) (T, error)) (T, error) {
	var out T
	err := r.View(ctx, func(tx *Tx) error {
		v, err := fn(tx)
		out = v
		return err
	})
	return out, err
}

// Call is Execute returning a value. The zero value is returned on error.
func Call[T any](ctx context.Context, r *Runtime, sender Address, fn func(tx *Tx) (T, error)) (T, error) {
	var out T
	err := r.Execute(ctx, sender, func(tx *Tx) error {
		v, err := fn(tx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// frame is the state shared by a top-level call and all calls nested in it.
type frame struct {
	journal     journal
	events      []eventlog.Event
	emitErr     error
	afterCommit []func()
	now         time.Time
	height      uint64
	readOnly    bool
}

// Tx is the context of a ledger call.
type Tx struct {
	ctx    context.Context
	frame  *frame
	sender Address
	depth  int
}

// Context returns the call's context.
func (tx *Tx) Context() context.Context { return tx.ctx }

// Sender returns the immediate caller.
func (tx *Tx) Sender() Address { return tx.sender }

// Now returns the block time of the call.
func (tx *Tx) Now() time.Time { return tx.frame.now }

// Height returns the block height the call executes at.
func (tx *Tx) Height() uint64 { return tx.frame.height }

// ReadOnly reports whether the call is a view.
func (tx *Tx) ReadOnly() bool { return tx.frame.readOnly }

// As returns a context for a call made by sender within the same atomic call.
// Mutations made through it are reverted together with the outer call.
func (tx *Tx) As(sender Address) *Tx {
	return &Tx{ctx: tx.ctx, frame: tx.frame, sender: sender, depth: tx.depth + 1}
}

// Call runs fn as a nested call from sender. If fn fails, only the nested
// call's mutations and events are reverted and its error is returned.
func (tx *Tx) Call(sender Address, fn func(tx *Tx) error) error {
	if tx.depth+1 > maxCallDepth {
		return ErrCallDepth
	}
	snap := tx.frame.journal.snapshot()
	nEvents := len(tx.frame.events)
	nHooks := len(tx.frame.afterCommit)
	if err := fn(tx.As(sender)); err != nil {
		tx.frame.journal.revert(snap)
		tx.frame.events = tx.frame.events[:nEvents]
		tx.frame.afterCommit = tx.frame.afterCommit[:nHooks]
		return err
	}
	return nil
}

// OnRevert registers undo to run if the call is reverted.
// It panics in a read-only call.
func (tx *Tx) OnRevert(undo func()) {
	if tx.frame.readOnly {
		panic(ErrReadOnly)
	}
	tx.frame.journal.append(undo)
}

// Writable returns ErrReadOnly in a view call.
func (tx *Tx) Writable() error {
	if tx.frame.readOnly {
		return ErrReadOnly
	}
	return nil
}

// Emit buffers an event. Buffered events are committed in order when the
// top-level call succeeds.
func (tx *Tx) Emit(kind eventlog.Kind, payload any) {
	if tx.frame.readOnly {
		panic(ErrReadOnly)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		if tx.frame.emitErr == nil {
			tx.frame.emitErr = fmt.Errorf("chain: encode %s: %w", kind, err)
		}
		return
	}
	tx.frame.events = append(tx.frame.events, eventlog.Event{
		Kind:      kind,
		Height:    tx.frame.height,
		Sender:    tx.sender.Hex(),
		Payload:   raw,
		Timestamp: tx.frame.now,
	})
}

// AfterCommit registers fn to run once the top-level call has committed, outside
// the runtime lock. Hooks of reverted calls never run.
func (tx *Tx) AfterCommit(fn func()) {
	if tx.frame.readOnly {
		panic(ErrReadOnly)
	}
	tx.frame.afterCommit = append(tx.frame.afterCommit, fn)
}

// JournalLen returns the number of journalled mutations so far.
func (tx *Tx) JournalLen() int { return tx.frame.journal.length() }
