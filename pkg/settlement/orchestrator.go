// Package settlement implements the Settlement Orchestrator.
//
// The orchestrator turns a bounty resolution into a payout to the winner's
// preferred destination. A destination equal to the source domain is paid by
// a single same-ledger transfer from the relay; any other destination runs the
// bridge protocol (approve, burn, attestation, mint), one goroutine per bridge
// id. Records are keyed by bridge id. Bounty settlements derive it from the
// bounty id, so re-delivered events and repeated calls resume the same record
// instead of paying twice. Steps that succeeded are never executed again.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MarcoBrian/OpenAudit/pkg/chain"
	"github.com/MarcoBrian/OpenAudit/pkg/errcode"
	"github.com/MarcoBrian/OpenAudit/pkg/money"
	"github.com/MarcoBrian/OpenAudit/pkg/observability"
	"github.com/MarcoBrian/OpenAudit/pkg/retry"
)

// BridgeNamespace is the UUIDv5 namespace of bounty bridge ids.
var BridgeNamespace = uuid.MustParse("6f3b5e0c-2d1a-5c8e-9b47-0a1e2f3c4d5e")

// BountyBridgeID returns the deterministic bridge id of a bounty settlement.
func BountyBridgeID(bountyID uint64) string {
	return uuid.NewSHA1(BridgeNamespace, []byte("bounty:"+strconv.FormatUint(bountyID, 10))).String()
}

// ErrClosed is returned once the orchestrator is shutting down.
var ErrClosed = errors.New("settlement: orchestrator closed")

const abortedMessage = "aborted"

// Config wires an Orchestrator.
type Config struct {
	Table      *Table
	Store      Store
	Locker     Locker
	Transferer Transferer
	Bridge     Bridge
	Attestor   Attestor
	// Resolver looks up destinations for requests that omit one. Optional.
	Resolver DestinationResolver
	// Attestation bounds attestation polling.
	Attestation retry.Poller
	// LockTTL bounds how long a crashed worker keeps its claim.
	LockTTL time.Duration
	// Observability records spans and metrics per step. Optional.
	Observability *observability.Provider
}

// Request asks for the payout of a resolved bounty.
type Request struct {
	BountyID uint64
	Winner   chain.Address
	Amount   money.Amount
	// Destination is the winner's payout destination. Nil means resolve it
	// through the Resolver; an empty string means the source domain.
	Destination *string
	// PaidTo is where the ledger released the escrow. Zero means the relay.
	PaidTo chain.Address
	// FromLog marks a request delivered from the event log. An unsupported
	// destination is then recorded as a failed settlement instead of being
	// rejected, and a failed record is left for an explicit call to resume.
	FromLog bool
}

// BridgeRequest asks for an ad-hoc transfer outside any bounty.
type BridgeRequest struct {
	Amount      money.Amount
	Recipient   string
	Destination string
}

// Orchestrator drives settlement workflows.
type Orchestrator struct {
	table      *Table
	store      Store
	locker     Locker
	transferer Transferer
	bridge     Bridge
	attestor   Attestor
	resolver   DestinationResolver
	poller     retry.Poller
	lockTTL    time.Duration
	obs        *observability.Provider
	clock      func() time.Time
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	workers map[string]*worker
}

type worker struct {
	cancel context.CancelFunc
	done   chan struct{}
	// committed is set once funds leave local control (burn or transfer
	// started); aborted once an abort was accepted. Both guarded by
	// Orchestrator.mu.
	committed bool
	aborted   bool
	// again is set by a start that found w running. Guarded by
	// Orchestrator.mu.
	again bool
}

// New creates an orchestrator. Table, Store, Transferer, Bridge and Attestor
// are required.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Table == nil || cfg.Store == nil || cfg.Transferer == nil || cfg.Bridge == nil || cfg.Attestor == nil {
		return nil, fmt.Errorf("settlement: table, store, transferer, bridge and attestor are required")
	}
	if cfg.Locker == nil {
		cfg.Locker = NewMemoryLocker()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 15 * time.Minute
	}
	if cfg.Attestation.Policy == nil {
		cfg.Attestation.Policy = retry.Fixed{Interval: 5 * time.Second, MaxAttempts: 60}
	}
	if cfg.Observability == nil {
		cfg.Observability = observability.Disabled()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		table:      cfg.Table,
		store:      cfg.Store,
		locker:     cfg.Locker,
		transferer: cfg.Transferer,
		bridge:     cfg.Bridge,
		attestor:   cfg.Attestor,
		resolver:   cfg.Resolver,
		poller:     cfg.Attestation,
		lockTTL:    cfg.LockTTL,
		obs:        cfg.Observability,
		clock:      time.Now,
		logger:     slog.Default().With("component", "settlement"),
		ctx:        ctx,
		cancel:     cancel,
		workers:    make(map[string]*worker),
	}, nil
}

func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

func (o *Orchestrator) WithLogger(logger *slog.Logger) *Orchestrator {
	o.logger = logger
	return o
}

func (o *Orchestrator) now() time.Time { return o.clock().UTC() }

// Settle records the settlement of a bounty and starts its workflow. It
// returns immediately with the record as stored. A final record is returned
// unchanged; a pending or failed one is resumed, except that requests from the
// event log never resume a failed record.
func (o *Orchestrator) Settle(ctx context.Context, req Request) (Record, error) {
	if req.BountyID == 0 {
		return Record{}, errcode.EmptyValue.Withf("bounty_id")
	}
	if req.Winner.IsZero() {
		return Record{}, errcode.InvalidAddress.Withf("winner")
	}
	if req.Amount < 0 {
		return Record{}, errcode.InvalidAmount.Withf("negative amount")
	}

	bridgeID := BountyBridgeID(req.BountyID)
	if existing, err := o.store.Get(ctx, bridgeID); err == nil {
		return o.settleExisting(ctx, req, existing)
	} else if !errors.Is(err, errcode.SettlementNotFound) {
		return Record{}, fmt.Errorf("settle bounty %d: %w", req.BountyID, err)
	}

	raw, err := o.destination(ctx, req)
	if err != nil {
		return Record{}, err
	}
	dest, destErr := o.table.Normalize(raw)
	if destErr != nil && !req.FromLog {
		return Record{}, destErr
	}

	now := o.now()
	rec := Record{
		BridgeID:     bridgeID,
		BountyID:     req.BountyID,
		SourceDomain: o.table.Source().ID,
		DestDomain:   dest.ID,
		Amount:       req.Amount,
		Recipient:    req.Winner.Hex(),
		Steps:        []Step{},
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if destErr != nil {
		rec.DestDomain = raw
	}
	if !req.PaidTo.IsZero() {
		rec.PaidTo = req.PaidTo.Hex()
	}
	switch {
	case req.Amount == 0:
		rec.Status = StatusSkipped
		rec.Error = "zero amount"
	case req.PaidTo == req.Winner && (destErr != nil || !o.table.IsSource(dest)):
		// The ledger paid the winner directly, so the relay holds nothing to
		// bridge.
		rec.Status = StatusSkipped
		rec.Error = "reward released to winner on " + rec.SourceDomain
	case destErr != nil:
		// The relay holds the escrow: keep the failure visible until a call
		// with a supported destination reroutes it.
		rec.Status = StatusError
		rec.Error = destErr.Error()
	}
	return o.create(ctx, rec, !req.FromLog)
}

// destination returns the raw payout destination of req.
func (o *Orchestrator) destination(ctx context.Context, req Request) (string, error) {
	if req.Destination != nil {
		return *req.Destination, nil
	}
	if o.resolver == nil {
		return "", nil
	}
	v, err := o.resolver.PayoutDestination(ctx, req.Winner)
	if err != nil {
		return "", fmt.Errorf("settle bounty %d: resolve destination: %w", req.BountyID, err)
	}
	return v, nil
}

func (o *Orchestrator) settleExisting(ctx context.Context, req Request, rec Record) (Record, error) {
	if rec.Final() {
		return rec, nil
	}
	if rec.Status == StatusError && req.FromLog {
		o.logger.Debug("failed settlement left for explicit retry", "bridge_id", rec.BridgeID,
			"bounty_id", rec.BountyID, "error", rec.Error)
		return rec, nil
	}
	if rec.Reroutable() {
		if _, err := o.table.Normalize(rec.DestDomain); err != nil {
			raw, err := o.destination(ctx, req)
			if err != nil {
				return Record{}, err
			}
			dest, err := o.table.Normalize(raw)
			if err != nil {
				return Record{}, err
			}
			rec.DestDomain = dest.ID
			rec.Status, rec.Error = StatusPending, ""
			if err := o.save(ctx, &rec); err != nil {
				return Record{}, fmt.Errorf("settle bounty %d: reroute: %w", req.BountyID, err)
			}
			o.logger.Info("settlement rerouted", "bridge_id", rec.BridgeID, "dest_domain", rec.DestDomain)
		}
	}
	return o.resume(rec, !req.FromLog)
}

// Bridge starts an ad-hoc transfer from the relay with a fresh bridge id.
func (o *Orchestrator) Bridge(ctx context.Context, req BridgeRequest) (Record, error) {
	if req.Amount <= 0 {
		return Record{}, errcode.InvalidAmount.Withf("amount must be positive")
	}
	if req.Recipient == "" {
		return Record{}, errcode.InvalidAddress.Withf("recipient")
	}
	dest, err := o.table.Normalize(req.Destination)
	if err != nil {
		return Record{}, err
	}
	recipient := req.Recipient
	if o.table.IsSource(dest) {
		addr, err := chain.ParseAddress(req.Recipient)
		if err != nil {
			return Record{}, err
		}
		recipient = addr.Hex()
	}
	now := o.now()
	return o.create(ctx, Record{
		BridgeID:     uuid.NewString(),
		SourceDomain: o.table.Source().ID,
		DestDomain:   dest.ID,
		Amount:       req.Amount,
		Recipient:    recipient,
		Steps:        []Step{},
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, true)
}

func (o *Orchestrator) create(ctx context.Context, rec Record, resumeFailed bool) (Record, error) {
	stored, created, err := o.store.Create(ctx, rec)
	if err != nil {
		return Record{}, fmt.Errorf("settle %s: %w", rec.BridgeID, err)
	}
	if !created {
		return o.resume(stored, resumeFailed)
	}
	o.logger.Info("settlement recorded", "bridge_id", stored.BridgeID, "bounty_id", stored.BountyID,
		"dest_domain", stored.DestDomain, "amount", stored.Amount.String(), "status", string(stored.Status))
	if stored.Final() || stored.Status == StatusError {
		return stored, nil
	}
	if err := o.start(stored.BridgeID, false); err != nil {
		return Record{}, err
	}
	return stored, nil
}

func (o *Orchestrator) resume(rec Record, resumeFailed bool) (Record, error) {
	if rec.Final() || (rec.Status == StatusError && !resumeFailed) {
		return rec, nil
	}
	if err := o.start(rec.BridgeID, resumeFailed); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// start launches the workflow of bridgeID. If a worker already drives it
// here, that worker makes one more pass over pending work after its current
// one. Failed records are only picked up with resumeFailed.
func (o *Orchestrator) start(bridgeID string, resumeFailed bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if w, running := o.workers[bridgeID]; running {
		w.again = true
		return nil
	}
	ctx, cancel := context.WithCancel(o.ctx)
	w := &worker{cancel: cancel, done: make(chan struct{})}
	o.workers[bridgeID] = w
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(w.done)
		defer cancel()
		for {
			o.run(ctx, w, bridgeID, resumeFailed)
			if !o.again(ctx, w, bridgeID) {
				return
			}
			resumeFailed = false
		}
	}()
	return nil
}

// again reports whether a start arrived while w ran. Otherwise w is removed
// under the lock start checks, so no start is lost in between.
func (o *Orchestrator) again(ctx context.Context, w *worker, bridgeID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if w.again && !w.aborted && ctx.Err() == nil {
		w.again = false
		return true
	}
	delete(o.workers, bridgeID)
	return false
}

func (o *Orchestrator) run(ctx context.Context, w *worker, bridgeID string, resumeFailed bool) {
	logger := o.logger.With("bridge_id", bridgeID)
	unlock, ok, err := o.locker.TryLock(ctx, lockKey(bridgeID), o.lockTTL)
	if err != nil {
		logger.Warn("settlement claim failed", "error", err)
		return
	}
	if !ok {
		logger.Debug("settlement claimed by another worker")
		return
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("settlement release failed", "error", err)
		}
	}()

	rec, err := o.store.Get(ctx, bridgeID)
	if err != nil {
		logger.Error("settlement load failed", "error", err)
		return
	}
	if rec.Final() || (rec.Status == StatusError && !resumeFailed) {
		return
	}
	dest, err := o.table.Normalize(rec.DestDomain)
	if err != nil {
		o.fail(ctx, &rec, "", err)
		return
	}
	if o.table.IsSource(dest) {
		o.runSameChain(ctx, w, &rec)
		return
	}
	o.runBridge(ctx, w, &rec, dest)
}

func (o *Orchestrator) runSameChain(ctx context.Context, w *worker, rec *Record) {
	to, err := chain.ParseAddress(rec.Recipient)
	if err != nil {
		o.fail(ctx, rec, "", err)
		return
	}
	if rec.PaidTo == rec.Recipient {
		// Escrow was released straight to the recipient by the ledger.
		o.finish(ctx, rec, StatusSameChain)
		return
	}
	if !o.commit(w) {
		return
	}
	opCtx, done := o.obs.TrackOperation(ctx, "settlement.transfer", o.attrs(rec, "transfer")...)
	txHash, err := o.transferer.Transfer(opCtx, to, rec.Amount)
	done(err)
	if err != nil {
		if o.interrupted(ctx) {
			return
		}
		o.fail(ctx, rec, "", fmt.Errorf("transfer: %w", err))
		return
	}
	o.logger.Info("same-chain transfer complete", "bridge_id", rec.BridgeID, "tx_hash", txHash)
	o.finish(ctx, rec, StatusSameChain)
}

func (o *Orchestrator) runBridge(ctx context.Context, w *worker, rec *Record, dest Destination) {
	logger := o.logger.With("bridge_id", rec.BridgeID, "dest_domain", dest.ID)
	if rec.Status == StatusError {
		logger.Info("resuming settlement", "error", rec.Error)
	}
	rec.Status, rec.Error = StatusPending, ""

	for _, name := range BridgeSteps {
		if rec.Succeeded(name) {
			continue
		}
		if name == StepBurn && !o.commit(w) {
			return
		}
		if ctx.Err() != nil {
			return
		}
		o.markStep(rec, Step{Name: name, State: StepPending})
		if err := o.save(ctx, rec); err != nil {
			logger.Error("settlement save failed", "step", string(name), "error", err)
			return
		}

		step, err := o.execute(ctx, rec, name)
		if errors.Is(err, retry.ErrExhausted) {
			// The burn may still be attested out of band: stay pending.
			logger.Warn("attestation not yet available", "error", err)
			return
		}
		if err != nil {
			if o.interrupted(ctx) {
				return
			}
			o.fail(ctx, rec, name, err)
			return
		}
		step.State = StepSuccess
		o.markStep(rec, step)
		if err := o.save(ctx, rec); err != nil {
			logger.Error("settlement save failed", "step", string(name), "error", err)
			return
		}
		logger.Info("settlement step complete", "step", string(name), "tx_hash", step.TxHash)
	}
	o.finish(ctx, rec, StatusBridged)
}

func (o *Orchestrator) execute(ctx context.Context, rec *Record, name StepName) (step Step, err error) {
	step = Step{Name: name}
	opCtx, done := o.obs.TrackOperation(ctx, "settlement.step", o.attrs(rec, string(name))...)
	defer func() { done(err) }()

	switch name {
	case StepApprove:
		step.TxHash, err = o.bridge.Approve(opCtx, rec.Clone())
	case StepBurn:
		step.TxHash, err = o.bridge.Burn(opCtx, rec.Clone())
	case StepAttestation:
		burn, _ := rec.Step(StepBurn)
		var att Attestation
		att, err = o.awaitAttestation(opCtx, burn.TxHash)
		step.Message, step.Proof = att.Message, att.Attestation
	case StepMint:
		att, _ := rec.Step(StepAttestation)
		step.TxHash, err = o.bridge.Mint(opCtx, rec.Clone(), Attestation{Message: att.Message, Attestation: att.Proof})
	default:
		err = fmt.Errorf("unknown step %s", name)
	}
	return step, err
}

func (o *Orchestrator) awaitAttestation(ctx context.Context, burnTx string) (Attestation, error) {
	var att Attestation
	source := o.table.Source()
	err := o.poller.Poll(ctx, func(ctx context.Context) (bool, error) {
		a, err := o.attestor.Fetch(ctx, source.Domain, burnTx)
		if errors.Is(err, ErrNotReady) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		att = a
		return true, nil
	})
	return att, err
}

// commit marks the point after which funds leave local control. It fails
// when an abort was accepted first.
func (o *Orchestrator) commit(w *worker) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if w.aborted {
		return false
	}
	w.committed = true
	return true
}

// interrupted reports whether an error is due to shutdown or abort rather
// than to the step itself.
func (o *Orchestrator) interrupted(ctx context.Context) bool {
	return ctx.Err() != nil
}

func (o *Orchestrator) markStep(rec *Record, s Step) {
	s.UpdatedAt = o.now()
	for i := range rec.Steps {
		if rec.Steps[i].Name == s.Name {
			rec.Steps[i] = s
			return
		}
	}
	rec.Steps = append(rec.Steps, s)
}

func (o *Orchestrator) fail(ctx context.Context, rec *Record, name StepName, cause error) {
	msg := cause.Error()
	if name != "" {
		s, _ := rec.Step(name)
		s.State = StepFailed
		s.Error = msg
		o.markStep(rec, s)
		msg = fmt.Sprintf("%s: %s", name, msg)
	}
	rec.Status, rec.Error = StatusError, msg
	if err := o.save(ctx, rec); err != nil {
		o.logger.Error("settlement save failed", "bridge_id", rec.BridgeID, "error", err)
	}
	o.logger.Warn("settlement failed", "bridge_id", rec.BridgeID, "step", string(name), "error", cause)
}

func (o *Orchestrator) finish(ctx context.Context, rec *Record, status Status) {
	rec.Status, rec.Error = status, ""
	if err := o.save(ctx, rec); err != nil {
		o.logger.Error("settlement save failed", "bridge_id", rec.BridgeID, "error", err)
		return
	}
	o.logger.Info("settlement complete", "bridge_id", rec.BridgeID, "bounty_id", rec.BountyID, "status", string(status))
}

func (o *Orchestrator) save(ctx context.Context, rec *Record) error {
	rec.UpdatedAt = o.now()
	return o.store.Update(context.WithoutCancel(ctx), *rec)
}

func (o *Orchestrator) attrs(rec *Record, step string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("step", step),
		attribute.String("dest_domain", rec.DestDomain),
	}
}

func lockKey(bridgeID string) string { return "settlement:" + bridgeID }

// Status returns the record of bridgeID.
func (o *Orchestrator) Status(ctx context.Context, bridgeID string) (Record, error) {
	return o.store.Get(ctx, bridgeID)
}

// StatusByBounty returns the settlement record of a bounty.
func (o *Orchestrator) StatusByBounty(ctx context.Context, bountyID uint64) (Record, error) {
	return o.store.GetByBounty(ctx, bountyID)
}

// EstimateFee is a read-only pre-flight helper.
func (o *Orchestrator) EstimateFee(amount money.Amount, destination string) (Fee, error) {
	return o.table.EstimateFee(amount, destination)
}

// Destinations lists the supported remote destinations.
func (o *Orchestrator) Destinations() []Destination { return o.table.List() }

// Source returns the source destination.
func (o *Orchestrator) Source() Destination { return o.table.Source() }

// Abort cancels a workflow whose funds are still under local control. Once
// the burn (or same-chain transfer) has started it fails NotAbortable.
// Aborting an aborted record returns it unchanged.
func (o *Orchestrator) Abort(ctx context.Context, bridgeID string) (Record, error) {
	rec, err := o.store.Get(ctx, bridgeID)
	if err != nil {
		return Record{}, err
	}
	if rec.Aborted {
		return rec, nil
	}
	if rec.Final() || rec.Succeeded(StepBurn) {
		return Record{}, errcode.NotAbortable.Withf("bridge %s is %s", bridgeID, rec.Status)
	}

	o.mu.Lock()
	w := o.workers[bridgeID]
	if w != nil {
		if w.committed {
			o.mu.Unlock()
			return Record{}, errcode.NotAbortable.Withf("bridge %s has released funds", bridgeID)
		}
		w.aborted = true
		w.cancel()
	}
	o.mu.Unlock()
	if w != nil {
		select {
		case <-w.done:
		case <-ctx.Done():
			return Record{}, ctx.Err()
		}
	}

	unlock, ok, err := o.locker.TryLock(ctx, lockKey(bridgeID), o.lockTTL)
	if err != nil {
		return Record{}, fmt.Errorf("abort %s: %w", bridgeID, err)
	}
	if !ok {
		return Record{}, errcode.NotAbortable.Withf("bridge %s is being driven by another worker", bridgeID)
	}
	defer func() { _ = unlock(context.WithoutCancel(ctx)) }()

	rec, err = o.store.Get(ctx, bridgeID)
	if err != nil {
		return Record{}, err
	}
	if rec.Final() || rec.Succeeded(StepBurn) {
		return Record{}, errcode.NotAbortable.Withf("bridge %s is %s", bridgeID, rec.Status)
	}
	if s, ok := rec.Step(StepBurn); ok && s.State == StepPending {
		// A burn may have been submitted before the worker stopped.
		return Record{}, errcode.NotAbortable.Withf("bridge %s burn in flight", bridgeID)
	}
	rec.Aborted = true
	rec.Status, rec.Error = StatusError, abortedMessage
	if err := o.save(ctx, &rec); err != nil {
		return Record{}, fmt.Errorf("abort %s: %w", bridgeID, err)
	}
	o.logger.Info("settlement aborted", "bridge_id", bridgeID)
	return rec, nil
}

// Await blocks until no local worker drives bridgeID and returns the record.
func (o *Orchestrator) Await(ctx context.Context, bridgeID string) (Record, error) {
	o.mu.Lock()
	w := o.workers[bridgeID]
	o.mu.Unlock()
	if w != nil {
		select {
		case <-w.done:
		case <-ctx.Done():
			return Record{}, ctx.Err()
		}
	}
	return o.store.Get(ctx, bridgeID)
}

// Recover restarts workflows of pending records, typically after a restart.
// Failed records wait for an explicit re-invocation.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	recs, err := o.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}
	n := 0
	for _, r := range recs {
		if r.Status != StatusPending || r.Final() {
			continue
		}
		if err := o.start(r.BridgeID, false); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		o.logger.Info("recovered pending settlements", "count", n)
	}
	return n, nil
}

// Close stops accepting work, cancels running workflows and waits for them.
// Interrupted steps stay pending and resume on the next invocation.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
