package settlement

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MarcoBrian/OpenAudit/pkg/bounty"
	"github.com/MarcoBrian/OpenAudit/pkg/eventlog"
)

// Settler is the part of the Orchestrator the Consumer drives.
type Settler interface {
	Settle(ctx context.Context, req Request) (Record, error)
}

// Consumer follows the event log and hands every SettlementRequested event to
// the orchestrator. It is a single sequential loop; Settle returns as soon as
// the workflow is recorded, so one slow settlement never holds up the next
// event. Delivery is at least once: replaying the log is safe because
// settlements are keyed by bounty, and a replayed event never resumes a
// failed settlement.
type Consumer struct {
	log      eventlog.Log
	settler  Settler
	from     uint64
	interval time.Duration
	logger   *slog.Logger

	last    atomic.Uint64
	handled atomic.Uint64
}

// NewConsumer creates a consumer starting at sequence 1.
func NewConsumer(log eventlog.Log, settler Settler) *Consumer {
	return &Consumer{
		log:      log,
		settler:  settler,
		from:     1,
		interval: time.Second,
		logger:   slog.Default().With("component", "settlement-consumer"),
	}
}

// From sets the first sequence to read.
func (c *Consumer) From(seq uint64) *Consumer {
	c.from = seq
	return c
}

// WithInterval sets the poll interval used for logs without change
// notification.
func (c *Consumer) WithInterval(d time.Duration) *Consumer {
	c.interval = d
	return c
}

func (c *Consumer) WithLogger(logger *slog.Logger) *Consumer {
	c.logger = logger
	return c
}

// LastSequence is the sequence of the last event read.
func (c *Consumer) LastSequence() uint64 { return c.last.Load() }

// Handled counts SettlementRequested events handed to the orchestrator.
func (c *Consumer) Handled() uint64 { return c.handled.Load() }

// Run consumes events until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("settlement consumer started", "from", c.from)
	for ev := range eventlog.Follow(ctx, c.log, c.from, c.interval) {
		c.last.Store(ev.Sequence)
		if ev.Kind != eventlog.SettlementRequested {
			continue
		}
		c.handle(ctx, ev)
	}
	c.logger.Info("settlement consumer stopped", "last_sequence", c.last.Load())
	return ctx.Err()
}

func (c *Consumer) handle(ctx context.Context, ev eventlog.Event) {
	var p bounty.SettlementRequested
	if err := ev.Decode(&p); err != nil {
		c.logger.Error("undecodable settlement event", "sequence", ev.Sequence, "error", err)
		return
	}
	dest := p.PayoutDestination
	rec, err := c.settler.Settle(ctx, Request{
		BountyID:    p.BountyID,
		Winner:      p.Winner,
		Amount:      p.Amount,
		Destination: &dest,
		PaidTo:      p.PaidTo,
		FromLog:     true,
	})
	c.handled.Add(1)
	if err != nil {
		c.logger.Warn("settlement rejected", "sequence", ev.Sequence, "bounty_id", p.BountyID,
			"destination", dest, "error", err)
		return
	}
	c.logger.Debug("settlement dispatched", "sequence", ev.Sequence, "bounty_id", p.BountyID,
		"bridge_id", rec.BridgeID, "status", string(rec.Status))
}
