package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/MarcoBrian/OpenAudit/pkg/devnet"
	"github.com/MarcoBrian/OpenAudit/pkg/eventlog"
	"github.com/MarcoBrian/OpenAudit/pkg/money"
	"github.com/MarcoBrian/OpenAudit/pkg/retry"
	"github.com/MarcoBrian/OpenAudit/pkg/settlement"
)

type demoResult struct {
	BountyID   uint64            `json:"bounty_id"`
	AgentID    uint64            `json:"agent_id"`
	Score      [3]uint64         `json:"score"`
	Settlement settlement.Record `json:"settlement"`
	// Replayed is true when re-invoking the settlement returned the same
	// record without moving funds again.
	Replayed      bool         `json:"replayed"`
	RemoteBalance money.Amount `json:"remote_balance"`
	EventCount    uint64       `json:"event_count"`
}

func runDemoCmd(args []string, stdout, stderr io.Writer) int {
	sc := devnet.DefaultScenario()
	fs := flag.NewFlagSet("demo", flag.ContinueOnError)
	fs.SetOutput(stderr)
	reward := fs.String("reward", sc.Reward.String(), "bounty reward in tokens")
	fs.StringVar(&sc.Agent, "agent", sc.Agent, "agent name")
	fs.StringVar(&sc.Destination, "destination", sc.Destination, "agent payout destination")
	score := fs.Uint("score", uint(sc.Score), "adjudication score (1-100)")
	timeout := fs.Duration("timeout", 30*time.Second, "overall deadline")
	asJSON := fs.Bool("json", false, "print JSON")
	verbose := fs.Bool("v", false, "log pipeline progress to stderr")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	amount, err := money.Parse(*reward)
	if err != nil {
		fmt.Fprintf(stderr, "demo: -reward: %v\n", err)
		return 2
	}
	if *score == 0 || *score > 100 {
		fmt.Fprintln(stderr, "demo: -score must be 1-100")
		return 2
	}
	sc.Reward, sc.Score = amount, uint8(*score)

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	res, err := runDemo(ctx, sc, logger)
	if err != nil {
		fmt.Fprintf(stderr, "demo: %v\n", err)
		return 1
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(res)
		return 0
	}
	rec := res.Settlement
	fmt.Fprintf(stdout, "bounty %d resolved for agent %d\n", res.BountyID, res.AgentID)
	fmt.Fprintf(stdout, "reputation: total=%d count=%d average=%d\n", res.Score[0], res.Score[1], res.Score[2])
	fmt.Fprintf(stdout, "settlement %s: %s -> %s %s (%s)\n", rec.BridgeID, rec.SourceDomain, rec.DestDomain, rec.Amount, rec.Status)
	for _, s := range rec.Steps {
		fmt.Fprintf(stdout, "  %-12s %-8s %s\n", s.Name, s.State, s.TxHash)
	}
	fmt.Fprintf(stdout, "recipient received %s on %s\n", res.RemoteBalance, rec.DestDomain)
	fmt.Fprintf(stdout, "re-invocation returned identical record: %t\n", res.Replayed)
	return 0
}

// runDemo plays the scenario on a fresh in-memory devnet and drives the
// payout through the consumer, exactly as serve does.
func runDemo(ctx context.Context, sc devnet.Scenario, logger *slog.Logger) (demoResult, error) {
	events := eventlog.NewMemoryLog()
	net, err := devnet.New(ctx, events, devnet.Options{Logger: logger})
	if err != nil {
		return demoResult{}, err
	}
	table := settlement.DefaultTable()
	bridge := devnet.NewBridge(net)
	orch, err := settlement.New(settlement.Config{
		Table:      table,
		Store:      settlement.NewMemoryStore(),
		Transferer: net.Transferer(),
		Bridge:     bridge,
		Attestor:   devnet.NewAttestor(bridge, table.Source().Domain).ReadyAfter(3),
		Resolver:   net.Resolver(),
		Attestation: retry.Poller{
			Policy: retry.Fixed{Interval: 10 * time.Millisecond, MaxAttempts: 20},
		},
	})
	if err != nil {
		return demoResult{}, err
	}
	orch = orch.WithLogger(logger.With("component", "settlement"))
	defer func() { _ = orch.Close(context.WithoutCancel(ctx)) }()

	consumerCtx, stopConsumer := context.WithCancel(ctx)
	consumer := settlement.NewConsumer(events, orch).WithLogger(logger.With("component", "settlement-consumer"))
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		_ = consumer.Run(consumerCtx)
	}()
	defer func() {
		stopConsumer()
		<-consumerDone
	}()

	out, err := net.RunScenario(ctx, sc)
	if err != nil {
		return demoResult{}, err
	}

	bridgeID := settlement.BountyBridgeID(out.BountyID)
	var rec settlement.Record
	waiter := retry.Poller{Policy: retry.Fixed{Interval: 10 * time.Millisecond}}
	err = waiter.Poll(ctx, func(ctx context.Context) (bool, error) {
		r, err := orch.Status(ctx, bridgeID)
		if err != nil || r.Status == settlement.StatusPending {
			return false, nil
		}
		rec, err = orch.Await(ctx, bridgeID)
		return err == nil && rec.Status != settlement.StatusPending, err
	})
	if err != nil {
		return demoResult{}, fmt.Errorf("await settlement: %w", err)
	}

	// Deliver the same resolution again; the stored record must win.
	again, err := orch.Settle(ctx, settlement.Request{
		BountyID: out.BountyID,
		Winner:   out.Execution,
		Amount:   sc.Reward,
		PaidTo:   devnet.Relay,
	})
	if err != nil {
		return demoResult{}, fmt.Errorf("re-invoke settlement: %w", err)
	}
	last, err := events.LastSequence(ctx)
	if err != nil {
		return demoResult{}, err
	}

	return demoResult{
		BountyID:      out.BountyID,
		AgentID:       out.AgentID,
		Score:         [3]uint64{out.Score.Total, out.Score.Count, out.Score.Average},
		Settlement:    rec,
		Replayed:      again.BridgeID == rec.BridgeID && again.Status == rec.Status && len(again.Steps) == len(rec.Steps),
		RemoteBalance: bridge.RemoteBalance(rec.DestDomain, rec.Recipient),
		EventCount:    last,
	}, nil
}
