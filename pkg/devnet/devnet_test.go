package devnet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarcoBrian/OpenAudit/pkg/chain"
	"github.com/MarcoBrian/OpenAudit/pkg/eventlog"
	"github.com/MarcoBrian/OpenAudit/pkg/money"
	"github.com/MarcoBrian/OpenAudit/pkg/retry"
	"github.com/MarcoBrian/OpenAudit/pkg/settlement"
)

type stack struct {
	net      *Network
	log      *eventlog.MemoryLog
	bridge   *Bridge
	attestor *Attestor
	orch     *settlement.Orchestrator
}

func newStack(t *testing.T, opts Options) *stack {
	t.Helper()
	ctx := context.Background()
	s := &stack{log: eventlog.NewMemoryLog()}
	net, err := New(ctx, s.log, opts)
	require.NoError(t, err)
	s.net = net
	s.bridge = NewBridge(net)
	table := settlement.DefaultTable()
	s.attestor = NewAttestor(s.bridge, table.Source().Domain).ReadyAfter(2)

	orch, err := settlement.New(settlement.Config{
		Table:      table,
		Store:      settlement.NewMemoryStore(),
		Transferer: net.Transferer(),
		Bridge:     s.bridge,
		Attestor:   s.attestor,
		Resolver:   net.Resolver(),
		Attestation: retry.Poller{
			Policy: retry.Fixed{Interval: time.Second, MaxAttempts: 5},
			Sleep:  func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
		},
	})
	require.NoError(t, err)
	s.orch = orch
	t.Cleanup(func() { _ = orch.Close(context.Background()) })
	return s
}

func (s *stack) consume(t *testing.T) *settlement.Consumer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	c := settlement.NewConsumer(s.log, s.orch).WithInterval(5 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func (s *stack) settled(t *testing.T, bountyID uint64) settlement.Record {
	t.Helper()
	id := settlement.BountyBridgeID(bountyID)
	// The record is stored before its worker starts, so wait for the workflow
	// to leave pending before awaiting it.
	require.Eventually(t, func() bool {
		rec, err := s.orch.Status(context.Background(), id)
		return err == nil && rec.Status != settlement.StatusPending
	}, 5*time.Second, time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := s.orch.Await(ctx, id)
	require.NoError(t, err)
	return rec
}

func TestScenario_BridgesRewardToDestination(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, Options{})
	s.consume(t)

	out, err := s.net.RunScenario(ctx, DefaultScenario())
	require.NoError(t, err)
	assert.Equal(t, uint64(80), out.Score.Total)
	assert.Equal(t, uint64(1), out.Score.Count)
	assert.Equal(t, uint64(80), out.Score.Average)

	rec := s.settled(t, out.BountyID)
	require.Equal(t, settlement.StatusBridged, rec.Status, rec.Error)
	assert.Equal(t, "arbitrum-sepolia", rec.DestDomain)
	require.Len(t, rec.Steps, 4)
	for _, st := range rec.Steps {
		assert.Equal(t, settlement.StepSuccess, st.State, st.Name)
	}

	assert.Equal(t, money.Units(1000), s.bridge.RemoteBalance("arbitrum-sepolia", out.Execution.Hex()))
	assert.Zero(t, s.net.Balance(ctx, Relay))
	assert.Zero(t, s.net.Balance(ctx, ManagerAddress))

	// Re-invoking returns the identical record without moving funds again.
	dest := "arbitrum-sepolia"
	again, err := s.orch.Settle(ctx, settlement.Request{
		BountyID: out.BountyID, Winner: out.Execution, Amount: money.Units(1000), Destination: &dest, PaidTo: Relay,
	})
	require.NoError(t, err)
	assert.Equal(t, rec, again)
	assert.Len(t, s.bridge.Mints(), 1)
}

func TestScenario_SourceDestinationPaysOnLedger(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, Options{})
	s.consume(t)

	sc := DefaultScenario()
	sc.Destination = "base"
	out, err := s.net.RunScenario(ctx, sc)
	require.NoError(t, err)

	rec := s.settled(t, out.BountyID)
	require.Equal(t, settlement.StatusSameChain, rec.Status, rec.Error)
	assert.Empty(t, rec.Steps)
	assert.Equal(t, money.Units(1000), s.net.Balance(ctx, out.Execution))
	assert.Zero(t, s.net.Balance(ctx, Relay))
}

func TestScenario_DirectPayoutWithoutRelay(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, Options{NoRelay: true})
	s.consume(t)

	sc := DefaultScenario()
	sc.Destination = ""
	out, err := s.net.RunScenario(ctx, sc)
	require.NoError(t, err)

	rec := s.settled(t, out.BountyID)
	assert.Equal(t, settlement.StatusSameChain, rec.Status)
	assert.Equal(t, money.Units(1000), s.net.Balance(ctx, out.Execution))
}

func TestScenario_FailedBurnResumes(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, Options{})
	s.bridge.FailNext(settlement.StepBurn, errors.New("rpc unavailable"))
	s.consume(t)

	out, err := s.net.RunScenario(ctx, DefaultScenario())
	require.NoError(t, err)

	rec := s.settled(t, out.BountyID)
	require.Equal(t, settlement.StatusError, rec.Status)
	assert.Contains(t, rec.Error, "rpc unavailable")
	assert.Equal(t, money.Units(1000), s.net.Balance(ctx, Relay), "funds stay with the relay")

	// A consumer replaying the log from the start leaves the failure alone.
	replay := s.consume(t)
	require.Eventually(t, func() bool { return replay.Handled() == 1 }, 5*time.Second, time.Millisecond)
	unchanged, err := s.orch.Await(ctx, rec.BridgeID)
	require.NoError(t, err)
	assert.Equal(t, rec, unchanged)
	assert.Zero(t, s.bridge.RemoteBalance("arbitrum-sepolia", out.Execution.Hex()))

	dest := "arbitrum-sepolia"
	_, err = s.orch.Settle(ctx, settlement.Request{
		BountyID: out.BountyID, Winner: out.Execution, Amount: money.Units(1000), Destination: &dest, PaidTo: Relay,
	})
	require.NoError(t, err)
	rec = s.settled(t, out.BountyID)
	assert.Equal(t, settlement.StatusBridged, rec.Status)
	assert.Equal(t, money.Units(1000), s.bridge.RemoteBalance("arbitrum-sepolia", out.Execution.Hex()))
}

func TestScenario_UnsupportedDestinationIsRecorded(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, Options{})
	s.consume(t)

	sc := DefaultScenario()
	sc.Destination = "chainZ"
	out, err := s.net.RunScenario(ctx, sc)
	require.NoError(t, err)

	rec := s.settled(t, out.BountyID)
	require.Equal(t, settlement.StatusError, rec.Status)
	assert.Equal(t, "chainZ", rec.DestDomain)
	assert.Contains(t, rec.Error, "UNSUPPORTED_DESTINATION")
	assert.Equal(t, money.Units(1000), s.net.Balance(ctx, Relay))

	dest := "arbitrum"
	_, err = s.orch.Settle(ctx, settlement.Request{
		BountyID: out.BountyID, Winner: out.Execution, Amount: money.Units(1000), Destination: &dest, PaidTo: Relay,
	})
	require.NoError(t, err)
	rec = s.settled(t, out.BountyID)
	require.Equal(t, settlement.StatusBridged, rec.Status, rec.Error)
	assert.Equal(t, "arbitrum-sepolia", rec.DestDomain)
	assert.Equal(t, money.Units(1000), s.bridge.RemoteBalance("arbitrum-sepolia", out.Execution.Hex()))
	assert.Zero(t, s.net.Balance(ctx, Relay))
}

func TestResolver(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, Options{})
	owner := chain.AccountAddress("devnet/bob")
	require.NoError(t, s.net.Runtime.Execute(ctx, owner, func(tx *chain.Tx) error {
		_, _, err := s.net.Registry.Register(tx, "bob", "", "optimism-sepolia")
		return err
	}))

	got, err := s.net.Resolver().PayoutDestination(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, "optimism-sepolia", got)

	got, err = s.net.Resolver().PayoutDestination(ctx, chain.AccountAddress("nobody"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBridge_StepsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, Options{})
	require.NoError(t, s.net.Fund(ctx, Relay, money.Units(50)))
	rec := settlement.Record{
		BridgeID: "b1", SourceDomain: "base-sepolia", DestDomain: "polygon-amoy",
		Amount: money.Units(50), Recipient: "0xrecipient",
	}

	a1, err := s.bridge.Approve(ctx, rec)
	require.NoError(t, err)
	a2, err := s.bridge.Approve(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, a1, a2)

	b1, err := s.bridge.Burn(ctx, rec)
	require.NoError(t, err)
	b2, err := s.bridge.Burn(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
	assert.Zero(t, s.net.Balance(ctx, Relay))

	_, err = s.bridge.Mint(ctx, rec, settlement.Attestation{Message: "0xforged", Attestation: "0xforged"})
	assert.Error(t, err)

	att, err := s.attestor.Fetch(ctx, 6, b1)
	assert.ErrorIs(t, err, settlement.ErrNotReady)
	att, err = s.attestor.Fetch(ctx, 6, b1)
	require.NoError(t, err)

	m1, err := s.bridge.Mint(ctx, rec, att)
	require.NoError(t, err)
	m2, err := s.bridge.Mint(ctx, rec, att)
	require.NoError(t, err)
	assert.Equal(t, m1, m2)
	assert.Equal(t, money.Units(50), s.bridge.RemoteBalance("polygon-amoy", "0xrecipient"))
}

func TestAttestor_UnknownBurnNotReady(t *testing.T) {
	s := newStack(t, Options{})
	_, err := s.attestor.Fetch(context.Background(), 6, "0xdeadbeef")
	assert.ErrorIs(t, err, settlement.ErrNotReady)
	_, err = s.attestor.Fetch(context.Background(), 3, "0xdeadbeef")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, settlement.ErrNotReady)
}
