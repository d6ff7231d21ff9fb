package bounty

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarcoBrian/OpenAudit/pkg/chain"
	"github.com/MarcoBrian/OpenAudit/pkg/errcode"
	"github.com/MarcoBrian/OpenAudit/pkg/eventlog"
	"github.com/MarcoBrian/OpenAudit/pkg/identity"
	"github.com/MarcoBrian/OpenAudit/pkg/money"
	"github.com/MarcoBrian/OpenAudit/pkg/reputation"
)

var (
	operator    = chain.AccountAddress("operator")
	adjudicator = chain.AccountAddress("adjudicator")
	relay       = chain.AccountAddress("relay")
	sponsor     = chain.AccountAddress("sponsor")
	target      = chain.AccountAddress("target")
	alice       = chain.AccountAddress("alice")
	bob         = chain.AccountAddress("bob")
	stranger    = chain.AccountAddress("stranger")
)

type fixture struct {
	t     *testing.T
	now   time.Time
	rt    *chain.Runtime
	log   *eventlog.MemoryLog
	token *chain.Token
	reg   *identity.Registry
	rep   *reputation.Ledger
	mgr   *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{t: t, now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	f.log = eventlog.NewMemoryLog()
	f.rt = chain.NewRuntime(f.log).WithClock(func() time.Time { return f.now })
	f.token = chain.NewToken("USDC", operator)
	f.reg = identity.NewRegistry(chain.AccountAddress("registry"), operator)
	f.rep = reputation.NewLedger(operator, f.reg)
	f.mgr = NewManager(Config{
		Address:     chain.AccountAddress("manager"),
		Operator:    operator,
		Adjudicator: adjudicator,
		MinReward:   money.Units(10),
	}, f.token, f.reg, f.rep)

	f.exec(operator, func(tx *chain.Tx) error {
		if err := f.reg.SetManager(tx, f.mgr.Address()); err != nil {
			return err
		}
		if err := f.rep.Authorize(tx, f.mgr.Address()); err != nil {
			return err
		}
		return f.token.Mint(tx, sponsor, money.Units(10_000))
	})
	return f
}

func (f *fixture) exec(sender chain.Address, fn func(tx *chain.Tx) error) {
	f.t.Helper()
	require.NoError(f.t, f.rt.Execute(context.Background(), sender, fn))
}

func (f *fixture) try(sender chain.Address, fn func(tx *chain.Tx) error) error {
	return f.rt.Execute(context.Background(), sender, fn)
}

func (f *fixture) register(owner chain.Address, name, dest string) (uint64, chain.Address) {
	f.t.Helper()
	var (
		id   uint64
		exec chain.Address
	)
	f.exec(owner, func(tx *chain.Tx) error {
		var err error
		id, exec, err = f.reg.Register(tx, name, "", dest)
		return err
	})
	return id, exec
}

func (f *fixture) createBounty(reward money.Amount, d time.Duration) uint64 {
	f.t.Helper()
	var id uint64
	f.exec(sponsor, func(tx *chain.Tx) error {
		if err := f.token.Approve(tx, f.mgr.Address(), reward); err != nil {
			return err
		}
		var err error
		id, err = f.mgr.Create(tx, target, f.now.Add(d), reward)
		return err
	})
	return id
}

func (f *fixture) balance(a chain.Address) money.Amount {
	v, _ := chain.Query(context.Background(), f.rt, func(tx *chain.Tx) (money.Amount, error) {
		return f.token.BalanceOf(tx, a), nil
	})
	return v
}

func (f *fixture) bounty(id uint64) Bounty {
	f.t.Helper()
	b, err := chain.Query(context.Background(), f.rt, func(tx *chain.Tx) (Bounty, error) {
		return f.mgr.Get(tx, id)
	})
	require.NoError(f.t, err)
	return b
}

func (f *fixture) assertEscrowConserved() {
	f.t.Helper()
	var sum money.Amount
	for _, b := range f.listBounties() {
		if b.Status == StatusActive {
			sum += b.Reward
		}
	}
	held := f.balance(f.mgr.Address())
	book, _ := chain.Query(context.Background(), f.rt, func(tx *chain.Tx) (money.Amount, error) {
		return f.mgr.EscrowBalance(tx), nil
	})
	assert.Equal(f.t, sum, held, "escrow held")
	assert.Equal(f.t, sum, book, "escrow bookkeeping")
}

func (f *fixture) listBounties() []Bounty {
	list, _ := chain.Query(context.Background(), f.rt, func(tx *chain.Tx) ([]Bounty, error) {
		return f.mgr.List(tx), nil
	})
	return list
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	id := f.createBounty(money.Units(1000), 7*24*time.Hour)
	assert.Equal(t, uint64(1), id)

	b := f.bounty(id)
	assert.Equal(t, StatusActive, b.Status)
	assert.Equal(t, sponsor, b.Sponsor)
	assert.Equal(t, money.Units(1000), f.balance(f.mgr.Address()))
	assert.Equal(t, money.Units(9000), f.balance(sponsor))
	f.assertEscrowConserved()
}

func TestCreate_Rejections(t *testing.T) {
	f := newFixture(t)
	create := func(tgt chain.Address, deadline time.Time, reward money.Amount) error {
		return f.try(sponsor, func(tx *chain.Tx) error {
			_ = f.token.Approve(tx, f.mgr.Address(), reward)
			_, err := f.mgr.Create(tx, tgt, deadline, reward)
			return err
		})
	}
	assert.ErrorIs(t, create(target, f.now.Add(time.Hour), money.Units(9)), errcode.InsufficientReward)
	assert.ErrorIs(t, create(target, f.now, money.Units(10)), errcode.InvalidDeadline)
	assert.ErrorIs(t, create(chain.ZeroAddress, f.now.Add(time.Hour), money.Units(10)), errcode.InvalidTarget)

	// No allowance: the escrow pull fails and nothing is recorded.
	err := f.try(sponsor, func(tx *chain.Tx) error {
		_, err := f.mgr.Create(tx, target, f.now.Add(time.Hour), money.Units(10))
		return err
	})
	assert.ErrorIs(t, err, errcode.TransferFailed)
	assert.Empty(t, f.listBounties())
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	id := f.createBounty(money.Units(100), time.Hour)

	err := f.try(stranger, func(tx *chain.Tx) error { return f.mgr.Cancel(tx, id) })
	assert.ErrorIs(t, err, errcode.NotSponsor)

	f.exec(sponsor, func(tx *chain.Tx) error { return f.mgr.Cancel(tx, id) })
	assert.Equal(t, StatusCancelled, f.bounty(id).Status)
	assert.Equal(t, money.Units(10_000), f.balance(sponsor))

	err = f.try(sponsor, func(tx *chain.Tx) error { return f.mgr.Cancel(tx, id) })
	assert.ErrorIs(t, err, errcode.BountyNotActive)

	err = f.try(sponsor, func(tx *chain.Tx) error { return f.mgr.Cancel(tx, 42) })
	assert.ErrorIs(t, err, errcode.BountyNotFound)
	f.assertEscrowConserved()
}

func TestSubmit(t *testing.T) {
	f := newFixture(t)
	f.register(alice, "alice", "")
	id := f.createBounty(money.Units(100), time.Hour)

	err := f.try(stranger, func(tx *chain.Tx) error { return f.mgr.Submit(tx, id, "ipfs://r") })
	assert.ErrorIs(t, err, errcode.NotRegistered)

	err = f.try(alice, func(tx *chain.Tx) error { return f.mgr.Submit(tx, id, "") })
	assert.ErrorIs(t, err, errcode.EmptyValue)

	f.exec(alice, func(tx *chain.Tx) error { return f.mgr.Submit(tx, id, "ipfs://r") })
	err = f.try(alice, func(tx *chain.Tx) error { return f.mgr.Submit(tx, id, "ipfs://other") })
	assert.ErrorIs(t, err, errcode.AlreadySubmitted)
	err = f.try(alice, func(tx *chain.Tx) error { return f.mgr.Commit(tx, id, Hash{1}) })
	assert.ErrorIs(t, err, errcode.AlreadySubmitted)

	subs, err := chain.Query(context.Background(), f.rt, func(tx *chain.Tx) ([]chain.Address, error) {
		return f.mgr.Submitters(tx, id)
	})
	require.NoError(t, err)
	assert.Equal(t, []chain.Address{alice}, subs)
}

func TestSubmit_DeadlinePassed(t *testing.T) {
	f := newFixture(t)
	f.register(alice, "alice", "")
	id := f.createBounty(money.Units(100), time.Hour)

	f.now = f.now.Add(time.Hour)
	f.exec(alice, func(tx *chain.Tx) error { return f.mgr.Submit(tx, id, "at the deadline") })

	f.register(bob, "bob", "")
	f.now = f.now.Add(time.Second)
	err := f.try(bob, func(tx *chain.Tx) error { return f.mgr.Submit(tx, id, "late") })
	assert.ErrorIs(t, err, errcode.DeadlinePassed)
	err = f.try(bob, func(tx *chain.Tx) error { return f.mgr.Commit(tx, id, Hash{1}) })
	assert.ErrorIs(t, err, errcode.DeadlinePassed)
}

func TestCommitReveal(t *testing.T) {
	f := newFixture(t)
	f.register(alice, "alice", "")
	id := f.createBounty(money.Units(100), time.Hour)
	salt := big.NewInt(123456789)
	hash, err := ComputeCommitment(alice, "ipfs://report", salt)
	require.NoError(t, err)

	err = f.try(alice, func(tx *chain.Tx) error { return f.mgr.Reveal(tx, id, "ipfs://report", "", salt) })
	assert.ErrorIs(t, err, errcode.NoCommitment)

	err = f.try(alice, func(tx *chain.Tx) error { return f.mgr.Commit(tx, id, Hash{}) })
	assert.ErrorIs(t, err, errcode.EmptyValue)

	f.exec(alice, func(tx *chain.Tx) error { return f.mgr.Commit(tx, id, hash) })

	err = f.try(alice, func(tx *chain.Tx) error { return f.mgr.Reveal(tx, id, "ipfs://reporT", "", salt) })
	assert.ErrorIs(t, err, errcode.InvalidReveal)
	err = f.try(alice, func(tx *chain.Tx) error {
		return f.mgr.Reveal(tx, id, "ipfs://report", "", big.NewInt(123456788))
	})
	assert.ErrorIs(t, err, errcode.InvalidReveal)
	err = f.try(alice, func(tx *chain.Tx) error { return f.mgr.Reveal(tx, id, "", "", salt) })
	assert.ErrorIs(t, err, errcode.EmptyValue)

	// Reveal stays open after the deadline while the bounty is active.
	f.now = f.now.Add(2 * time.Hour)
	f.exec(alice, func(tx *chain.Tx) error { return f.mgr.Reveal(tx, id, "ipfs://report", "ipfs://poc", salt) })

	err = f.try(alice, func(tx *chain.Tx) error { return f.mgr.Reveal(tx, id, "ipfs://report", "ipfs://poc", salt) })
	assert.ErrorIs(t, err, errcode.AlreadyRevealed)

	finding, err := chain.Query(context.Background(), f.rt, func(tx *chain.Tx) (Finding, error) {
		fd, _ := f.mgr.Finding(tx, id, alice)
		return fd, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ipfs://poc", finding.PocRef)
	assert.False(t, finding.Direct)
}

func TestComputeCommitment_SaltRange(t *testing.T) {
	_, err := ComputeCommitment(alice, "r", big.NewInt(-1))
	assert.ErrorIs(t, err, errcode.InvalidReveal)
	_, err = ComputeCommitment(alice, "r", new(big.Int).Lsh(big.NewInt(1), 256))
	assert.ErrorIs(t, err, errcode.InvalidReveal)
	top := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	_, err = ComputeCommitment(alice, "r", top)
	assert.NoError(t, err)
}

func TestResolve_PaysWinnerDirectly(t *testing.T) {
	f := newFixture(t)
	agentID, exec := f.register(alice, "alice", "")
	id := f.createBounty(money.Units(1000), 7*24*time.Hour)
	f.exec(alice, func(tx *chain.Tx) error { return f.mgr.Submit(tx, id, "ipfs://r") })

	f.exec(adjudicator, func(tx *chain.Tx) error { return f.mgr.Resolve(tx, id, alice, 80) })

	b := f.bounty(id)
	assert.Equal(t, StatusResolved, b.Status)
	assert.Equal(t, alice, b.Winner)
	assert.Equal(t, money.Units(1000), f.balance(exec))
	f.assertEscrowConserved()

	score, _ := chain.Query(context.Background(), f.rt, func(tx *chain.Tx) (reputation.Score, error) {
		return f.rep.GetScore(tx, agentID), nil
	})
	assert.Equal(t, uint64(80), score.Total)
	assert.Equal(t, uint64(1), score.Count)
	assert.Equal(t, uint64(80), score.Average)

	agent, _ := chain.Query(context.Background(), f.rt, func(tx *chain.Tx) (identity.Agent, error) {
		return f.reg.Get(tx, agentID)
	})
	assert.Equal(t, uint64(80), agent.TotalScore)
	assert.Equal(t, uint64(1), agent.FindingsCount)

	events, _ := f.log.Range(context.Background(), 1, 0)
	last := events[len(events)-1]
	require.Equal(t, eventlog.SettlementRequested, last.Kind)
	var req SettlementRequested
	require.NoError(t, last.Decode(&req))
	assert.Equal(t, exec, req.Winner)
	assert.Equal(t, exec, req.PaidTo)
	assert.Equal(t, money.Units(1000), req.Amount)

	err := f.try(adjudicator, func(tx *chain.Tx) error { return f.mgr.Resolve(tx, id, alice, 80) })
	assert.ErrorIs(t, err, errcode.BountyNotActive)
}

func TestResolve_RoutesToRelayForRemoteDestination(t *testing.T) {
	f := newFixture(t)
	f.exec(operator, func(tx *chain.Tx) error { return f.mgr.SetRelay(tx, relay) })
	_, exec := f.register(alice, "alice", "chainX")
	id := f.createBounty(money.Units(1000), time.Hour)
	f.exec(alice, func(tx *chain.Tx) error { return f.mgr.Submit(tx, id, "ipfs://r") })

	f.exec(adjudicator, func(tx *chain.Tx) error { return f.mgr.Resolve(tx, id, alice, 80) })
	assert.Equal(t, money.Units(1000), f.balance(relay))
	assert.Zero(t, f.balance(exec))

	events, _ := f.log.Range(context.Background(), 1, 0)
	var req SettlementRequested
	require.NoError(t, events[len(events)-1].Decode(&req))
	assert.Equal(t, "chainX", req.PayoutDestination)
	assert.Equal(t, relay, req.PaidTo)
}

func TestResolve_Rejections(t *testing.T) {
	f := newFixture(t)
	f.register(alice, "alice", "")
	f.register(bob, "bob", "")
	id := f.createBounty(money.Units(100), time.Hour)
	f.exec(alice, func(tx *chain.Tx) error { return f.mgr.Submit(tx, id, "ipfs://r") })

	err := f.try(stranger, func(tx *chain.Tx) error { return f.mgr.Resolve(tx, id, alice, 50) })
	assert.ErrorIs(t, err, errcode.NotAuthorized)

	err = f.try(adjudicator, func(tx *chain.Tx) error { return f.mgr.Resolve(tx, id, bob, 50) })
	assert.ErrorIs(t, err, errcode.NoFinding)

	err = f.try(adjudicator, func(tx *chain.Tx) error { return f.mgr.Resolve(tx, id, alice, 0) })
	assert.ErrorIs(t, err, errcode.InvalidScore)

	// A committed but unrevealed finding does not qualify.
	f.exec(bob, func(tx *chain.Tx) error { return f.mgr.Commit(tx, id, Hash{7}) })
	err = f.try(adjudicator, func(tx *chain.Tx) error { return f.mgr.Resolve(tx, id, bob, 50) })
	assert.ErrorIs(t, err, errcode.NoFinding)
	f.assertEscrowConserved()
}

func TestResolve_TransferFailureRevertsEverything(t *testing.T) {
	f := newFixture(t)
	agentID, exec := f.register(alice, "alice", "")
	id := f.createBounty(money.Units(100), time.Hour)
	f.exec(alice, func(tx *chain.Tx) error { return f.mgr.Submit(tx, id, "ipfs://r") })
	f.token.FailTransfersTo(exec, true)

	err := f.try(adjudicator, func(tx *chain.Tx) error { return f.mgr.Resolve(tx, id, alice, 90) })
	require.ErrorIs(t, err, errcode.TransferFailed)

	assert.Equal(t, StatusActive, f.bounty(id).Status)
	score, _ := chain.Query(context.Background(), f.rt, func(tx *chain.Tx) (reputation.Score, error) {
		return f.rep.GetScore(tx, agentID), nil
	})
	assert.Zero(t, score.Count)
	f.assertEscrowConserved()
}

func TestCancel_ReentrantRefundPaysOnce(t *testing.T) {
	f := newFixture(t)
	id := f.createBounty(money.Units(100), time.Hour)
	var reentryErr error
	f.token.SetReceiveHook(sponsor, func(tx *chain.Tx, _ chain.Address, _ money.Amount) error {
		reentryErr = f.mgr.Cancel(tx, id)
		return nil
	})

	f.exec(sponsor, func(tx *chain.Tx) error { return f.mgr.Cancel(tx, id) })
	assert.ErrorIs(t, reentryErr, errcode.BountyNotActive)
	assert.Equal(t, money.Units(10_000), f.balance(sponsor))
	f.assertEscrowConserved()
}

func TestMarkSpam(t *testing.T) {
	f := newFixture(t)
	agentID, _ := f.register(alice, "alice", "")
	f.register(bob, "bob", "")
	id := f.createBounty(money.Units(100), time.Hour)
	f.exec(alice, func(tx *chain.Tx) error { return f.mgr.Submit(tx, id, "spam") })

	err := f.try(adjudicator, func(tx *chain.Tx) error { return f.mgr.MarkSpam(tx, id, bob) })
	assert.ErrorIs(t, err, errcode.NoFinding)
	err = f.try(stranger, func(tx *chain.Tx) error { return f.mgr.MarkSpam(tx, id, alice) })
	assert.ErrorIs(t, err, errcode.NotAuthorized)

	f.exec(adjudicator, func(tx *chain.Tx) error { return f.mgr.MarkSpam(tx, id, alice) })
	slashed, _ := chain.Query(context.Background(), f.rt, func(tx *chain.Tx) (bool, error) {
		return f.rep.IsSlashed(tx, agentID), nil
	})
	assert.True(t, slashed)

	// A slashed winner cannot receive positive feedback, so resolution reverts.
	err = f.try(adjudicator, func(tx *chain.Tx) error { return f.mgr.Resolve(tx, id, alice, 50) })
	assert.ErrorIs(t, err, errcode.AgentSlashed)
	assert.Equal(t, StatusActive, f.bounty(id).Status)
}

func TestMarkSpam_EvidenceFromFindingOrCommitment(t *testing.T) {
	f := newFixture(t)
	aliceID, _ := f.register(alice, "alice", "")
	bobID, _ := f.register(bob, "bob", "")
	id := f.createBounty(money.Units(100), time.Hour)

	salt := big.NewInt(42)
	revealed, err := ComputeCommitment(alice, "ipfs://revealed", salt)
	require.NoError(t, err)
	f.exec(alice, func(tx *chain.Tx) error { return f.mgr.Commit(tx, id, revealed) })
	f.exec(alice, func(tx *chain.Tx) error { return f.mgr.Reveal(tx, id, "ipfs://revealed", "", salt) })
	pending := Hash{0xbe, 0xef}
	f.exec(bob, func(tx *chain.Tx) error { return f.mgr.Commit(tx, id, pending) })

	f.exec(adjudicator, func(tx *chain.Tx) error { return f.mgr.MarkSpam(tx, id, alice) })
	f.exec(adjudicator, func(tx *chain.Tx) error { return f.mgr.MarkSpam(tx, id, bob) })

	evidence := func(agentID uint64) string {
		h, _ := chain.Query(context.Background(), f.rt, func(tx *chain.Tx) ([]reputation.Feedback, error) {
			return f.rep.History(tx, agentID), nil
		})
		require.Len(t, h, 1)
		return h[0].EvidenceRef
	}
	assert.Equal(t, "ipfs://revealed", evidence(aliceID))
	assert.Equal(t, pending.Hex(), evidence(bobID))
}

func TestSettersAreOperatorOnly(t *testing.T) {
	f := newFixture(t)
	err := f.try(stranger, func(tx *chain.Tx) error { return f.mgr.SetAdjudicator(tx, stranger) })
	assert.ErrorIs(t, err, errcode.NotAuthorized)
	err = f.try(stranger, func(tx *chain.Tx) error { return f.mgr.SetRelay(tx, stranger) })
	assert.ErrorIs(t, err, errcode.NotAuthorized)

	f.exec(operator, func(tx *chain.Tx) error { return f.mgr.SetAdjudicator(tx, bob) })
	f.register(alice, "alice", "")
	id := f.createBounty(money.Units(100), time.Hour)
	f.exec(alice, func(tx *chain.Tx) error { return f.mgr.Submit(tx, id, "r") })
	err = f.try(adjudicator, func(tx *chain.Tx) error { return f.mgr.Resolve(tx, id, alice, 10) })
	assert.ErrorIs(t, err, errcode.NotAuthorized)
	f.exec(bob, func(tx *chain.Tx) error { return f.mgr.Resolve(tx, id, alice, 10) })
}
