package devnet

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoBrian/OpenAudit/pkg/chain"
	"github.com/MarcoBrian/OpenAudit/pkg/money"
	"github.com/MarcoBrian/OpenAudit/pkg/reputation"
)

// Scenario is a scripted bounty: a sponsor funds it, one agent submits and
// the adjudicator resolves in the agent's favour.
type Scenario struct {
	Sponsor     string
	Agent       string
	Reward      money.Amount
	Duration    time.Duration
	Destination string
	ReportRef   string
	Score       uint8
}

// DefaultScenario is 1000 units for 7 days, scored 80, paid to
// arbitrum-sepolia.
func DefaultScenario() Scenario {
	return Scenario{
		Sponsor:     "sponsor",
		Agent:       "alice",
		Reward:      money.Units(1000),
		Duration:    7 * 24 * time.Hour,
		Destination: "arbitrum-sepolia",
		ReportRef:   "ipfs://report-alice",
		Score:       80,
	}
}

// Outcome is the ledger-side result of a scenario.
type Outcome struct {
	BountyID  uint64
	AgentID   uint64
	Owner     chain.Address
	Execution chain.Address
	Score     reputation.Score
}

// RunScenario plays s against the ledger up to resolution. The payout itself
// is left to whoever consumes the resulting SettlementRequested event.
func (n *Network) RunScenario(ctx context.Context, s Scenario) (Outcome, error) {
	sponsor := chain.AccountAddress("devnet/" + s.Sponsor)
	owner := chain.AccountAddress("devnet/" + s.Agent)
	target := chain.AccountAddress("devnet/target/" + s.Agent)

	if err := n.Fund(ctx, sponsor, s.Reward); err != nil {
		return Outcome{}, fmt.Errorf("fund sponsor: %w", err)
	}

	type registered struct {
		id   uint64
		exec chain.Address
	}
	agent, err := chain.Call(ctx, n.Runtime, owner, func(tx *chain.Tx) (registered, error) {
		id, exec, err := n.Registry.Register(tx, s.Agent, "", s.Destination)
		return registered{id, exec}, err
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("register %s: %w", s.Agent, err)
	}

	bountyID, err := chain.Call(ctx, n.Runtime, sponsor, func(tx *chain.Tx) (uint64, error) {
		if err := n.Token.Approve(tx, ManagerAddress, s.Reward); err != nil {
			return 0, err
		}
		return n.Manager.Create(tx, target, tx.Now().Add(s.Duration), s.Reward)
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("create bounty: %w", err)
	}

	if err := n.Runtime.Execute(ctx, owner, func(tx *chain.Tx) error {
		return n.Manager.Submit(tx, bountyID, s.ReportRef)
	}); err != nil {
		return Outcome{}, fmt.Errorf("submit: %w", err)
	}
	if err := n.Runtime.Execute(ctx, Adjudicator, func(tx *chain.Tx) error {
		return n.Manager.Resolve(tx, bountyID, owner, s.Score)
	}); err != nil {
		return Outcome{}, fmt.Errorf("resolve: %w", err)
	}

	score, err := chain.Query(ctx, n.Runtime, func(tx *chain.Tx) (reputation.Score, error) {
		return n.Reputation.GetScore(tx, agent.id), nil
	})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		BountyID:  bountyID,
		AgentID:   agent.id,
		Owner:     owner,
		Execution: agent.exec,
		Score:     score,
	}, nil
}
