// Package devnet composes an in-process OpenAudit ledger: the runtime, the
// settlement token, the Agent Registry, the Reputation Ledger and the Bounty
// Manager, wired the way a deployment wires them. It also provides the
// source-ledger and simulated bridge endpoints the settlement orchestrator
// drives, so the whole pipeline runs without external networks.
package devnet

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/MarcoBrian/OpenAudit/pkg/bounty"
	"github.com/MarcoBrian/OpenAudit/pkg/chain"
	"github.com/MarcoBrian/OpenAudit/pkg/eventlog"
	"github.com/MarcoBrian/OpenAudit/pkg/identity"
	"github.com/MarcoBrian/OpenAudit/pkg/money"
	"github.com/MarcoBrian/OpenAudit/pkg/reputation"
)

// Well-known accounts of a devnet.
var (
	Operator    = chain.AccountAddress("devnet/operator")
	Adjudicator = chain.AccountAddress("devnet/adjudicator")
	Relay       = chain.AccountAddress("devnet/relay")
	Messenger   = chain.AccountAddress("devnet/token-messenger")

	RegistryAddress = chain.AccountAddress("devnet/agent-registry")
	ManagerAddress  = chain.AccountAddress("devnet/bounty-manager")
)

// Options configures a Network.
type Options struct {
	MinReward money.Amount
	// NoRelay pays every reward to the winner on the source ledger.
	NoRelay bool
	Clock   func() time.Time
	Logger  *slog.Logger
}

// Network is an assembled devnet.
type Network struct {
	Runtime    *chain.Runtime
	Token      *chain.Token
	Registry   *identity.Registry
	Reputation *reputation.Ledger
	Manager    *bounty.Manager
}

// New assembles a devnet on events. The operator links the registry and
// reputation ledger to the manager and installs the relay.
func New(ctx context.Context, events eventlog.Log, opts Options) (*Network, error) {
	if opts.MinReward == 0 {
		opts.MinReward = money.Units(10)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rt := chain.NewRuntime(events).WithLogger(logger.With("component", "runtime"))
	if opts.Clock != nil {
		rt = rt.WithClock(opts.Clock)
	}
	n := &Network{
		Runtime:  rt,
		Token:    chain.NewToken("USDC", Operator),
		Registry: identity.NewRegistry(RegistryAddress, Operator).WithLogger(logger.With("component", "registry")),
	}
	n.Reputation = reputation.NewLedger(Operator, n.Registry)
	n.Manager = bounty.NewManager(bounty.Config{
		Address:     ManagerAddress,
		Operator:    Operator,
		Adjudicator: Adjudicator,
		MinReward:   opts.MinReward,
	}, n.Token, n.Registry, n.Reputation).WithLogger(logger.With("component", "bounty"))

	err := rt.Execute(ctx, Operator, func(tx *chain.Tx) error {
		if err := n.Registry.SetManager(tx, ManagerAddress); err != nil {
			return err
		}
		if err := n.Reputation.Authorize(tx, ManagerAddress); err != nil {
			return err
		}
		if opts.NoRelay {
			return nil
		}
		return n.Manager.SetRelay(tx, Relay)
	})
	if err != nil {
		return nil, fmt.Errorf("devnet: bootstrap: %w", err)
	}
	return n, nil
}

// Fund mints amount to addr.
func (n *Network) Fund(ctx context.Context, addr chain.Address, amount money.Amount) error {
	return n.Runtime.Execute(ctx, Operator, func(tx *chain.Tx) error {
		return n.Token.Mint(tx, addr, amount)
	})
}

// Balance returns addr's token balance on the source ledger.
func (n *Network) Balance(ctx context.Context, addr chain.Address) money.Amount {
	v, _ := chain.Query(ctx, n.Runtime, func(tx *chain.Tx) (money.Amount, error) {
		return n.Token.BalanceOf(tx, addr), nil
	})
	return v
}

// txHash derives a transaction hash unique to the call it is computed in.
func txHash(tx *chain.Tx, kind string, parts ...[]byte) string {
	var height [8]byte
	binary.BigEndian.PutUint64(height[:], tx.Height())
	digest := chain.Keccak256(append([][]byte{[]byte(kind), height[:], tx.Sender().Bytes()}, parts...)...)
	return "0x" + hex.EncodeToString(digest[:])
}

func amountBytes(a money.Amount) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(a))
	return b[:]
}

// RelayTransferer pays out on the source ledger from the relay account.
type RelayTransferer struct {
	net *Network
}

// Transferer returns the source-ledger payout endpoint of n.
func (n *Network) Transferer() *RelayTransferer { return &RelayTransferer{net: n} }

func (t *RelayTransferer) Transfer(ctx context.Context, to chain.Address, amount money.Amount) (string, error) {
	return chain.Call(ctx, t.net.Runtime, Relay, func(tx *chain.Tx) (string, error) {
		if err := t.net.Token.Transfer(tx, to, amount); err != nil {
			return "", err
		}
		return txHash(tx, "transfer", to.Bytes(), amountBytes(amount)), nil
	})
}

// Resolver reads payout destinations from the Agent Registry.
type Resolver struct {
	net *Network
}

// Resolver returns the registry-backed destination lookup of n.
func (n *Network) Resolver() *Resolver { return &Resolver{net: n} }

// PayoutDestination returns the destination of the agent owning or executing
// as winner. An unregistered winner is paid on the source ledger.
func (r *Resolver) PayoutDestination(ctx context.Context, winner chain.Address) (string, error) {
	return chain.Query(ctx, r.net.Runtime, func(tx *chain.Tx) (string, error) {
		id, ok := r.net.Registry.AgentOf(tx, winner)
		if !ok {
			return "", nil
		}
		return r.net.Registry.PayoutDestination(tx, id)
	})
}
