// Package identity implements the agent Identity Registry.
//
// An agent is registered once per owner and receives a deterministic execution
// identity, a unique name and an optional payout destination. All state is
// mutated inside ledger calls and journalled so a failing call leaves no trace.
package identity

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/MarcoBrian/OpenAudit/pkg/chain"
	"github.com/MarcoBrian/OpenAudit/pkg/errcode"
	"github.com/MarcoBrian/OpenAudit/pkg/eventlog"
	"github.com/MarcoBrian/OpenAudit/pkg/util/resiliency"
)

const (
	// MaxNameLength is the maximum agent name length in runes.
	MaxNameLength = 32

	// PayoutChainKey is the attribute store key mirroring the payout destination.
	PayoutChainKey = "payout_chain"

	executionDomain = "openaudit/execution-identity/v1"
)

// Agent is a registered agent record.
type Agent struct {
	ID                uint64        `json:"agent_id"`
	Owner             chain.Address `json:"owner"`
	Execution         chain.Address `json:"execution_identity"`
	Name              string        `json:"name"`
	MetadataRef       string        `json:"metadata_ref"`
	TotalScore        uint64        `json:"total_score"`
	FindingsCount     uint64        `json:"findings_count"`
	PayoutDestination string        `json:"payout_destination"`
	Registered        bool          `json:"registered"`
	RegisteredAt      time.Time     `json:"registered_at"`
}

// Registered is the payload of eventlog.AgentRegistered.
type Registered struct {
	AgentID           uint64        `json:"agent_id"`
	Owner             chain.Address `json:"owner"`
	Execution         chain.Address `json:"execution_identity"`
	Name              string        `json:"name"`
	MetadataRef       string        `json:"metadata_ref"`
	PayoutDestination string        `json:"payout_destination"`
}

// DestinationSet is the payload of eventlog.PayoutDestinationSet.
type DestinationSet struct {
	AgentID     uint64 `json:"agent_id"`
	Destination string `json:"destination"`
}

// Registry is the Identity Registry.
type Registry struct {
	address  chain.Address
	operator chain.Address
	manager  chain.Address

	nextAgentID uint64
	agents      map[uint64]*Agent
	byName      map[string]uint64
	byOwner     map[chain.Address]uint64
	byExec      map[chain.Address]uint64

	attrs  AttributeStore
	logger *slog.Logger
}

// NewRegistry creates a registry deployed at address and administered by operator.
func NewRegistry(address, operator chain.Address) *Registry {
	return &Registry{
		address:     address,
		operator:    operator,
		nextAgentID: 1,
		agents:      make(map[uint64]*Agent),
		byName:      make(map[string]uint64),
		byOwner:     make(map[chain.Address]uint64),
		byExec:      make(map[chain.Address]uint64),
		logger:      slog.Default().With("component", "identity"),
	}
}

// WithAttributes mirrors payout destinations into store.
func (r *Registry) WithAttributes(store AttributeStore) *Registry {
	r.attrs = store
	return r
}

func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// Address returns the registry's own address.
func (r *Registry) Address() chain.Address { return r.address }

// SetManager authorizes manager to record findings. Operator only.
func (r *Registry) SetManager(tx *chain.Tx, manager chain.Address) error {
	if err := tx.Writable(); err != nil {
		return err
	}
	if tx.Sender() != r.operator {
		return errcode.NotAuthorized.Withf("only the operator may set the manager")
	}
	prev := r.manager
	tx.OnRevert(func() { r.manager = prev })
	r.manager = manager
	return nil
}

// NormalizeName returns the canonical form of an agent name: NFC, trimmed,
// lower-cased. It fails InvalidName unless the result has 1-32 runes.
func NormalizeName(name string) (string, error) {
	n := strings.ToLower(strings.TrimSpace(norm.NFC.String(name)))
	if l := utf8.RuneCountInString(n); l == 0 || l > MaxNameLength {
		return "", errcode.InvalidName.Withf("%q has %d characters", name, l)
	}
	return n, nil
}

// ExecutionIdentity derives the execution identity of an agent:
// keccak256(domain ‖ registry ‖ uint256(agentID) ‖ owner)[12:].
func ExecutionIdentity(registry chain.Address, agentID uint64, owner chain.Address) chain.Address {
	var id [32]byte
	binary.BigEndian.PutUint64(id[24:], agentID)
	return chain.DeriveAddress(executionDomain, registry[:], id[:], owner[:])
}

// Register creates an agent owned by the sender.
func (r *Registry) Register(tx *chain.Tx, name, metadataRef, payoutDestination string) (uint64, chain.Address, error) {
	if err := tx.Writable(); err != nil {
		return 0, chain.ZeroAddress, err
	}
	owner := tx.Sender()
	normalized, err := NormalizeName(name)
	if err != nil {
		return 0, chain.ZeroAddress, err
	}
	if _, taken := r.byName[normalized]; taken {
		return 0, chain.ZeroAddress, errcode.NameTaken.Withf("%q", normalized)
	}
	if _, exists := r.byOwner[owner]; exists {
		return 0, chain.ZeroAddress, errcode.AlreadyRegistered.Withf("%s", owner)
	}
	if _, exists := r.byExec[owner]; exists {
		return 0, chain.ZeroAddress, errcode.AlreadyRegistered.Withf("%s is an execution identity", owner)
	}

	id := r.nextAgentID
	exec := ExecutionIdentity(r.address, id, owner)
	agent := &Agent{
		ID:                id,
		Owner:             owner,
		Execution:         exec,
		Name:              normalized,
		MetadataRef:       metadataRef,
		PayoutDestination: payoutDestination,
		Registered:        true,
		RegisteredAt:      tx.Now(),
	}

	r.nextAgentID++
	r.agents[id] = agent
	r.byName[normalized] = id
	r.byOwner[owner] = id
	r.byExec[exec] = id
	tx.OnRevert(func() {
		r.nextAgentID = id
		delete(r.agents, id)
		delete(r.byName, normalized)
		delete(r.byOwner, owner)
		delete(r.byExec, exec)
	})

	tx.Emit(eventlog.AgentRegistered, Registered{
		AgentID:           id,
		Owner:             owner,
		Execution:         exec,
		Name:              normalized,
		MetadataRef:       metadataRef,
		PayoutDestination: payoutDestination,
	})
	r.mirrorDestination(tx, id, payoutDestination)
	return id, exec, nil
}

// SetPayoutDestination updates an agent's preferred payout destination.
// Only the agent's owner or execution identity may call it.
func (r *Registry) SetPayoutDestination(tx *chain.Tx, agentID uint64, value string) error {
	if err := tx.Writable(); err != nil {
		return err
	}
	agent, ok := r.agents[agentID]
	if !ok {
		return errcode.AgentNotFound.Withf("agent %d", agentID)
	}
	if s := tx.Sender(); s != agent.Owner && s != agent.Execution {
		return errcode.NotAuthorized.Withf("%s may not update agent %d", s, agentID)
	}
	prev := agent.PayoutDestination
	tx.OnRevert(func() { agent.PayoutDestination = prev })
	agent.PayoutDestination = value

	tx.Emit(eventlog.PayoutDestinationSet, DestinationSet{AgentID: agentID, Destination: value})
	r.mirrorDestination(tx, agentID, value)
	return nil
}

// mirrorDestination copies the destination into the attribute store once the
// call commits. Failures are logged and never affect the ledger call.
func (r *Registry) mirrorDestination(tx *chain.Tx, agentID uint64, value string) {
	if r.attrs == nil {
		return
	}
	attrs, logger := r.attrs, r.logger
	tx.AfterCommit(func() {
		resiliency.BestEffort(context.Background(), logger, "attributes.payout_chain", func(ctx context.Context) error {
			return attrs.Set(ctx, agentID, PayoutChainKey, value)
		})
	})
}

// RecordFinding credits an accepted finding to an agent. Manager only.
func (r *Registry) RecordFinding(tx *chain.Tx, agentID uint64, score uint64) error {
	if err := tx.Writable(); err != nil {
		return err
	}
	if r.manager.IsZero() || tx.Sender() != r.manager {
		return errcode.NotAuthorized.Withf("only the bounty manager may record findings")
	}
	agent, ok := r.agents[agentID]
	if !ok {
		return errcode.AgentNotFound.Withf("agent %d", agentID)
	}
	prevScore, prevCount := agent.TotalScore, agent.FindingsCount
	tx.OnRevert(func() {
		agent.TotalScore = prevScore
		agent.FindingsCount = prevCount
	})
	agent.TotalScore += score
	agent.FindingsCount++
	return nil
}

// Resolve returns the execution identity registered under name.
func (r *Registry) Resolve(_ *chain.Tx, name string) (chain.Address, bool) {
	normalized, err := NormalizeName(name)
	if err != nil {
		return chain.ZeroAddress, false
	}
	id, ok := r.byName[normalized]
	if !ok {
		return chain.ZeroAddress, false
	}
	return r.agents[id].Execution, true
}

// IsRegistered reports whether identity is an agent's owner or execution identity.
func (r *Registry) IsRegistered(tx *chain.Tx, identity chain.Address) bool {
	_, ok := r.AgentOf(tx, identity)
	return ok
}

// AgentOf returns the agent id owning or executing as identity.
func (r *Registry) AgentOf(_ *chain.Tx, identity chain.Address) (uint64, bool) {
	if id, ok := r.byOwner[identity]; ok {
		return id, true
	}
	id, ok := r.byExec[identity]
	return id, ok
}

// Get returns a copy of the agent record.
func (r *Registry) Get(_ *chain.Tx, agentID uint64) (Agent, error) {
	agent, ok := r.agents[agentID]
	if !ok {
		return Agent{}, errcode.AgentNotFound.Withf("agent %d", agentID)
	}
	return *agent, nil
}

// List returns all agents ordered by id.
func (r *Registry) List(_ *chain.Tx) []Agent {
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PayoutDestination returns the agent's payout destination ("" = same ledger).
func (r *Registry) PayoutDestination(_ *chain.Tx, agentID uint64) (string, error) {
	agent, ok := r.agents[agentID]
	if !ok {
		return "", errcode.AgentNotFound.Withf("agent %d", agentID)
	}
	return agent.PayoutDestination, nil
}

// ExecutionOf returns the execution identity of an agent.
func (r *Registry) ExecutionOf(_ *chain.Tx, agentID uint64) (chain.Address, error) {
	agent, ok := r.agents[agentID]
	if !ok {
		return chain.ZeroAddress, errcode.AgentNotFound.Withf("agent %d", agentID)
	}
	return agent.Execution, nil
}
