// Package bounty implements the Bounty Lifecycle Manager.
//
// A bounty moves Active -> Resolved or Active -> Cancelled and never leaves a
// terminal state. Funds are escrowed on creation and released exactly once.
// Every operation runs inside a ledger call: status and escrow bookkeeping are
// updated before any token transfer, and a failed transfer reverts the call.
package bounty

import (
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/MarcoBrian/OpenAudit/pkg/chain"
	"github.com/MarcoBrian/OpenAudit/pkg/errcode"
	"github.com/MarcoBrian/OpenAudit/pkg/eventlog"
	"github.com/MarcoBrian/OpenAudit/pkg/identity"
	"github.com/MarcoBrian/OpenAudit/pkg/money"
)

// Registry is the subset of the Identity Registry the manager uses.
type Registry interface {
	AgentOf(tx *chain.Tx, identity chain.Address) (uint64, bool)
	Get(tx *chain.Tx, agentID uint64) (identity.Agent, error)
	RecordFinding(tx *chain.Tx, agentID uint64, score uint64) error
}

// Reputation is the subset of the Reputation Ledger the manager uses.
type Reputation interface {
	RecordFeedback(tx *chain.Tx, agentID uint64, score uint8, evidenceRef string) error
}

// Config configures a Manager.
type Config struct {
	// Address is the manager's own account. It holds the escrow.
	Address chain.Address
	// Operator may change the adjudicator and relay.
	Operator chain.Address
	// Adjudicator resolves bounties and marks spam.
	Adjudicator chain.Address
	// Relay receives rewards whose winner chose a payout destination. Zero
	// means every reward is paid to the winner directly.
	Relay chain.Address
	// MinReward is the smallest accepted reward.
	MinReward money.Amount
}

// Manager is the Bounty Lifecycle Manager.
type Manager struct {
	cfg        Config
	token      *chain.Token
	registry   Registry
	reputation Reputation

	nextBountyID uint64
	bounties     map[uint64]*Bounty
	submissions  map[entryKey]*Submission
	commitments  map[entryKey]*Commitment
	findings     map[entryKey]*Finding
	escrow       money.Amount

	logger *slog.Logger
}

// NewManager creates a manager escrowing token.
func NewManager(cfg Config, token *chain.Token, registry Registry, reputation Reputation) *Manager {
	return &Manager{
		cfg:          cfg,
		token:        token,
		registry:     registry,
		reputation:   reputation,
		nextBountyID: 1,
		bounties:     make(map[uint64]*Bounty),
		submissions:  make(map[entryKey]*Submission),
		commitments:  make(map[entryKey]*Commitment),
		findings:     make(map[entryKey]*Finding),
		logger:       slog.Default().With("component", "bounty"),
	}
}

func (m *Manager) WithLogger(logger *slog.Logger) *Manager {
	m.logger = logger
	return m
}

// Address returns the manager's escrow account.
func (m *Manager) Address() chain.Address { return m.cfg.Address }

// MinReward returns the configured minimum reward.
func (m *Manager) MinReward() money.Amount { return m.cfg.MinReward }

// Relay returns the relay account, zero when unset.
func (m *Manager) Relay(_ *chain.Tx) chain.Address { return m.cfg.Relay }

// self returns a call context acting as the manager.
func (m *Manager) self(tx *chain.Tx) *chain.Tx { return tx.As(m.cfg.Address) }

// SetAdjudicator replaces the adjudicator. Operator only.
func (m *Manager) SetAdjudicator(tx *chain.Tx, adjudicator chain.Address) error {
	if err := m.onlyOperator(tx); err != nil {
		return err
	}
	prev := m.cfg.Adjudicator
	tx.OnRevert(func() { m.cfg.Adjudicator = prev })
	m.cfg.Adjudicator = adjudicator
	return nil
}

// SetRelay replaces the relay account. Operator only.
func (m *Manager) SetRelay(tx *chain.Tx, relay chain.Address) error {
	if err := m.onlyOperator(tx); err != nil {
		return err
	}
	prev := m.cfg.Relay
	tx.OnRevert(func() { m.cfg.Relay = prev })
	m.cfg.Relay = relay
	return nil
}

func (m *Manager) onlyOperator(tx *chain.Tx) error {
	if err := tx.Writable(); err != nil {
		return err
	}
	if tx.Sender() != m.cfg.Operator {
		return errcode.NotAuthorized.Withf("only the operator may change manager settings")
	}
	return nil
}

func (m *Manager) onlyAdjudicator(tx *chain.Tx) error {
	if err := tx.Writable(); err != nil {
		return err
	}
	if m.cfg.Adjudicator.IsZero() || tx.Sender() != m.cfg.Adjudicator {
		return errcode.NotAuthorized.Withf("%s is not the adjudicator", tx.Sender())
	}
	return nil
}

// Create escrows reward from the sender against target until deadline. The
// sender must have approved the manager for at least reward beforehand.
func (m *Manager) Create(tx *chain.Tx, target chain.Address, deadline time.Time, reward money.Amount) (uint64, error) {
	if err := tx.Writable(); err != nil {
		return 0, err
	}
	if reward <= 0 || reward < m.cfg.MinReward {
		return 0, errcode.InsufficientReward.Withf("reward %s below minimum %s", reward, m.cfg.MinReward)
	}
	if !deadline.After(tx.Now()) {
		return 0, errcode.InvalidDeadline.Withf("deadline %s is not after %s", deadline.Format(time.RFC3339), tx.Now().Format(time.RFC3339))
	}
	if target.IsZero() {
		return 0, errcode.InvalidTarget
	}

	sponsor := tx.Sender()
	id := m.nextBountyID
	b := &Bounty{
		ID:         id,
		Sponsor:    sponsor,
		Target:     target,
		Reward:     reward,
		Deadline:   deadline.UTC(),
		Status:     StatusActive,
		CreatedAt:  tx.Now(),
		Submitters: []chain.Address{},
	}
	prevEscrow := m.escrow
	m.nextBountyID++
	m.bounties[id] = b
	m.escrow += reward
	tx.OnRevert(func() {
		m.nextBountyID = id
		delete(m.bounties, id)
		m.escrow = prevEscrow
	})

	if err := m.token.TransferFrom(m.self(tx), sponsor, m.cfg.Address, reward); err != nil {
		return 0, err
	}

	tx.Emit(eventlog.BountyCreated, Created{
		BountyID: id, Sponsor: sponsor, Target: target, Reward: reward, Deadline: b.Deadline,
	})
	return id, nil
}

// Cancel refunds an active bounty to its sponsor.
func (m *Manager) Cancel(tx *chain.Tx, bountyID uint64) error {
	if err := tx.Writable(); err != nil {
		return err
	}
	b, err := m.bounty(bountyID)
	if err != nil {
		return err
	}
	if tx.Sender() != b.Sponsor {
		return errcode.NotSponsor.Withf("bounty %d", bountyID)
	}
	if b.Status != StatusActive {
		return errcode.BountyNotActive.Withf("bounty %d is %s", bountyID, b.Status)
	}

	m.setStatus(tx, b, StatusCancelled)
	m.releaseEscrow(tx, b.Reward)

	if err := m.token.Transfer(m.self(tx), b.Sponsor, b.Reward); err != nil {
		return err
	}
	tx.Emit(eventlog.BountyCancelled, Cancelled{BountyID: bountyID, Sponsor: b.Sponsor, Refund: b.Reward})
	return nil
}

// Submit records a direct, immutable submission by the sender.
func (m *Manager) Submit(tx *chain.Tx, bountyID uint64, reportRef string) error {
	b, err := m.openForSubmission(tx, bountyID)
	if err != nil {
		return err
	}
	if reportRef == "" {
		return errcode.EmptyValue.Withf("reportRef")
	}
	submitter := tx.Sender()
	key := entryKey{bountyID, submitter}
	if m.hasEntry(key) {
		return errcode.AlreadySubmitted.Withf("%s on bounty %d", submitter, bountyID)
	}

	now := tx.Now()
	m.submissions[key] = &Submission{ReportRef: reportRef, SubmittedAt: now}
	m.findings[key] = &Finding{Submitter: submitter, ReportRef: reportRef, Direct: true, AcceptedAt: now}
	tx.OnRevert(func() {
		delete(m.submissions, key)
		delete(m.findings, key)
	})
	m.addSubmitter(tx, b, submitter)

	tx.Emit(eventlog.FindingSubmitted, Submitted{BountyID: bountyID, Submitter: submitter, ReportRef: reportRef})
	return nil
}

// Commit records the first phase of a two-phase submission.
func (m *Manager) Commit(tx *chain.Tx, bountyID uint64, hash Hash) error {
	b, err := m.openForSubmission(tx, bountyID)
	if err != nil {
		return err
	}
	if hash.IsZero() {
		return errcode.EmptyValue.Withf("commitment hash")
	}
	submitter := tx.Sender()
	key := entryKey{bountyID, submitter}
	if m.hasEntry(key) {
		return errcode.AlreadySubmitted.Withf("%s on bounty %d", submitter, bountyID)
	}

	m.commitments[key] = &Commitment{Hash: hash, CommittedAt: tx.Now()}
	tx.OnRevert(func() { delete(m.commitments, key) })
	m.addSubmitter(tx, b, submitter)

	tx.Emit(eventlog.FindingCommitted, Committed{BountyID: bountyID, Submitter: submitter, Hash: hash})
	return nil
}

// Reveal opens the sender's commitment. It is accepted while the bounty is
// Active, including after the deadline.
func (m *Manager) Reveal(tx *chain.Tx, bountyID uint64, reportRef, pocRef string, salt *big.Int) error {
	if err := tx.Writable(); err != nil {
		return err
	}
	b, err := m.bounty(bountyID)
	if err != nil {
		return err
	}
	if b.Status != StatusActive {
		return errcode.BountyNotActive.Withf("bounty %d is %s", bountyID, b.Status)
	}
	if reportRef == "" {
		return errcode.EmptyValue.Withf("reportRef")
	}
	submitter := tx.Sender()
	key := entryKey{bountyID, submitter}
	c, ok := m.commitments[key]
	if !ok {
		return errcode.NoCommitment.Withf("%s on bounty %d", submitter, bountyID)
	}
	if c.Revealed {
		return errcode.AlreadyRevealed.Withf("%s on bounty %d", submitter, bountyID)
	}
	want, err := ComputeCommitment(submitter, reportRef, salt)
	if err != nil {
		return err
	}
	if want != c.Hash {
		return errcode.InvalidReveal.Withf("%s on bounty %d", submitter, bountyID)
	}

	c.Revealed = true
	m.findings[key] = &Finding{Submitter: submitter, ReportRef: reportRef, PocRef: pocRef, AcceptedAt: tx.Now()}
	tx.OnRevert(func() {
		c.Revealed = false
		delete(m.findings, key)
	})

	tx.Emit(eventlog.FindingRevealed, Revealed{BountyID: bountyID, Submitter: submitter, ReportRef: reportRef, PocRef: pocRef})
	return nil
}

// Resolve awards an active bounty to winner, who must hold an accepted
// finding. The score (1-100) is forwarded to the reputation ledger and the
// agent's counters, and the escrow is released to the winner's execution
// identity, or to the relay when one is configured and the winner chose a
// payout destination. A SettlementRequested event hands the payout over to
// the settlement pipeline.
func (m *Manager) Resolve(tx *chain.Tx, bountyID uint64, winner chain.Address, score uint8) error {
	if err := m.onlyAdjudicator(tx); err != nil {
		return err
	}
	b, err := m.bounty(bountyID)
	if err != nil {
		return err
	}
	if b.Status != StatusActive {
		return errcode.BountyNotActive.Withf("bounty %d is %s", bountyID, b.Status)
	}
	if score == 0 || score > 100 {
		return errcode.InvalidScore.Withf("resolution score %d not in 1..100", score)
	}
	finding, ok := m.findings[entryKey{bountyID, winner}]
	if !ok {
		return errcode.NoFinding.Withf("%s on bounty %d", winner, bountyID)
	}
	agentID, ok := m.registry.AgentOf(tx, winner)
	if !ok {
		return errcode.NotRegistered.Withf("%s", winner)
	}

	// Bookkeeping strictly before any external interaction.
	prevWinner, prevAgent, prevScore, prevAt := b.Winner, b.WinnerAgentID, b.ResolvedScore, b.ResolvedAt
	tx.OnRevert(func() {
		b.Winner, b.WinnerAgentID, b.ResolvedScore, b.ResolvedAt = prevWinner, prevAgent, prevScore, prevAt
	})
	m.setStatus(tx, b, StatusResolved)
	b.Winner = winner
	b.WinnerAgentID = agentID
	b.ResolvedScore = score
	b.ResolvedAt = tx.Now()
	m.releaseEscrow(tx, b.Reward)

	if err := m.reputation.RecordFeedback(m.self(tx), agentID, score, finding.ReportRef); err != nil {
		return err
	}
	if err := m.registry.RecordFinding(m.self(tx), agentID, uint64(score)); err != nil {
		return err
	}

	agent, err := m.registry.Get(tx, agentID)
	if err != nil {
		return err
	}
	payee := agent.Execution
	if !m.cfg.Relay.IsZero() && agent.PayoutDestination != "" {
		payee = m.cfg.Relay
	}
	if err := m.token.Transfer(m.self(tx), payee, b.Reward); err != nil {
		return err
	}

	tx.Emit(eventlog.BountyResolved, Resolved{
		BountyID: bountyID, Winner: agent.Execution, AgentID: agentID, Score: score, Reward: b.Reward,
	})
	tx.Emit(eventlog.SettlementRequested, SettlementRequested{
		BountyID:          bountyID,
		Winner:            agent.Execution,
		AgentID:           agentID,
		Amount:            b.Reward,
		PayoutDestination: agent.PayoutDestination,
		PaidTo:            payee,
	})

	logger := m.logger
	tx.AfterCommit(func() {
		logger.Info("bounty resolved", "bounty_id", bountyID, "agent_id", agentID,
			"score", score, "reward", b.Reward.String(), "paid_to", payee.Hex())
	})
	return nil
}

// MarkSpam forwards a zero score for submitter, who must have submitted or
// committed on the bounty.
func (m *Manager) MarkSpam(tx *chain.Tx, bountyID uint64, submitter chain.Address) error {
	if err := m.onlyAdjudicator(tx); err != nil {
		return err
	}
	if _, err := m.bounty(bountyID); err != nil {
		return err
	}
	key := entryKey{bountyID, submitter}
	if !m.hasEntry(key) {
		return errcode.NoFinding.Withf("%s on bounty %d", submitter, bountyID)
	}
	agentID, ok := m.registry.AgentOf(tx, submitter)
	if !ok {
		return errcode.NotRegistered.Withf("%s", submitter)
	}
	return m.reputation.RecordFeedback(m.self(tx), agentID, 0, m.evidence(key))
}

// evidence names what a submitter put forward: the report of an accepted
// finding, otherwise the unrevealed commitment hash.
func (m *Manager) evidence(key entryKey) string {
	if f, ok := m.findings[key]; ok {
		return f.ReportRef
	}
	if c, ok := m.commitments[key]; ok {
		return c.Hash.Hex()
	}
	return ""
}

func (m *Manager) openForSubmission(tx *chain.Tx, bountyID uint64) (*Bounty, error) {
	if err := tx.Writable(); err != nil {
		return nil, err
	}
	if _, ok := m.registry.AgentOf(tx, tx.Sender()); !ok {
		return nil, errcode.NotRegistered.Withf("%s", tx.Sender())
	}
	b, err := m.bounty(bountyID)
	if err != nil {
		return nil, err
	}
	if b.Status != StatusActive {
		return nil, errcode.BountyNotActive.Withf("bounty %d is %s", bountyID, b.Status)
	}
	if tx.Now().After(b.Deadline) {
		return nil, errcode.DeadlinePassed.Withf("bounty %d closed at %s", bountyID, b.Deadline.Format(time.RFC3339))
	}
	return b, nil
}

func (m *Manager) bounty(id uint64) (*Bounty, error) {
	b, ok := m.bounties[id]
	if !ok {
		return nil, errcode.BountyNotFound.Withf("bounty %d", id)
	}
	return b, nil
}

func (m *Manager) hasEntry(key entryKey) bool {
	_, submitted := m.submissions[key]
	_, committed := m.commitments[key]
	return submitted || committed
}

func (m *Manager) setStatus(tx *chain.Tx, b *Bounty, s Status) {
	prev := b.Status
	tx.OnRevert(func() { b.Status = prev })
	b.Status = s
}

func (m *Manager) releaseEscrow(tx *chain.Tx, amount money.Amount) {
	prev := m.escrow
	tx.OnRevert(func() { m.escrow = prev })
	m.escrow -= amount
}

func (m *Manager) addSubmitter(tx *chain.Tx, b *Bounty, submitter chain.Address) {
	n := len(b.Submitters)
	tx.OnRevert(func() { b.Submitters = b.Submitters[:n] })
	b.Submitters = append(b.Submitters, submitter)
}

// Get returns a copy of the bounty.
func (m *Manager) Get(_ *chain.Tx, bountyID uint64) (Bounty, error) {
	b, err := m.bounty(bountyID)
	if err != nil {
		return Bounty{}, err
	}
	return copyBounty(b), nil
}

// List returns all bounties ordered by id.
func (m *Manager) List(_ *chain.Tx) []Bounty {
	out := make([]Bounty, 0, len(m.bounties))
	for _, b := range m.bounties {
		out = append(out, copyBounty(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Submitters returns the submitters of a bounty in order of first entry.
func (m *Manager) Submitters(_ *chain.Tx, bountyID uint64) ([]chain.Address, error) {
	b, err := m.bounty(bountyID)
	if err != nil {
		return nil, err
	}
	return append([]chain.Address(nil), b.Submitters...), nil
}

// Finding returns the accepted finding of submitter on a bounty.
func (m *Manager) Finding(_ *chain.Tx, bountyID uint64, submitter chain.Address) (Finding, bool) {
	f, ok := m.findings[entryKey{bountyID, submitter}]
	if !ok {
		return Finding{}, false
	}
	return *f, true
}

// Commitment returns the commitment of submitter on a bounty.
func (m *Manager) Commitment(_ *chain.Tx, bountyID uint64, submitter chain.Address) (Commitment, bool) {
	c, ok := m.commitments[entryKey{bountyID, submitter}]
	if !ok {
		return Commitment{}, false
	}
	return *c, true
}

// EscrowBalance returns the sum of rewards of active bounties.
func (m *Manager) EscrowBalance(_ *chain.Tx) money.Amount { return m.escrow }

func copyBounty(b *Bounty) Bounty {
	cp := *b
	cp.Submitters = append([]chain.Address{}, b.Submitters...)
	return cp
}
