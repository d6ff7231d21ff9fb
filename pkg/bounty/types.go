package bounty

import (
	"encoding/hex"
	"time"

	"github.com/MarcoBrian/OpenAudit/pkg/chain"
	"github.com/MarcoBrian/OpenAudit/pkg/money"
)

// Status is the lifecycle state of a bounty. Resolved and Cancelled are final.
type Status string

const (
	StatusActive    Status = "Active"
	StatusResolved  Status = "Resolved"
	StatusCancelled Status = "Cancelled"
)

// Bounty is an escrowed reward against a target.
type Bounty struct {
	ID            uint64          `json:"bounty_id"`
	Sponsor       chain.Address   `json:"sponsor"`
	Target        chain.Address   `json:"target"`
	Reward        money.Amount    `json:"reward"`
	Deadline      time.Time       `json:"deadline"`
	Status        Status          `json:"status"`
	Winner        chain.Address   `json:"winner"`
	WinnerAgentID uint64          `json:"winner_agent_id,omitempty"`
	ResolvedScore uint8           `json:"resolved_score,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ResolvedAt    time.Time       `json:"resolved_at,omitempty"`
	Submitters    []chain.Address `json:"submitters"`
}

// Hash is a 32-byte commitment digest.
type Hash [32]byte

func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) Hex() string { return "0x" + hex.EncodeToString(h[:]) }

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.Hex()), nil }

// Submission is a direct, immutable finding submission.
type Submission struct {
	ReportRef   string    `json:"report_ref"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Commitment is the first phase of a two-phase submission.
type Commitment struct {
	Hash        Hash      `json:"hash"`
	CommittedAt time.Time `json:"committed_at"`
	Revealed    bool      `json:"revealed"`
}

// Finding is an accepted finding, either submitted directly or revealed.
type Finding struct {
	Submitter  chain.Address `json:"submitter"`
	ReportRef  string        `json:"report_ref"`
	PocRef     string        `json:"poc_ref,omitempty"`
	Direct     bool          `json:"direct"`
	AcceptedAt time.Time     `json:"accepted_at"`
}

type entryKey struct {
	bountyID  uint64
	submitter chain.Address
}

// Created is the payload of eventlog.BountyCreated.
type Created struct {
	BountyID uint64        `json:"bounty_id"`
	Sponsor  chain.Address `json:"sponsor"`
	Target   chain.Address `json:"target"`
	Reward   money.Amount  `json:"reward"`
	Deadline time.Time     `json:"deadline"`
}

// Cancelled is the payload of eventlog.BountyCancelled.
type Cancelled struct {
	BountyID uint64        `json:"bounty_id"`
	Sponsor  chain.Address `json:"sponsor"`
	Refund   money.Amount  `json:"refund"`
}

// Submitted is the payload of eventlog.FindingSubmitted.
type Submitted struct {
	BountyID  uint64        `json:"bounty_id"`
	Submitter chain.Address `json:"submitter"`
	ReportRef string        `json:"report_ref"`
}

// Committed is the payload of eventlog.FindingCommitted.
type Committed struct {
	BountyID  uint64        `json:"bounty_id"`
	Submitter chain.Address `json:"submitter"`
	Hash      Hash          `json:"hash"`
}

// Revealed is the payload of eventlog.FindingRevealed.
type Revealed struct {
	BountyID  uint64        `json:"bounty_id"`
	Submitter chain.Address `json:"submitter"`
	ReportRef string        `json:"report_ref"`
	PocRef    string        `json:"poc_ref"`
}

// Resolved is the payload of eventlog.BountyResolved.
type Resolved struct {
	BountyID uint64        `json:"bounty_id"`
	Winner   chain.Address `json:"winner"`
	AgentID  uint64        `json:"agent_id"`
	Score    uint8         `json:"score"`
	Reward   money.Amount  `json:"reward"`
}

// SettlementRequested is the payload of eventlog.SettlementRequested. PaidTo is
// the account the escrow was released to: the winner itself, or the relay
// that completes the payout to PayoutDestination.
type SettlementRequested struct {
	BountyID          uint64        `json:"bounty_id"`
	Winner            chain.Address `json:"winner"`
	AgentID           uint64        `json:"agent_id"`
	Amount            money.Amount  `json:"amount"`
	PayoutDestination string        `json:"payout_destination"`
	PaidTo            chain.Address `json:"paid_to"`
}
