package settlement

import (
	"fmt"
	"time"

	"github.com/MarcoBrian/OpenAudit/pkg/money"
)

// Status is the overall state of a settlement record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSameChain Status = "same-chain"
	StatusBridged   Status = "bridged"
	StatusSkipped   Status = "skipped"
	StatusError     Status = "error"
)

// Terminal reports whether no further work happens for the status. An error
// record is resumable by re-invoking the settlement and is not terminal.
func (s Status) Terminal() bool {
	return s == StatusSameChain || s == StatusBridged || s == StatusSkipped
}

// StepName names a bridge protocol step.
type StepName string

const (
	StepApprove     StepName = "approve"
	StepBurn        StepName = "burn"
	StepAttestation StepName = "attestation"
	StepMint        StepName = "mint"
)

// BridgeSteps is the fixed order of the bridge protocol.
var BridgeSteps = []StepName{StepApprove, StepBurn, StepAttestation, StepMint}

// StepState is the state of one step.
type StepState string

const (
	StepPending StepState = "pending"
	StepSuccess StepState = "success"
	StepFailed  StepState = "failed"
)

// Step is one entry of a record's append-only step list.
type Step struct {
	Name      StepName  `json:"name"`
	State     StepState `json:"state"`
	TxHash    string    `json:"tx_hash,omitempty"`
	Proof     string    `json:"proof,omitempty"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Record tracks one settlement attempt. BridgeID is its sole idempotency key.
type Record struct {
	BridgeID     string       `json:"bridge_id"`
	BountyID     uint64       `json:"bounty_id,omitempty"`
	SourceDomain string       `json:"source_domain"`
	DestDomain   string       `json:"dest_domain"`
	Amount       money.Amount `json:"amount"`
	Recipient    string       `json:"recipient"`
	// PaidTo is the account the escrow was released to on the source ledger.
	PaidTo    string    `json:"paid_to,omitempty"`
	Steps     []Step    `json:"steps"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Aborted   bool      `json:"aborted,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Final reports whether the record accepts no further work: a terminal
// status, or an aborted workflow.
func (r Record) Final() bool { return r.Status.Terminal() || r.Aborted }

// Step returns the step named n.
func (r Record) Step(n StepName) (Step, bool) {
	for _, s := range r.Steps {
		if s.Name == n {
			return s, true
		}
	}
	return Step{}, false
}

// Succeeded reports whether step n has succeeded.
func (r Record) Succeeded(n StepName) bool {
	s, ok := r.Step(n)
	return ok && s.State == StepSuccess
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	r.Steps = append([]Step(nil), r.Steps...)
	if r.Steps == nil {
		r.Steps = []Step{}
	}
	return r
}

// Reroutable reports whether the destination of r may still change: it failed
// before any step ran.
func (r Record) Reroutable() bool {
	return r.Status == StatusError && !r.Aborted && len(r.Steps) == 0
}

// CheckAdvance verifies that next is a legal successor of prev: identity
// fields are unchanged, steps are append-only, no step regresses from
// success, and a terminal record never changes. The destination changes only
// on a reroutable record.
func CheckAdvance(prev, next Record) error {
	if prev.BridgeID != next.BridgeID || prev.BountyID != next.BountyID ||
		prev.Amount != next.Amount || prev.Recipient != next.Recipient {
		return fmt.Errorf("settlement: record %s identity changed", prev.BridgeID)
	}
	if prev.DestDomain != next.DestDomain && !prev.Reroutable() {
		return fmt.Errorf("settlement: record %s destination changed", prev.BridgeID)
	}
	if prev.Final() && (next.Status != prev.Status || next.Aborted != prev.Aborted || len(next.Steps) != len(prev.Steps)) {
		return fmt.Errorf("settlement: record %s is final (%s)", prev.BridgeID, prev.Status)
	}
	if len(next.Steps) < len(prev.Steps) {
		return fmt.Errorf("settlement: record %s lost steps", prev.BridgeID)
	}
	for i, p := range prev.Steps {
		n := next.Steps[i]
		if n.Name != p.Name {
			return fmt.Errorf("settlement: record %s step %d renamed %s -> %s", prev.BridgeID, i, p.Name, n.Name)
		}
		if p.State == StepSuccess && (n.State != StepSuccess || n.TxHash != p.TxHash || n.Proof != p.Proof) {
			return fmt.Errorf("settlement: record %s step %s regressed", prev.BridgeID, p.Name)
		}
	}
	return nil
}
