package settlement

import (
	"context"
	"errors"

	"github.com/MarcoBrian/OpenAudit/pkg/chain"
	"github.com/MarcoBrian/OpenAudit/pkg/money"
)

// ErrNotReady is returned by an Attestor while the proof is not available.
var ErrNotReady = errors.New("settlement: attestation not ready")

// Transferer moves funds on the source ledger from the relay holding account.
type Transferer interface {
	Transfer(ctx context.Context, to chain.Address, amount money.Amount) (txHash string, err error)
}

// Attestation is the proof that a source-side burn occurred.
type Attestation struct {
	Message     string `json:"message"`
	Attestation string `json:"attestation"`
}

// Bridge executes the source and destination sides of the bridge protocol.
// Each call must be safe to repeat for a step that did not succeed.
type Bridge interface {
	Approve(ctx context.Context, rec Record) (txHash string, err error)
	Burn(ctx context.Context, rec Record) (txHash string, err error)
	Mint(ctx context.Context, rec Record, att Attestation) (txHash string, err error)
}

// Attestor fetches attestations for source-domain burns.
type Attestor interface {
	Fetch(ctx context.Context, sourceDomain uint32, burnTxHash string) (Attestation, error)
}

// DestinationResolver reads a winner's preferred payout destination.
type DestinationResolver interface {
	PayoutDestination(ctx context.Context, winner chain.Address) (string, error)
}
