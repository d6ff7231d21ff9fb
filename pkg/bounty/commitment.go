package bounty

import (
	"crypto/rand"
	"math/big"

	"github.com/MarcoBrian/OpenAudit/pkg/chain"
	"github.com/MarcoBrian/OpenAudit/pkg/errcode"
)

var maxSalt = new(big.Int).Lsh(big.NewInt(1), 256)

// ComputeCommitment returns keccak256(submitter ‖ reportRef ‖ uint256(salt)),
// the tightly packed encoding used by commit-reveal.
func ComputeCommitment(submitter chain.Address, reportRef string, salt *big.Int) (Hash, error) {
	if salt == nil || salt.Sign() < 0 || salt.Cmp(maxSalt) >= 0 {
		return Hash{}, errcode.InvalidReveal.Withf("salt must be a uint256")
	}
	var s [32]byte
	salt.FillBytes(s[:])
	return chain.Keccak256(submitter[:], []byte(reportRef), s[:]), nil
}

// NewSalt returns a uniformly random uint256 salt.
func NewSalt() (*big.Int, error) {
	return rand.Int(rand.Reader, maxSalt)
}
