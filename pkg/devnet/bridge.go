package devnet

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/MarcoBrian/OpenAudit/pkg/chain"
	"github.com/MarcoBrian/OpenAudit/pkg/money"
	"github.com/MarcoBrian/OpenAudit/pkg/settlement"
)

type burn struct {
	bridgeID string
	txHash   string
	message  string
	amount   money.Amount
}

// Bridge simulates a burn-and-mint bridge. The source side runs on the
// devnet ledger: the relay approves the token messenger, which pulls and
// burns the amount. Approvals accumulate so concurrent bridges do not
// overwrite each other's allowance. The destination side credits an in-memory balance per
// domain once a valid attestation is presented.
//
// Every step is idempotent per bridge id, so a step retried after a crash
// never burns or mints twice.
type Bridge struct {
	net *Network

	mu       sync.Mutex
	approved map[string]string
	burns    map[string]burn // by bridge id
	byTx     map[string]string
	minted   map[string]string
	remote   map[string]map[string]money.Amount
	failures map[settlement.StepName][]error
}

// NewBridge returns a simulated bridge on n.
func NewBridge(n *Network) *Bridge {
	return &Bridge{
		net:      n,
		approved: make(map[string]string),
		burns:    make(map[string]burn),
		byTx:     make(map[string]string),
		minted:   make(map[string]string),
		remote:   make(map[string]map[string]money.Amount),
		failures: make(map[settlement.StepName][]error),
	}
}

// FailNext makes the next call of step return err.
func (b *Bridge) FailNext(step settlement.StepName, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[step] = append(b.failures[step], err)
}

func (b *Bridge) injected(step settlement.StepName) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.failures[step]
	if len(q) == 0 {
		return nil
	}
	b.failures[step] = q[1:]
	return q[0]
}

func (b *Bridge) Approve(ctx context.Context, rec settlement.Record) (string, error) {
	if err := b.injected(settlement.StepApprove); err != nil {
		return "", err
	}
	b.mu.Lock()
	hash, done := b.approved[rec.BridgeID]
	b.mu.Unlock()
	if done {
		return hash, nil
	}
	hash, err := chain.Call(ctx, b.net.Runtime, Relay, func(tx *chain.Tx) (string, error) {
		current := b.net.Token.Allowance(tx, Relay, Messenger)
		if err := b.net.Token.Approve(tx, Messenger, current+rec.Amount); err != nil {
			return "", err
		}
		return txHash(tx, "approve", []byte(rec.BridgeID), amountBytes(rec.Amount)), nil
	})
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	b.approved[rec.BridgeID] = hash
	b.mu.Unlock()
	return hash, nil
}

func (b *Bridge) Burn(ctx context.Context, rec settlement.Record) (string, error) {
	if err := b.injected(settlement.StepBurn); err != nil {
		return "", err
	}
	b.mu.Lock()
	prev, done := b.burns[rec.BridgeID]
	b.mu.Unlock()
	if done {
		return prev.txHash, nil
	}
	hash, err := chain.Call(ctx, b.net.Runtime, Messenger, func(tx *chain.Tx) (string, error) {
		if err := b.net.Token.TransferFrom(tx, Relay, Messenger, rec.Amount); err != nil {
			return "", err
		}
		if err := b.net.Token.Burn(tx, rec.Amount); err != nil {
			return "", err
		}
		return txHash(tx, "burn", []byte(rec.BridgeID), []byte(rec.DestDomain), []byte(rec.Recipient), amountBytes(rec.Amount)), nil
	})
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	b.burns[rec.BridgeID] = burn{
		bridgeID: rec.BridgeID,
		txHash:   hash,
		message:  burnMessage(rec),
		amount:   rec.Amount,
	}
	b.byTx[hash] = rec.BridgeID
	b.mu.Unlock()
	return hash, nil
}

func (b *Bridge) Mint(_ context.Context, rec settlement.Record, att settlement.Attestation) (string, error) {
	if err := b.injected(settlement.StepMint); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if hash, done := b.minted[rec.BridgeID]; done {
		return hash, nil
	}
	brn, ok := b.burns[rec.BridgeID]
	if !ok {
		return "", fmt.Errorf("devnet: no burn for bridge %s", rec.BridgeID)
	}
	if att.Message != brn.message || att.Attestation != sign(brn.message) {
		return "", fmt.Errorf("devnet: invalid attestation for bridge %s", rec.BridgeID)
	}
	balances := b.remote[rec.DestDomain]
	if balances == nil {
		balances = make(map[string]money.Amount)
		b.remote[rec.DestDomain] = balances
	}
	balances[rec.Recipient] += brn.amount
	digest := chain.Keccak256([]byte("mint"), []byte(rec.DestDomain), []byte(brn.message))
	hash := "0x" + hex.EncodeToString(digest[:])
	b.minted[rec.BridgeID] = hash
	return hash, nil
}

// RemoteBalance returns what recipient received on domain.
func (b *Bridge) RemoteBalance(domain, recipient string) money.Amount {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remote[domain][recipient]
}

// Mints lists the bridge ids minted so far.
func (b *Bridge) Mints() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.minted))
	for id := range b.minted {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (b *Bridge) lookupBurn(txHash string) (burn, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.byTx[txHash]
	if !ok {
		return burn{}, false
	}
	return b.burns[id], true
}

func burnMessage(rec settlement.Record) string {
	digest := chain.Keccak256([]byte(rec.BridgeID), []byte(rec.SourceDomain), []byte(rec.DestDomain),
		[]byte(rec.Recipient), amountBytes(rec.Amount))
	return "0x" + hex.EncodeToString(digest[:])
}

func sign(message string) string {
	digest := chain.Keccak256([]byte("devnet/attestation"), []byte(message))
	return "0x" + hex.EncodeToString(digest[:])
}

// Attestor attests burns of a simulated Bridge after a configurable number
// of polls.
type Attestor struct {
	bridge *Bridge
	domain uint32

	mu         sync.Mutex
	readyAfter int
	polls      map[string]int
}

// NewAttestor returns an attestor for burns on the source domain.
func NewAttestor(b *Bridge, sourceDomain uint32) *Attestor {
	return &Attestor{bridge: b, domain: sourceDomain, polls: make(map[string]int)}
}

// ReadyAfter makes each burn attestable only on the nth poll.
func (a *Attestor) ReadyAfter(n int) *Attestor {
	a.mu.Lock()
	a.readyAfter = n
	a.mu.Unlock()
	return a
}

func (a *Attestor) Fetch(_ context.Context, sourceDomain uint32, burnTxHash string) (settlement.Attestation, error) {
	if sourceDomain != a.domain {
		return settlement.Attestation{}, fmt.Errorf("devnet: unknown source domain %d", sourceDomain)
	}
	brn, ok := a.bridge.lookupBurn(burnTxHash)
	if !ok {
		return settlement.Attestation{}, settlement.ErrNotReady
	}
	a.mu.Lock()
	a.polls[burnTxHash]++
	polls, ready := a.polls[burnTxHash], a.readyAfter
	a.mu.Unlock()
	if polls < ready {
		return settlement.Attestation{}, settlement.ErrNotReady
	}
	return settlement.Attestation{Message: brn.message, Attestation: sign(brn.message)}, nil
}
