// Package eventlog provides the durable, totally ordered event log of the ledger.
//
// Every event is hash-chained to its predecessor. The hash covers the RFC 8785
// canonical form of the event so any backend reproduces it byte for byte.
package eventlog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// Kind names an event type.
type Kind string

const (
	AgentRegistered      Kind = "AgentRegistered"
	PayoutDestinationSet Kind = "PayoutDestinationSet"
	FeedbackRecorded     Kind = "FeedbackRecorded"
	AgentSlashed         Kind = "AgentSlashed"
	BountyCreated        Kind = "BountyCreated"
	BountyCancelled      Kind = "BountyCancelled"
	FindingSubmitted     Kind = "FindingSubmitted"
	FindingCommitted     Kind = "FindingCommitted"
	FindingRevealed      Kind = "FindingRevealed"
	BountyResolved       Kind = "BountyResolved"
	SettlementRequested  Kind = "SettlementRequested"
)

// GenesisHash is the PrevHash of the first event.
const GenesisHash = "genesis"

var (
	ErrNotFound    = errors.New("eventlog: event not found")
	ErrChainBroken = errors.New("eventlog: hash chain broken")
)

// Event is a committed ledger event.
type Event struct {
	Sequence  uint64          `json:"sequence"`
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Height    uint64          `json:"height"`
	Sender    string          `json:"sender,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("eventlog: decode %s #%d: %w", e.Kind, e.Sequence, err)
	}
	return nil
}

// Log is an append-only event log.
type Log interface {
	// Append commits events atomically in order, assigning sequence numbers and hashes.
	Append(ctx context.Context, events ...Event) ([]Event, error)
	// Get returns the event with the given sequence number.
	Get(ctx context.Context, seq uint64) (Event, error)
	// Range returns up to limit events with sequence >= from. limit <= 0 means no limit.
	Range(ctx context.Context, from uint64, limit int) ([]Event, error)
	// LastSequence returns the highest committed sequence number, 0 when empty.
	LastSequence(ctx context.Context) (uint64, error)
}

// Notifier is implemented by logs that can signal new appends without polling.
type Notifier interface {
	// Changed returns a channel closed at the next append.
	Changed() <-chan struct{}
}

// ComputeHash returns the content hash of e, excluding e.Hash itself.
func ComputeHash(e Event) (string, error) {
	hashable := struct {
		Sequence  uint64          `json:"sequence"`
		ID        string          `json:"id"`
		Kind      Kind            `json:"kind"`
		Height    uint64          `json:"height"`
		Sender    string          `json:"sender"`
		Payload   json.RawMessage `json:"payload"`
		Timestamp string          `json:"timestamp"`
		PrevHash  string          `json:"prev_hash"`
	}{
		Sequence:  e.Sequence,
		ID:        e.ID,
		Kind:      e.Kind,
		Height:    e.Height,
		Sender:    e.Sender,
		Payload:   e.Payload,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		PrevHash:  e.PrevHash,
	}
	if len(hashable.Payload) == 0 {
		hashable.Payload = json.RawMessage("null")
	}
	raw, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("eventlog: marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("eventlog: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// seal assigns the position-dependent fields of e and computes its hash.
func seal(e *Event, seq uint64, prev string) error {
	e.Sequence = seq
	e.PrevHash = prev
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	// Truncated to what every SQL backend round-trips exactly.
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage("null")
	}
	h, err := ComputeHash(*e)
	if err != nil {
		return err
	}
	e.Hash = h
	return nil
}

// Verify walks the whole log and checks every hash link.
func Verify(ctx context.Context, log Log) error {
	prev := GenesisHash
	var next uint64 = 1
	for {
		batch, err := log.Range(ctx, next, 500)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, e := range batch {
			if e.Sequence != next {
				return fmt.Errorf("%w: expected sequence %d, got %d", ErrChainBroken, next, e.Sequence)
			}
			if e.PrevHash != prev {
				return fmt.Errorf("%w: event %d links to %s, want %s", ErrChainBroken, e.Sequence, e.PrevHash, prev)
			}
			h, err := ComputeHash(e)
			if err != nil {
				return err
			}
			if h != e.Hash {
				return fmt.Errorf("%w: event %d content hash mismatch", ErrChainBroken, e.Sequence)
			}
			prev = e.Hash
			next++
		}
	}
}
