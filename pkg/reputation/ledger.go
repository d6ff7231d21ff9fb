// Package reputation implements the Reputation Ledger: per-agent feedback from
// authorized reviewers, with slashing on a zero score.
package reputation

import (
	"log/slog"
	"time"

	"github.com/MarcoBrian/OpenAudit/pkg/chain"
	"github.com/MarcoBrian/OpenAudit/pkg/errcode"
	"github.com/MarcoBrian/OpenAudit/pkg/eventlog"
	"github.com/MarcoBrian/OpenAudit/pkg/identity"
)

// MaxScore is the highest feedback score.
const MaxScore = 100

// AgentLookup resolves agent ids. Satisfied by *identity.Registry.
type AgentLookup interface {
	Get(tx *chain.Tx, agentID uint64) (identity.Agent, error)
}

// Feedback is one history entry.
type Feedback struct {
	Reviewer    chain.Address `json:"reviewer"`
	Score       uint8         `json:"score"`
	EvidenceRef string        `json:"evidence_ref"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Record is an agent's reputation.
type Record struct {
	TotalScore    uint64     `json:"total_score"`
	FeedbackCount uint64     `json:"feedback_count"`
	Slashed       bool       `json:"slashed"`
	History       []Feedback `json:"history"`
}

// Score is the summary returned by GetScore.
type Score struct {
	AgentID uint64 `json:"agent_id"`
	Total   uint64 `json:"total"`
	Count   uint64 `json:"count"`
	Average uint64 `json:"average"`
	Slashed bool   `json:"slashed"`
}

// FeedbackEvent is the payload of eventlog.FeedbackRecorded and eventlog.AgentSlashed.
type FeedbackEvent struct {
	AgentID     uint64        `json:"agent_id"`
	Reviewer    chain.Address `json:"reviewer"`
	Score       uint8         `json:"score"`
	EvidenceRef string        `json:"evidence_ref"`
}

// Ledger is the Reputation Ledger.
type Ledger struct {
	operator  chain.Address
	agents    AgentLookup
	reviewers map[chain.Address]bool
	records   map[uint64]*Record
	logger    *slog.Logger
}

// NewLedger creates a ledger administered by operator.
func NewLedger(operator chain.Address, agents AgentLookup) *Ledger {
	return &Ledger{
		operator:  operator,
		agents:    agents,
		reviewers: make(map[chain.Address]bool),
		records:   make(map[uint64]*Record),
		logger:    slog.Default().With("component", "reputation"),
	}
}

// Authorize allows reviewer to record feedback. Operator only.
func (l *Ledger) Authorize(tx *chain.Tx, reviewer chain.Address) error {
	return l.setReviewer(tx, reviewer, true)
}

// Revoke removes a reviewer. Operator only.
func (l *Ledger) Revoke(tx *chain.Tx, reviewer chain.Address) error {
	return l.setReviewer(tx, reviewer, false)
}

func (l *Ledger) setReviewer(tx *chain.Tx, reviewer chain.Address, allowed bool) error {
	if err := tx.Writable(); err != nil {
		return err
	}
	if tx.Sender() != l.operator {
		return errcode.NotAuthorized.Withf("only the operator manages reviewers")
	}
	prev, had := l.reviewers[reviewer]
	tx.OnRevert(func() {
		if had {
			l.reviewers[reviewer] = prev
		} else {
			delete(l.reviewers, reviewer)
		}
	})
	if allowed {
		l.reviewers[reviewer] = true
	} else {
		delete(l.reviewers, reviewer)
	}
	return nil
}

// IsReviewer reports whether addr may record feedback.
func (l *Ledger) IsReviewer(_ *chain.Tx, addr chain.Address) bool {
	return l.reviewers[addr]
}

// RecordFeedback appends a feedback entry for agentID.
//
// A zero score slashes the agent: its total drops to zero and every later
// non-zero score is rejected with AgentSlashed. The feedback count is not
// incremented by a slash.
func (l *Ledger) RecordFeedback(tx *chain.Tx, agentID uint64, score uint8, evidenceRef string) error {
	if err := tx.Writable(); err != nil {
		return err
	}
	reviewer := tx.Sender()
	if !l.reviewers[reviewer] {
		return errcode.NotAuthorized.Withf("%s is not an authorized reviewer", reviewer)
	}
	if score > MaxScore {
		return errcode.InvalidScore.Withf("score %d exceeds %d", score, MaxScore)
	}
	if _, err := l.agents.Get(tx, agentID); err != nil {
		return err
	}

	rec := l.record(tx, agentID)
	if rec.Slashed && score != 0 {
		return errcode.AgentSlashed.Withf("agent %d", agentID)
	}

	prevTotal, prevCount, prevSlashed, prevLen := rec.TotalScore, rec.FeedbackCount, rec.Slashed, len(rec.History)
	tx.OnRevert(func() {
		rec.TotalScore = prevTotal
		rec.FeedbackCount = prevCount
		rec.Slashed = prevSlashed
		rec.History = rec.History[:prevLen]
	})

	rec.History = append(rec.History, Feedback{
		Reviewer:    reviewer,
		Score:       score,
		EvidenceRef: evidenceRef,
		Timestamp:   tx.Now(),
	})
	payload := FeedbackEvent{AgentID: agentID, Reviewer: reviewer, Score: score, EvidenceRef: evidenceRef}

	if score == 0 {
		rec.Slashed = true
		rec.TotalScore = 0
		tx.Emit(eventlog.AgentSlashed, payload)
		if !prevSlashed {
			logger := l.logger
			tx.AfterCommit(func() {
				logger.Info("agent slashed", "agent_id", agentID, "reviewer", reviewer.Hex(), "evidence_ref", evidenceRef)
			})
		}
		return nil
	}

	rec.TotalScore += uint64(score)
	rec.FeedbackCount++
	tx.Emit(eventlog.FeedbackRecorded, payload)
	return nil
}

// record returns the agent's record, creating it journalled if absent.
func (l *Ledger) record(tx *chain.Tx, agentID uint64) *Record {
	rec, ok := l.records[agentID]
	if ok {
		return rec
	}
	rec = &Record{}
	l.records[agentID] = rec
	tx.OnRevert(func() { delete(l.records, agentID) })
	return rec
}

// GetScore returns (total, count, average). Average is total/count with integer
// division and is 0 when the count is 0 or the agent is slashed.
func (l *Ledger) GetScore(_ *chain.Tx, agentID uint64) Score {
	s := Score{AgentID: agentID}
	rec, ok := l.records[agentID]
	if !ok {
		return s
	}
	s.Total = rec.TotalScore
	s.Count = rec.FeedbackCount
	s.Slashed = rec.Slashed
	if rec.FeedbackCount > 0 && !rec.Slashed {
		s.Average = rec.TotalScore / rec.FeedbackCount
	}
	return s
}

// History returns a copy of the agent's feedback history.
func (l *Ledger) History(_ *chain.Tx, agentID uint64) []Feedback {
	rec, ok := l.records[agentID]
	if !ok {
		return []Feedback{}
	}
	out := make([]Feedback, len(rec.History))
	copy(out, rec.History)
	return out
}

// IsSlashed reports whether the agent has been slashed.
func (l *Ledger) IsSlashed(_ *chain.Tx, agentID uint64) bool {
	rec, ok := l.records[agentID]
	return ok && rec.Slashed
}
