package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarcoBrian/OpenAudit/pkg/errcode"
	"github.com/MarcoBrian/OpenAudit/pkg/money"
)

func baseRecord() Record {
	return Record{
		BridgeID:   "b1",
		BountyID:   7,
		DestDomain: "arbitrum-sepolia",
		Amount:     money.Units(10),
		Recipient:  "0xabc",
		Status:     StatusPending,
		Steps:      []Step{},
		CreatedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestCheckAdvance(t *testing.T) {
	prev := baseRecord()
	prev.Steps = []Step{{Name: StepApprove, State: StepSuccess, TxHash: "0x1"}, {Name: StepBurn, State: StepPending}}

	next := prev.Clone()
	next.Steps[1].State = StepFailed
	next.Status = StatusError
	assert.NoError(t, CheckAdvance(prev, next))

	next = prev.Clone()
	next.Steps = append(next.Steps, Step{Name: StepAttestation, State: StepPending})
	assert.NoError(t, CheckAdvance(prev, next))

	next = prev.Clone()
	next.Steps[0].State = StepPending
	assert.Error(t, CheckAdvance(prev, next), "success never regresses")

	next = prev.Clone()
	next.Steps[0].TxHash = "0x2"
	assert.Error(t, CheckAdvance(prev, next), "completed step is immutable")

	next = prev.Clone()
	next.Steps = next.Steps[:1]
	assert.Error(t, CheckAdvance(prev, next), "append only")

	next = prev.Clone()
	next.Amount = money.Units(11)
	assert.Error(t, CheckAdvance(prev, next))

	done := prev.Clone()
	done.Status = StatusBridged
	next = done.Clone()
	next.Status = StatusError
	assert.Error(t, CheckAdvance(done, next), "terminal records are frozen")

	next = prev.Clone()
	next.DestDomain = "base-sepolia"
	assert.Error(t, CheckAdvance(prev, next), "destination fixed once steps ran")
}

func TestCheckAdvance_Reroute(t *testing.T) {
	prev := baseRecord()
	prev.DestDomain = "chainZ"
	prev.Status, prev.Error = StatusError, "unsupported"
	require.True(t, prev.Reroutable())

	next := prev.Clone()
	next.DestDomain = "arbitrum-sepolia"
	next.Status, next.Error = StatusPending, ""
	assert.NoError(t, CheckAdvance(prev, next))

	aborted := prev.Clone()
	aborted.Aborted = true
	assert.False(t, aborted.Reroutable())
	assert.Error(t, CheckAdvance(aborted, next))
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rec := baseRecord()
	stored, created, err := s.Create(ctx, rec)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, rec, stored)

	again := rec
	again.Amount = money.Units(99)
	stored, created, err = s.Create(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, money.Units(10), stored.Amount)

	byBounty, err := s.GetByBounty(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "b1", byBounty.BridgeID)

	rec.Steps = append(rec.Steps, Step{Name: StepApprove, State: StepSuccess})
	require.NoError(t, s.Update(ctx, rec))
	rec.Steps[0].State = StepFailed
	assert.Error(t, s.Update(ctx, rec))

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, errcode.SettlementNotFound)
	_, err = s.GetByBounty(ctx, 8)
	assert.ErrorIs(t, err, errcode.SettlementNotFound)
	assert.ErrorIs(t, s.Update(ctx, Record{BridgeID: "missing"}), errcode.SettlementNotFound)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
