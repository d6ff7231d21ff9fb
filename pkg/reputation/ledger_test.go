package reputation

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarcoBrian/OpenAudit/pkg/chain"
	"github.com/MarcoBrian/OpenAudit/pkg/errcode"
	"github.com/MarcoBrian/OpenAudit/pkg/eventlog"
	"github.com/MarcoBrian/OpenAudit/pkg/identity"
)

var (
	operator = chain.AccountAddress("operator")
	reviewer = chain.AccountAddress("reviewer")
)

type fixture struct {
	rt     *chain.Runtime
	reg    *identity.Registry
	ledger *Ledger
}

func newFixture(t *testing.T, agents ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	rt := chain.NewRuntime(eventlog.NewMemoryLog())
	reg := identity.NewRegistry(chain.AccountAddress("registry"), operator)
	ledger := NewLedger(operator, reg)
	require.NoError(t, rt.Execute(ctx, operator, func(tx *chain.Tx) error {
		return ledger.Authorize(tx, reviewer)
	}))
	for _, name := range agents {
		require.NoError(t, rt.Execute(ctx, chain.AccountAddress(name), func(tx *chain.Tx) error {
			_, _, err := reg.Register(tx, name, "", "")
			return err
		}))
	}
	return &fixture{rt: rt, reg: reg, ledger: ledger}
}

func (f *fixture) feedback(agentID uint64, score uint8) error {
	return f.rt.Execute(context.Background(), reviewer, func(tx *chain.Tx) error {
		return f.ledger.RecordFeedback(tx, agentID, score, "ipfs://evidence")
	})
}

func (f *fixture) score(t *testing.T, agentID uint64) Score {
	t.Helper()
	s, err := chain.Query(context.Background(), f.rt, func(tx *chain.Tx) (Score, error) {
		return f.ledger.GetScore(tx, agentID), nil
	})
	require.NoError(t, err)
	return s
}

func TestRecordFeedback_Average(t *testing.T) {
	f := newFixture(t, "alice")
	require.NoError(t, f.feedback(1, 80))
	assert.Equal(t, Score{AgentID: 1, Total: 80, Count: 1, Average: 80}, f.score(t, 1))

	require.NoError(t, f.feedback(1, 75))
	s := f.score(t, 1)
	assert.Equal(t, uint64(155), s.Total)
	assert.Equal(t, uint64(77), s.Average, "integer division")
}

func TestRecordFeedback_Rejections(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	err := f.rt.Execute(ctx, chain.AccountAddress("stranger"), func(tx *chain.Tx) error {
		return f.ledger.RecordFeedback(tx, 1, 50, "")
	})
	assert.ErrorIs(t, err, errcode.NotAuthorized)

	assert.ErrorIs(t, f.feedback(1, 101), errcode.InvalidScore)
	assert.ErrorIs(t, f.feedback(7, 50), errcode.AgentNotFound)

	err = f.rt.Execute(ctx, reviewer, func(tx *chain.Tx) error {
		return f.ledger.Authorize(tx, reviewer)
	})
	assert.ErrorIs(t, err, errcode.NotAuthorized)
}

func TestSlash(t *testing.T) {
	f := newFixture(t, "alice")
	require.NoError(t, f.feedback(1, 90))
	require.NoError(t, f.feedback(1, 0))

	s := f.score(t, 1)
	assert.True(t, s.Slashed)
	assert.Zero(t, s.Total)
	assert.Equal(t, uint64(1), s.Count)
	assert.Zero(t, s.Average)

	assert.ErrorIs(t, f.feedback(1, 50), errcode.AgentSlashed)
	assert.NoError(t, f.feedback(1, 0), "repeated slash is accepted")

	history, err := chain.Query(context.Background(), f.rt, func(tx *chain.Tx) ([]Feedback, error) {
		return f.ledger.History(tx, 1), nil
	})
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestRevoke(t *testing.T) {
	f := newFixture(t, "alice")
	require.NoError(t, f.rt.Execute(context.Background(), operator, func(tx *chain.Tx) error {
		return f.ledger.Revoke(tx, reviewer)
	}))
	assert.ErrorIs(t, f.feedback(1, 10), errcode.NotAuthorized)
}

func TestLeaderboard(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol", "dave")
	require.NoError(t, f.feedback(1, 70))
	require.NoError(t, f.feedback(2, 90))
	require.NoError(t, f.feedback(3, 70))
	require.NoError(t, f.feedback(3, 70))
	require.NoError(t, f.feedback(4, 99))
	require.NoError(t, f.feedback(4, 0))

	board, err := chain.Query(context.Background(), f.rt, func(tx *chain.Tx) ([]Entry, error) {
		return f.ledger.Leaderboard(tx, 0), nil
	})
	require.NoError(t, err)
	require.Len(t, board, 3)
	assert.Equal(t, "bob", board[0].Name)
	assert.Equal(t, TierGold, board[0].Tier)
	assert.Equal(t, uint64(3), board[1].AgentID, "higher count wins ties")
	assert.Equal(t, uint64(1), board[2].AgentID)
	assert.Equal(t, 3, board[2].Rank)

	top, _ := chain.Query(context.Background(), f.rt, func(tx *chain.Tx) ([]Entry, error) {
		return f.ledger.Leaderboard(tx, 1), nil
	})
	assert.Len(t, top, 1)
}

// Property: once slashed, no sequence of later scores makes the agent
// unslashed or gives it a non-zero total.
func TestSlashMonotonicity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("slash is permanent", prop.ForAll(
		func(before, after []uint8) bool {
			f := newFixture(t, "agent")
			for _, s := range before {
				_ = f.feedback(1, s%101)
			}
			if err := f.feedback(1, 0); err != nil {
				return false
			}
			for _, s := range after {
				err := f.feedback(1, s%101)
				if s%101 != 0 && err == nil {
					return false
				}
			}
			s := f.score(t, 1)
			return s.Slashed && s.Total == 0 && s.Average == 0
		},
		gen.SliceOf(gen.UInt8()),
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}
