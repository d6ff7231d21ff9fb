package reputation

import (
	"sort"

	"github.com/MarcoBrian/OpenAudit/pkg/chain"
)

// Tier is a reputation badge derived from the average score.
type Tier string

const (
	TierPlatinum Tier = "PLATINUM" // > 95
	TierGold     Tier = "GOLD"     // > 85
	TierSilver   Tier = "SILVER"   // > 70
	TierBronze   Tier = "BRONZE"   // > 50
	TierNone     Tier = ""
)

// TierOf calculates the tier from an average score.
func TierOf(average uint64) Tier {
	switch {
	case average > 95:
		return TierPlatinum
	case average > 85:
		return TierGold
	case average > 70:
		return TierSilver
	case average > 50:
		return TierBronze
	default:
		return TierNone
	}
}

// Entry is a ranked agent.
type Entry struct {
	Rank    int    `json:"rank"`
	AgentID uint64 `json:"agent_id"`
	Name    string `json:"name"`
	Score   Score  `json:"score"`
	Tier    Tier   `json:"tier"`
}

// Leaderboard ranks agents with feedback by (average DESC, count DESC, id ASC).
// Slashed agents are excluded. limit <= 0 returns every agent.
func (l *Ledger) Leaderboard(tx *chain.Tx, limit int) []Entry {
	entries := make([]Entry, 0, len(l.records))
	for id, rec := range l.records {
		if rec.Slashed || rec.FeedbackCount == 0 {
			continue
		}
		s := l.GetScore(tx, id)
		name := ""
		if agent, err := l.agents.Get(tx, id); err == nil {
			name = agent.Name
		}
		entries = append(entries, Entry{AgentID: id, Name: name, Score: s, Tier: TierOf(s.Average)})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].Score, entries[j].Score
		if a.Average != b.Average {
			return a.Average > b.Average
		}
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return entries[i].AgentID < entries[j].AgentID
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}
