package settlement

import (
	"context"
	"sort"
	"sync"

	"github.com/MarcoBrian/OpenAudit/pkg/errcode"
)

// Store persists settlement records keyed by bridge id.
type Store interface {
	// Create inserts rec unless a record with the same bridge id exists, in
	// which case the existing record is returned with created false.
	Create(ctx context.Context, rec Record) (stored Record, created bool, err error)
	// Update replaces a record. Implementations reject updates that fail
	// CheckAdvance.
	Update(ctx context.Context, rec Record) error
	Get(ctx context.Context, bridgeID string) (Record, error)
	GetByBounty(ctx context.Context, bountyID uint64) (Record, error)
	List(ctx context.Context) ([]Record, error)
}

// MemoryStore is a lock-protected in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]Record
	byBounty map[uint64]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]Record),
		byBounty: make(map[uint64]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, rec Record) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[rec.BridgeID]; ok {
		return existing.Clone(), false, nil
	}
	rec = rec.Clone()
	s.records[rec.BridgeID] = rec
	if rec.BountyID != 0 {
		s.byBounty[rec.BountyID] = rec.BridgeID
	}
	return rec.Clone(), true, nil
}

func (s *MemoryStore) Update(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.records[rec.BridgeID]
	if !ok {
		return errcode.SettlementNotFound.Withf("bridge %s", rec.BridgeID)
	}
	if err := CheckAdvance(prev, rec); err != nil {
		return err
	}
	s.records[rec.BridgeID] = rec.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, bridgeID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[bridgeID]
	if !ok {
		return Record{}, errcode.SettlementNotFound.Withf("bridge %s", bridgeID)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) GetByBounty(ctx context.Context, bountyID uint64) (Record, error) {
	s.mu.RLock()
	id, ok := s.byBounty[bountyID]
	s.mu.RUnlock()
	if !ok {
		return Record{}, errcode.SettlementNotFound.Withf("bounty %d", bountyID)
	}
	return s.Get(ctx, id)
}

func (s *MemoryStore) List(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].BridgeID < out[j].BridgeID
	})
	return out, nil
}
