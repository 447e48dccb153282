package predict

import (
	"context"
	"sync"

	"github.com/mbd888/cryptoguard/internal/scoring"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]*ScoreRecord // address → records
}

// NewMemoryStore creates an in-memory score record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string][]*ScoreRecord),
	}
}

func (s *MemoryStore) Record(ctx context.Context, rec *ScoreRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := *rec
	r.TopFactors = append([]scoring.Factor(nil), rec.TopFactors...)
	s.records[rec.Address] = append(s.records[rec.Address], &r)
	return nil
}

func (s *MemoryStore) ListByAddress(ctx context.Context, address string, limit int) ([]*ScoreRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.records[address]
	if len(all) == 0 {
		return nil, nil
	}

	// Return most recent first, up to limit
	start := len(all) - limit
	if start < 0 {
		start = 0
	}

	result := make([]*ScoreRecord, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		r := *all[i]
		r.TopFactors = append([]scoring.Factor(nil), r.TopFactors...)
		result = append(result, &r)
	}
	return result, nil
}
