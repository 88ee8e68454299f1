package ledger

import (
	"context"
	"sync"

	"github.com/klikdeploy/backend/internal/models"
)

// MemoryStore keeps postings in process. Used for local runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	posted  map[string]bool
	entries []models.LedgerEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{posted: make(map[string]bool)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Apply(_ context.Context, key string, entries []models.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.posted[key] {
		return ErrAlreadyPosted
	}
	deltas := make(map[string]int64)
	for _, e := range entries {
		if e.Bucket == models.BucketProtectedDeposit {
			deltas[e.Owner] += e.AmountGwei
		}
	}
	for owner, delta := range deltas {
		if m.ownerLocked(owner)+delta < 0 {
			return errInsufficientFunds
		}
	}
	m.posted[key] = true
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *MemoryStore) ownerLocked(owner string) int64 {
	var total int64
	for _, e := range m.entries {
		if e.Bucket == models.BucketProtectedDeposit && e.Owner == owner {
			total += e.AmountGwei
		}
	}
	return total
}

func (m *MemoryStore) BucketBalance(_ context.Context, bucket string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, e := range m.entries {
		if e.Bucket == bucket {
			total += e.AmountGwei
		}
	}
	return total, nil
}

func (m *MemoryStore) OwnerBalance(_ context.Context, owner string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ownerLocked(owner), nil
}

func (m *MemoryStore) Balances(_ context.Context) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64)
	for _, e := range m.entries {
		out[e.Bucket] += e.AmountGwei
	}
	return out, nil
}

func (m *MemoryStore) Entries(_ context.Context, reference string) ([]models.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.LedgerEntry
	for _, e := range m.entries {
		if e.TxReference == reference {
			out = append(out, e)
		}
	}
	return out, nil
}
