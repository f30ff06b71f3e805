package vote

import (
	"context"
	"sync"
	"time"

	"github.com/victornm/risingstars/internal/domain"
)

// DefaultClaimTTL bounds how long an unconfirmed claim blocks a key. It must
// outlive the backend call made while the claim is held.
const DefaultClaimTTL = 2 * time.Minute

// Store is the durable side of the ledger. Claim is a compare-and-set: of any
// number of concurrent claims on a key, at most one reports true.
type Store interface {
	// Claim reserves key for an in-flight vote. It reports false when the key is
	// confirmed or another unexpired claim holds it.
	Claim(ctx context.Context, key domain.VoteKey) (bool, error)
	// Confirm records the vote permanently.
	Confirm(ctx context.Context, rec domain.VoteRecord) error
	// Release drops a pending claim. Confirmed records are never released.
	Release(ctx context.Context, key domain.VoteKey) error
	// List returns the confirmed votes of identity.
	List(ctx context.Context, identity string) ([]domain.VoteRecord, error)
}

type memoryEntry struct {
	confirmed bool
	at        time.Time
}

type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[domain.VoteKey]memoryEntry
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}

	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[domain.VoteKey]memoryEntry),
	}
}

func (s *MemoryStore) Claim(_ context.Context, key domain.VoteKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok && (e.confirmed || now.Sub(e.at) < s.ttl) {
		return false, nil
	}

	s.entries[key] = memoryEntry{at: now}
	return true, nil
}

func (s *MemoryStore) Confirm(_ context.Context, rec domain.VoteRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[rec.Key] = memoryEntry{confirmed: true, at: rec.CastAt}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key domain.VoteKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && !e.confirmed {
		delete(s.entries, key)
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context, identity string) ([]domain.VoteRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.VoteRecord
	for k, e := range s.entries {
		if k.Identity == identity && e.confirmed {
			out = append(out, domain.VoteRecord{Key: k, CastAt: e.at})
		}
	}
	return out, nil
}
