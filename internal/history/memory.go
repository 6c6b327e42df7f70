package history

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultShards = 256

// MemoryOptions configure the in-process store.
type MemoryOptions struct {
	// MaxSubjects caps the number of tracked subjects; 0 means unbounded.
	MaxSubjects int
	// TTL drops subjects not observed for this long; 0 keeps them forever.
	TTL time.Duration
	// Shards is the size of the per-subject lock table.
	Shards int
}

// MemoryStore keeps snapshots in a size- and age-bounded LRU. Read-modify-write
// of one subject is serialized through a striped lock table so different
// subjects proceed in parallel.
type MemoryStore struct {
	cache *expirable.LRU[string, Snapshot]
	locks []sync.Mutex
}

// NewMemoryStore creates an in-process history store.
func NewMemoryStore(opts MemoryOptions) *MemoryStore {
	shards := opts.Shards
	if shards <= 0 {
		shards = defaultShards
	}
	return &MemoryStore{
		cache: expirable.NewLRU[string, Snapshot](opts.MaxSubjects, nil, opts.TTL),
		locks: make([]sync.Mutex, shards),
	}
}

func (s *MemoryStore) lockFor(subject string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subject))
	return &s.locks[h.Sum32()%uint32(len(s.locks))]
}

// Observe compares attrs with the stored snapshot and replaces it.
func (s *MemoryStore) Observe(_ context.Context, subject string, attrs Attributes, at time.Time) (ChangeIndicators, error) {
	mu := s.lockFor(subject)
	mu.Lock()
	defer mu.Unlock()

	var prev *Snapshot
	if snap, ok := s.cache.Get(subject); ok {
		prev = &snap
	}
	ind := Compare(prev, attrs, at)
	s.cache.Add(subject, Snapshot{Attributes: attrs, ObservedAt: at})
	return ind, nil
}

// Restore puts prev back if the subject still holds written.
func (s *MemoryStore) Restore(_ context.Context, subject string, written Snapshot, prev *Snapshot) error {
	mu := s.lockFor(subject)
	mu.Lock()
	defer mu.Unlock()

	cur, ok := s.cache.Peek(subject)
	if !ok || !cur.Equal(written) {
		return nil
	}
	if prev == nil {
		s.cache.Remove(subject)
	} else {
		s.cache.Add(subject, *prev)
	}
	return nil
}

// Peek returns the stored snapshot without updating it.
func (s *MemoryStore) Peek(_ context.Context, subject string) (Snapshot, bool, error) {
	snap, ok := s.cache.Peek(subject)
	return snap, ok, nil
}

// Len returns the number of tracked subjects.
func (s *MemoryStore) Len() int {
	return s.cache.Len()
}

func (s *MemoryStore) Backend() string { return "memory" }

func (s *MemoryStore) Close() error {
	s.cache.Purge()
	return nil
}
