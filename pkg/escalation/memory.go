// Package escalation - Memory store implementation
package escalation

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements the Store interface with in-process maps, one per
// tier partition. Per-IP atomicity for Apply comes from a lock table keyed
// by IP, so concurrent promotions for distinct IPs never contend.
type MemoryStore struct {
	mu         sync.RWMutex
	partitions map[Tier]map[string]Record

	lockMu  sync.Mutex
	ipLocks map[string]*ipLock
}

// ipLock is one lock-table entry. refs counts holders and waiters, so an
// entry is only removed once nobody can still reach it; removing an entry
// another goroutine is about to lock would let two callers run under
// different mutexes for the same IP.
type ipLock struct {
	mu   sync.Mutex
	refs int
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	partitions := make(map[Tier]map[string]Record, len(allTiers))
	for _, t := range allTiers {
		partitions[t] = make(map[string]Record)
	}
	return &MemoryStore{
		partitions: partitions,
		ipLocks:    make(map[string]*ipLock),
	}
}

// lockIP serializes calls for one IP. Returns the unlock func. The last
// holder removes the entry on release, so the table cleans itself up and
// never needs pruning from the outside.
func (s *MemoryStore) lockIP(ip string) func() {
	s.lockMu.Lock()
	l, ok := s.ipLocks[ip]
	if !ok {
		l = &ipLock{}
		s.ipLocks[ip] = l
	}
	l.refs++
	s.lockMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.lockMu.Lock()
		l.refs--
		if l.refs == 0 && s.ipLocks[ip] == l {
			delete(s.ipLocks, ip)
		}
		s.lockMu.Unlock()
	}
}

// lookup returns the highest-precedence active record, or nil. Caller must
// hold at least a read lock on s.mu.
func (s *MemoryStore) lookup(ip string, now time.Time) *Record {
	for _, t := range allTiers {
		if rec, ok := s.partitions[t][ip]; ok {
			if rec.Active(now) {
				cp := rec
				return &cp
			}
		}
	}
	return nil
}

func (s *MemoryStore) Lookup(ctx context.Context, ip string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookup(ip, time.Now()), nil
}

func (s *MemoryStore) Apply(ctx context.Context, ip string, fn func(cur *Record) (*Record, error)) (*Record, error) {
	unlock := s.lockIP(ip)
	defer unlock()

	s.mu.RLock()
	cur := s.lookup(ip, time.Now())
	s.mu.RUnlock()

	next, err := fn(cur)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return cur, nil
	}

	s.mu.Lock()
	for _, t := range allTiers {
		if t != next.Tier {
			delete(s.partitions[t], ip)
		}
	}
	s.partitions[next.Tier][ip] = *next
	s.mu.Unlock()

	return next, nil
}

func (s *MemoryStore) Delete(ctx context.Context, ip string) error {
	unlock := s.lockIP(ip)
	defer unlock()

	s.mu.Lock()
	for _, t := range allTiers {
		delete(s.partitions[t], ip)
	}
	s.mu.Unlock()

	return nil
}

func (s *MemoryStore) Sweep(ctx context.Context) error {
	now := time.Now()

	s.mu.Lock()
	for _, t := range temporaryTiers {
		for ip, rec := range s.partitions[t] {
			if !rec.Active(now) {
				delete(s.partitions[t], ip)
			}
		}
	}
	s.mu.Unlock()

	return nil
}

func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	now := time.Now()
	byTier := make(map[string]int, len(allTiers))

	s.mu.RLock()
	for _, t := range allTiers {
		count := 0
		for _, rec := range s.partitions[t] {
			if rec.Active(now) {
				count++
			}
		}
		byTier[t.String()] = count
	}
	s.mu.RUnlock()

	return Stats{
		BackendType: "memory",
		ByTier:      byTier,
	}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	for _, t := range allTiers {
		s.partitions[t] = make(map[string]Record)
	}
	s.mu.Unlock()

	s.lockMu.Lock()
	s.ipLocks = make(map[string]*ipLock)
	s.lockMu.Unlock()

	return nil
}
