// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package blacklist maintains the bounded set of currently blocked
// addresses. Every automatic entry carries a TTL; the set never exceeds its
// configured capacity. The blacklist is the single source of truth for what
// the firewall should be blocking.
package blacklist

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/errors"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/state"
)

const snapshotName = "blacklist"

// Entry is one blocked address.
type Entry struct {
	Address   string    `json:"address"`
	AddedAt   time.Time `json:"added_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"` // zero for manual entries
	Score     float64   `json:"score,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Hits      int       `json:"hits"`
	Manual    bool      `json:"manual,omitempty"`

	heapIndex int
}

// Expired reports whether the entry's TTL has elapsed. Manual entries never
// expire.
func (e *Entry) Expired(now time.Time) bool {
	return !e.Manual && now.After(e.ExpiresAt)
}

// Blacklist is the bounded TTL set. All methods are safe for concurrent use.
type Blacklist struct {
	cfg    *config.BlacklistConfig
	store  state.Store
	logger *logging.Logger

	mu        sync.Mutex
	entries   map[string]*Entry
	expiry    expiryHeap // automatic entries only, ordered by ExpiresAt
	evictions uint64
	evicted   []*Entry // capacity evictions awaiting firewall release
}

// New restores the blacklist from its snapshot, dropping entries that
// expired while the process was down.
func New(cfg *config.BlacklistConfig, store state.Store) (*Blacklist, error) {
	b := &Blacklist{
		cfg:     cfg,
		store:   store,
		logger:  logging.WithComponent("blacklist"),
		entries: make(map[string]*Entry),
	}

	var saved []*Entry
	if err := store.Load(snapshotName, &saved); err != nil {
		if !errors.IsKind(err, errors.KindNotFound) {
			return nil, err
		}
	}

	now := clock.Now()
	dropped := 0
	for _, e := range saved {
		if e.Expired(now) {
			dropped++
			continue
		}
		b.insert(e)
	}
	if len(saved) > 0 {
		b.logger.Info("Blacklist restored", "entries", len(b.entries), "expired_while_down", dropped)
	}
	return b, nil
}

// insert assumes b.mu is held or the blacklist is not yet shared.
func (b *Blacklist) insert(e *Entry) {
	b.entries[e.Address] = e
	if e.Manual {
		e.heapIndex = -1
		return
	}
	heap.Push(&b.expiry, e)
}

// Len returns the number of active entries.
func (b *Blacklist) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Contains reports whether the address is currently blacklisted.
func (b *Blacklist) Contains(address string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[address]
	return ok && !e.Expired(clock.Now())
}

// Admit adds the address or, if already present, refreshes its TTL and
// bumps its hit count. At capacity the automatic entry closest to expiry is
// evicted to make room; a set full of manual entries cannot be evicted and
// admission fails with KindCapacityExhausted.
func (b *Blacklist) Admit(address string, score float64, reason string) (*Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := clock.Now()

	if e, ok := b.entries[address]; ok {
		e.Hits++
		e.Score = score
		e.Reason = reason
		if !e.Manual {
			e.ExpiresAt = now.Add(b.cfg.ParsedTTL)
			heap.Fix(&b.expiry, e.heapIndex)
		}
		return e, nil
	}

	if len(b.entries) >= b.cfg.MaxEntries {
		if b.expiry.Len() == 0 {
			return nil, errors.Errorf(errors.KindCapacityExhausted,
				"blacklist at capacity (%d) with only manual entries", b.cfg.MaxEntries)
		}
		victim := heap.Pop(&b.expiry).(*Entry)
		delete(b.entries, victim.Address)
		b.evictions++
		b.evicted = append(b.evicted, victim)
		b.logger.Warn("Blacklist at capacity, evicted earliest-expiring entry",
			"evicted", victim.Address, "admitted", address)
	}

	e := &Entry{
		Address:   address,
		AddedAt:   now,
		ExpiresAt: now.Add(b.cfg.ParsedTTL),
		Score:     score,
		Reason:    reason,
		Hits:      1,
	}
	b.insert(e)
	b.logger.Info("Address blacklisted", "address", address, "score", score, "expires_at", e.ExpiresAt)
	return e, nil
}

// AddManual adds a permanent operator-managed entry. It survives sweeps and
// is never chosen for capacity eviction.
func (b *Blacklist) AddManual(address, reason string) (*Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[address]; ok {
		if !e.Manual {
			// Promote: pull it out of the expiry order.
			heap.Remove(&b.expiry, e.heapIndex)
			e.Manual = true
			e.ExpiresAt = time.Time{}
			e.heapIndex = -1
		}
		e.Reason = reason
		return e, nil
	}

	if len(b.entries) >= b.cfg.MaxEntries {
		if b.expiry.Len() == 0 {
			return nil, errors.Errorf(errors.KindCapacityExhausted,
				"blacklist at capacity (%d) with only manual entries", b.cfg.MaxEntries)
		}
		victim := heap.Pop(&b.expiry).(*Entry)
		delete(b.entries, victim.Address)
		b.evictions++
		b.evicted = append(b.evicted, victim)
		b.logger.Warn("Blacklist at capacity, evicted earliest-expiring entry",
			"evicted", victim.Address, "admitted", address)
	}

	e := &Entry{
		Address:   address,
		AddedAt:   clock.Now(),
		Reason:    reason,
		Manual:    true,
		Hits:      1,
		heapIndex: -1,
	}
	b.entries[address] = e
	b.logger.Info("Manual blacklist entry added", "address", address)
	return e, nil
}

// Remove deletes the entry. Returns false if the address was not present.
func (b *Blacklist) Remove(address string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[address]
	if !ok {
		return false
	}
	delete(b.entries, address)
	if !e.Manual {
		heap.Remove(&b.expiry, e.heapIndex)
	}
	b.logger.Info("Blacklist entry removed", "address", address)
	return true
}

// Sweep removes every expired entry and returns them, so the caller can
// release the corresponding firewall rules.
func (b *Blacklist) Sweep() []*Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := clock.Now()
	var expired []*Entry
	for b.expiry.Len() > 0 {
		next := b.expiry[0]
		if !next.Expired(now) {
			break
		}
		heap.Pop(&b.expiry)
		delete(b.entries, next.Address)
		expired = append(expired, next)
	}

	if len(expired) > 0 {
		b.logger.Info("Blacklist sweep expired entries", "count", len(expired))
	}
	return expired
}

// TakeEvicted drains the entries removed by capacity eviction since the
// last call, so the caller can release their firewall rules. An evicted
// address re-admitted before the drain is skipped; its rule must stay.
func (b *Blacklist) TakeEvicted() []*Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.evicted) == 0 {
		return nil
	}
	out := make([]*Entry, 0, len(b.evicted))
	for _, e := range b.evicted {
		if _, readmitted := b.entries[e.Address]; readmitted {
			continue
		}
		out = append(out, e)
	}
	b.evicted = nil
	return out
}

// Evictions returns the number of capacity evictions since start.
func (b *Blacklist) Evictions() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evictions
}

// Capacity returns the configured entry limit.
func (b *Blacklist) Capacity() int { return b.cfg.MaxEntries }

// Entries returns a point-in-time copy sorted by address.
func (b *Blacklist) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Entry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Save persists the current entry set through the state store.
func (b *Blacklist) Save() error {
	entries := b.Entries()
	snapshot := make([]*Entry, len(entries))
	for i := range entries {
		snapshot[i] = &entries[i]
	}
	return b.store.Save(snapshotName, snapshot)
}

// expiryHeap orders automatic entries by expiry time, earliest first.
type expiryHeap []*Entry

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].ExpiresAt.Before(h[j].ExpiresAt) }
func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *expiryHeap) Push(x any) {
	e := x.(*Entry)
	e.heapIndex = len(*h)
	*h = append(*h, e)
}

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIndex = -1
	*h = old[:n-1]
	return e
}
