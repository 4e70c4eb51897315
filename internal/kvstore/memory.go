package kvstore

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	members   map[string]struct{}
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore is an in-process Store for tests and single-node deployments.
// Expired entries are dropped lazily on access.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	// now is swappable so tests can drive window expiry deterministically.
	now func() time.Time
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

// SetClock replaces the store's time source. Test helper.
func (ms *MemoryStore) SetClock(now func() time.Time) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.now = now
}

func (ms *MemoryStore) live(key string) *memoryEntry {
	e, ok := ms.entries[key]
	if !ok {
		return nil
	}
	if e.expired(ms.now()) {
		delete(ms.entries, key)
		return nil
	}
	return e
}

func (ms *MemoryStore) Increment(_ context.Context, key string, window time.Duration) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	e := ms.live(key)
	if e == nil {
		e = &memoryEntry{value: "0", expiresAt: ms.now().Add(window)}
		ms.entries[key] = e
	}
	n, _ := strconv.ParseInt(e.value, 10, 64)
	n++
	e.value = strconv.FormatInt(n, 10)
	return n, nil
}

func (ms *MemoryStore) GetCount(_ context.Context, key string) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	e := ms.live(key)
	if e == nil {
		return 0, nil
	}
	n, _ := strconv.ParseInt(e.value, 10, 64)
	return n, nil
}

func (ms *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	e := &memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = ms.now().Add(ttl)
	}
	ms.entries[key] = e
	return nil
}

func (ms *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	e := ms.live(key)
	if e == nil {
		return "", false, nil
	}
	return e.value, true, nil
}

func (ms *MemoryStore) Take(_ context.Context, key string) (string, bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	e := ms.live(key)
	if e == nil {
		return "", false, nil
	}
	delete(ms.entries, key)
	return e.value, true, nil
}

func (ms *MemoryStore) Delete(_ context.Context, key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	delete(ms.entries, key)
	return nil
}

func (ms *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	return ms.live(key) != nil, nil
}

func (ms *MemoryStore) AddToSet(_ context.Context, key, member string, ttl time.Duration) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	e := ms.live(key)
	if e == nil || e.members == nil {
		e = &memoryEntry{members: make(map[string]struct{})}
		if ttl > 0 {
			// The TTL anchors at set creation. Later inserts must not
			// stretch the window the set is counting over.
			e.expiresAt = ms.now().Add(ttl)
		}
		ms.entries[key] = e
	}
	e.members[member] = struct{}{}
	return nil
}

func (ms *MemoryStore) SetSize(_ context.Context, key string) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	e := ms.live(key)
	if e == nil || e.members == nil {
		return 0, nil
	}
	return int64(len(e.members)), nil
}

func (ms *MemoryStore) Close() error {
	return nil
}
