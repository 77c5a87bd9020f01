package jobs

import (
	"sync"
	"time"
)

// Entry は保存済みの結果です。保存後は変更されません。
type Entry[T any] struct {
	Value     T
	StoredAt  time.Time
	ExpiresAt time.Time
}

// expired は now が ExpiresAt を過ぎているかを返します。ExpiresAt ちょうどはまだ有効です。
func (e *Entry[T]) expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// ResultCache は有効期限付きで結果を保持します。
// 期限切れの結果は Get 時に削除され、Sweep でもまとめて削除されます。
type ResultCache[T any] struct {
	mu      sync.Mutex
	entries map[string]*Entry[T]
	now     Clock
}

// NewResultCache は空の ResultCache を作成します。
func NewResultCache[T any](now Clock) *ResultCache[T] {
	if now == nil {
		now = systemClock
	}
	return &ResultCache[T]{
		entries: make(map[string]*Entry[T]),
		now:     now,
	}
}

// Store は結果を保存します。同じIDの既存結果は置き換えます。
func (c *ResultCache[T]) Store(jobID string, value T, ttl time.Duration) Entry[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry := &Entry[T]{
		Value:     value,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	c.entries[jobID] = entry
	return *entry
}

// Get は有効な結果を返します。期限切れの場合は削除して false を返します。
func (c *ResultCache[T]) Get(jobID string) (Entry[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[jobID]
	if !ok {
		return Entry[T]{}, false
	}
	if entry.expired(c.now()) {
		delete(c.entries, jobID)
		return Entry[T]{}, false
	}
	return *entry, true
}

// Delete は結果を削除し、削除したかどうかを返します。
func (c *ResultCache[T]) Delete(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[jobID]; !ok {
		return false
	}
	delete(c.entries, jobID)
	return true
}

// Sweep は期限切れの結果をすべて削除し、削除件数を返します。
func (c *ResultCache[T]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for id, entry := range c.entries {
		if entry.expired(now) {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

// Len は保持している結果の件数を返します（期限切れで未削除のものを含みます）。
func (c *ResultCache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
