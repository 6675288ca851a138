package aggregate

import "sync"

// FeedItem is one cached row of a list-shaped feed.
type FeedItem struct {
	Key string                 // Primary key rendered as a string
	Row map[string]interface{} // Latest row snapshot
}

// Feed is a bounded, ordered cache of feed rows, newest first. New rows
// are prepended; updates and deletes address rows by primary key. The
// cursor is advisory: it tracks the oldest retained key and makes no
// gap-filling promise.
//
// Mutations run only on the owning Store's writer loop; the lock exists
// for concurrent snapshot reads.
type Feed struct {
	mu       sync.RWMutex
	items    []FeedItem
	capacity int
	cursor   string
}

// NewFeed creates a feed cache retaining at most capacity items
func NewFeed(capacity int) *Feed {
	return &Feed{
		items:    make([]FeedItem, 0, capacity),
		capacity: capacity,
	}
}

// Prepend inserts a new row at the head. If the row's key is already
// present the existing entry is replaced in place instead (a redelivered
// INSERT must not duplicate the item).
func (f *Feed) Prepend(key string, row map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.items {
		if f.items[i].Key == key {
			f.items[i].Row = row
			return
		}
	}

	f.items = append([]FeedItem{{Key: key, Row: row}}, f.items...)
	if len(f.items) > f.capacity {
		f.items = f.items[:f.capacity]
	}
	f.updateCursor()
}

// Replace swaps the row for an existing key. Unknown keys are ignored:
// the row is outside the cached window.
func (f *Feed) Replace(key string, row map[string]interface{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.items {
		if f.items[i].Key == key {
			f.items[i].Row = row
			return true
		}
	}
	return false
}

// Remove drops the row with the given key
func (f *Feed) Remove(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.items {
		if f.items[i].Key == key {
			f.items = append(f.items[:i], f.items[i+1:]...)
			f.updateCursor()
			return true
		}
	}
	return false
}

// Seed replaces the cache contents from a baseline query, newest first
func (f *Feed) Seed(items []FeedItem) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(items) > f.capacity {
		items = items[:f.capacity]
	}
	f.items = append(f.items[:0], items...)
	f.updateCursor()
}

// Clear empties the cache
func (f *Feed) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = f.items[:0]
	f.cursor = ""
}

// Snapshot returns a copy of the cached items, newest first
func (f *Feed) Snapshot() []FeedItem {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]FeedItem, len(f.items))
	copy(out, f.items)
	return out
}

// Cursor returns the key of the oldest retained item
func (f *Feed) Cursor() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cursor
}

// Len returns the number of cached items
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.items)
}

func (f *Feed) updateCursor() {
	if len(f.items) == 0 {
		f.cursor = ""
		return
	}
	f.cursor = f.items[len(f.items)-1].Key
}
