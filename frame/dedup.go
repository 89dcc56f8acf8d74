package frame

import (
	"sync"
	"time"
)

const (
	dedupWindowSize = 1000
	dedupWindowTTL  = 5 * time.Minute
)

type dedupEntry struct {
	id   string
	seen time.Time
}

// DedupWindow is a sliding window of server message ids. It remembers up to
// dedupWindowSize ids or dedupWindowTTL, whichever is reached first, so a
// message redelivered after a reconnect is recognized.
type DedupWindow struct {
	mu      sync.Mutex
	entries []dedupEntry
	now     func() time.Time
}

// NewDedupWindow creates a new dedup window.
func NewDedupWindow() *DedupWindow {
	return &DedupWindow{
		entries: make([]dedupEntry, 0, dedupWindowSize),
		now:     time.Now,
	}
}

// IsDuplicate returns true if id has already been seen. If not a duplicate,
// it records the id. Empty ids are never duplicates.
func (d *DedupWindow) IsDuplicate(id string) bool {
	if id == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()

	cutoff := now.Add(-dedupWindowTTL)
	start := 0
	for start < len(d.entries) && d.entries[start].seen.Before(cutoff) {
		start++
	}
	if start > 0 {
		d.entries = d.entries[start:]
	}

	for _, e := range d.entries {
		if e.id == id {
			return true
		}
	}

	if len(d.entries) >= dedupWindowSize {
		d.entries = d.entries[1:]
	}

	d.entries = append(d.entries, dedupEntry{id: id, seen: now})
	return false
}

// Len returns the current number of tracked ids.
func (d *DedupWindow) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
