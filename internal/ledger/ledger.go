// Package ledger records which artifacts have been processed so an
// interrupted run resumes without repeating work.
//
// The CSV backend keeps two append-only ledgers (successes and failures)
// plus a JSON-lines discovery journal. Every write is flushed and fsynced
// before Record returns.
package ledger

import (
	"context"
	"sync"

	"github.com/JakeFAU/paper-harvester/internal/harvest"
)

// Store is a durable ledger plus discovery journal.
type Store interface {
	harvest.Ledger
	harvest.DiscoveryJournal
	// Reset forgets the named filenames so the next run reprocesses them.
	Reset(ctx context.Context, filenames ...string) (int, error)
	// ResetFailed forgets every failed entry.
	ResetFailed(ctx context.Context) (int, error)
	Close() error
}

// Index is the in-memory view shared by the ledger backends. It is safe for
// concurrent use.
type Index struct {
	mu      sync.RWMutex
	entries map[string]harvest.LedgerEntry
	order   []string
	pages   map[string][]harvest.CrawlTarget
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		entries: make(map[string]harvest.LedgerEntry),
		pages:   make(map[string][]harvest.CrawlTarget),
	}
}

// IsComplete reports whether filename reached a terminal outcome.
func (x *Index) IsComplete(filename string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.entries[filename]
	return ok
}

// Get returns the entry for filename.
func (x *Index) Get(filename string) (harvest.LedgerEntry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.entries[filename]
	return e, ok
}

// Put stores entry unless its filename is already present, reporting
// whether it was added.
func (x *Index) Put(entry harvest.LedgerEntry) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.entries[entry.Filename]; ok {
		return false
	}
	x.entries[entry.Filename] = entry
	x.order = append(x.order, entry.Filename)
	return true
}

// Remove deletes every entry match accepts and returns them.
func (x *Index) Remove(match func(harvest.LedgerEntry) bool) []harvest.LedgerEntry {
	x.mu.Lock()
	defer x.mu.Unlock()
	var removed []harvest.LedgerEntry
	order := x.order[:0]
	for _, name := range x.order {
		e := x.entries[name]
		if match(e) {
			removed = append(removed, e)
			delete(x.entries, name)
			continue
		}
		order = append(order, name)
	}
	x.order = order
	return removed
}

// Entries returns entries in the order they were recorded.
func (x *Index) Entries() []harvest.LedgerEntry {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]harvest.LedgerEntry, 0, len(x.order))
	for _, name := range x.order {
		out = append(out, x.entries[name])
	}
	return out
}

// Counts returns the number of success and failed entries.
func (x *Index) Counts() (succeeded, failed int) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for _, e := range x.entries {
		if e.Outcome == harvest.OutcomeSuccess {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

// Pages returns a copy of the children journaled for url.
func (x *Index) Pages(url string) ([]harvest.CrawlTarget, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	children, ok := x.pages[url]
	if !ok {
		return nil, false
	}
	return append([]harvest.CrawlTarget(nil), children...), true
}

// PutPage replaces the journaled children for url.
func (x *Index) PutPage(url string, children []harvest.CrawlTarget) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.pages[url] = append([]harvest.CrawlTarget(nil), children...)
}

// PageCount returns the number of journaled pages.
func (x *Index) PageCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.pages)
}
