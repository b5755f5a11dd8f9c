package harvest

import (
	"context"
	"time"
)

// Fetcher issues a single bounded-timeout request. Implementations never retry
// and never touch shared state.
type Fetcher interface {
	Fetch(ctx context.Context, url string) FetchResult
}

// Predicate decides whether a discovered year partition is in scope.
type Predicate func(year int) bool

// Frontier discovers child targets from a fetched page.
type Frontier interface {
	Discover(parent CrawlTarget, body []byte, include Predicate) []CrawlTarget
}

// ArtifactStore persists downloaded artifacts under (partition, filename).
type ArtifactStore interface {
	// Save writes data unless a non-empty artifact already exists, in which
	// case the existing record is returned untouched.
	Save(ctx context.Context, partition, filename string, data []byte) (ArtifactRecord, error)
	// Stat returns the existing record and true when a non-empty artifact
	// exists. Checksum is left empty when the backend would have to read the
	// artifact to compute it.
	Stat(ctx context.Context, partition, filename string) (ArtifactRecord, bool, error)
	// Load reads a stored artifact.
	Load(ctx context.Context, partition, filename string) ([]byte, error)
}

// Extractor turns artifact bytes into structured fields. It performs no I/O.
type Extractor interface {
	Extract(data []byte) (ExtractionRecord, error)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(data []byte) (ExtractionRecord, error)

// Extract calls f(data).
func (f ExtractorFunc) Extract(data []byte) (ExtractionRecord, error) {
	return f(data)
}

// Ledger is the durable, single source of truth for item completion.
type Ledger interface {
	IsComplete(filename string) bool
	// Record must be durable before it returns. Recording a filename that is
	// already complete is a no-op.
	Record(ctx context.Context, entry LedgerEntry) error
	Entries() []LedgerEntry
}

// DiscoveryJournal caches discovered children per page so a resumed run can
// replay discovery without refetching.
type DiscoveryJournal interface {
	Pages(url string) ([]CrawlTarget, bool)
	RecordPage(ctx context.Context, url string, children []CrawlTarget) error
}

// Publisher pushes success notifications to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
