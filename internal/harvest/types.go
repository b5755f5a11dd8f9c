package harvest

import (
	"strconv"
	"time"
)

// Stage tags a CrawlTarget with the level of the site it points at.
type Stage string

// Supported crawl stages.
const (
	// StageIndex is a listing page. The root index carries no partition; a
	// per-year listing carries its year.
	StageIndex Stage = "index"
	// StageItem is a per-paper page that links to one artifact.
	StageItem Stage = "item"
	// StageArtifact is a binary download (PDF).
	StageArtifact Stage = "artifact"
)

// CrawlTarget identifies one unit of work.
type CrawlTarget struct {
	URL       string
	Partition string
	Stage     Stage
	Attempt   int
}

// Retry returns a copy of the target with the attempt counter incremented.
func (t CrawlTarget) Retry() CrawlTarget {
	t.Attempt++
	return t
}

// IsRoot reports whether the target is the root index.
func (t CrawlTarget) IsRoot() bool {
	return t.Stage == StageIndex && t.Partition == ""
}

// ResultKind discriminates FetchResult variants.
type ResultKind int

// FetchResult variants.
const (
	ResultSuccess ResultKind = iota
	ResultTransient
	ResultPermanent
)

func (k ResultKind) String() string {
	switch k {
	case ResultSuccess:
		return "success"
	case ResultTransient:
		return "transient"
	case ResultPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// FetchResult is the outcome of a single fetch. Body is set only on success;
// Reason only on failure.
type FetchResult struct {
	Kind       ResultKind
	URL        string
	FinalURL   string
	StatusCode int
	Body       []byte
	Reason     string
	Duration   time.Duration
}

// Success builds a successful FetchResult.
func Success(url string, status int, body []byte) FetchResult {
	return FetchResult{Kind: ResultSuccess, URL: url, FinalURL: url, StatusCode: status, Body: body}
}

// Transient builds a retryable FetchResult.
func Transient(url string, status int, reason string) FetchResult {
	return FetchResult{Kind: ResultTransient, URL: url, StatusCode: status, Reason: reason}
}

// Permanent builds a terminal FetchResult.
func Permanent(url string, status int, reason string) FetchResult {
	return FetchResult{Kind: ResultPermanent, URL: url, StatusCode: status, Reason: reason}
}

// OK reports whether the fetch succeeded.
func (r FetchResult) OK() bool {
	return r.Kind == ResultSuccess
}

// Err converts a failed result into an error wrapping ErrTransient or
// ErrPermanent. It returns nil on success.
func (r FetchResult) Err() error {
	switch r.Kind {
	case ResultSuccess:
		return nil
	case ResultTransient:
		return &FetchError{URL: r.URL, StatusCode: r.StatusCode, Reason: r.Reason, kind: ErrTransient}
	default:
		return &FetchError{URL: r.URL, StatusCode: r.StatusCode, Reason: r.Reason, kind: ErrPermanent}
	}
}

// ArtifactRecord describes one stored artifact. Records are never mutated.
type ArtifactRecord struct {
	Partition string
	Filename  string
	Path      string
	Size      int64
	Checksum  string
}

// Sentinels written when a field cannot be located in the extracted text.
const (
	TitleNotFound    = "Title not found"
	AbstractNotFound = "Abstract not found"
)

// ExtractionRecord holds the fields extracted from one artifact.
type ExtractionRecord struct {
	Title     string
	Abstract  string
	Partition string
	Filename  string
}

// HasAbstract reports whether the abstract heuristic matched. A missing
// abstract is a data-quality flag, not a pipeline fault.
func (r ExtractionRecord) HasAbstract() bool {
	return r.Abstract != AbstractNotFound
}

// Outcome is the terminal state of a ledger entry.
type Outcome string

// Ledger outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// LedgerEntry is the durable record of how one artifact was handled.
// Title and Abstract are populated for successes, Detail for failures.
type LedgerEntry struct {
	Filename  string
	Partition string
	Outcome   Outcome
	Detail    string
	Title     string
	Abstract  string
}

// SuccessEntry builds a success entry from an extraction record.
func SuccessEntry(rec ExtractionRecord) LedgerEntry {
	return LedgerEntry{
		Filename:  rec.Filename,
		Partition: rec.Partition,
		Outcome:   OutcomeSuccess,
		Title:     rec.Title,
		Abstract:  rec.Abstract,
	}
}

// FailureEntry builds a failed entry with the error text as detail.
func FailureEntry(partition, filename string, err error) LedgerEntry {
	detail := "unknown error"
	if err != nil {
		detail = err.Error()
	}
	return LedgerEntry{
		Filename:  filename,
		Partition: partition,
		Outcome:   OutcomeFailed,
		Detail:    detail,
	}
}

// YearRange is the inclusion predicate applied to discovered year links.
type YearRange struct {
	Start int
	End   int
}

// Contains reports whether year lies within the inclusive range.
func (r YearRange) Contains(year int) bool {
	return year >= r.Start && year <= r.End
}

// Partitions lists every year in the range as a partition key.
func (r YearRange) Partitions() []string {
	if r.End < r.Start {
		return nil
	}
	out := make([]string, 0, r.End-r.Start+1)
	for y := r.Start; y <= r.End; y++ {
		out = append(out, strconv.Itoa(y))
	}
	return out
}
