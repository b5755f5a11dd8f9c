package harvest

import (
	"context"
	"errors"
	"fmt"
)

// Error taxonomy. Every per-item failure wraps exactly one of these.
var (
	// ErrTransient marks retry-eligible network failures (timeouts, resets, 5xx).
	ErrTransient = errors.New("transient network failure")
	// ErrPermanent marks failures that will not succeed on retry (4xx).
	ErrPermanent = errors.New("permanent network failure")
	// ErrStorage marks artifact store failures (disk full, permissions).
	ErrStorage = errors.New("storage failure")
	// ErrParse marks malformed markup or undecodable artifacts.
	ErrParse = errors.New("parse failure")
	// ErrLedgerWrite is fatal for the run: progress could not be recorded durably.
	ErrLedgerWrite = errors.New("ledger write failure")
)

// FailureKind is a coarse classification used for metrics and logging.
type FailureKind string

// Failure kinds reported by Classify.
const (
	KindNone      FailureKind = ""
	KindTransient FailureKind = "network_transient"
	KindPermanent FailureKind = "network_permanent"
	KindStorage   FailureKind = "storage"
	KindParse     FailureKind = "parse"
	KindLedger    FailureKind = "ledger_write"
	KindCanceled  FailureKind = "canceled"
	KindUnknown   FailureKind = "unknown"
)

// Classify maps an error onto the taxonomy.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrLedgerWrite):
		return KindLedger
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrPermanent):
		return KindPermanent
	case errors.Is(err, ErrStorage):
		return KindStorage
	case errors.Is(err, ErrParse):
		return KindParse
	default:
		return KindUnknown
	}
}

// IsFatal reports whether err must stop the whole run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrLedgerWrite)
}

// FetchError is returned for failed fetches.
type FetchError struct {
	URL        string
	StatusCode int
	Reason     string
	kind       error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: HTTP %d: %s", e.URL, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Reason)
}

// Unwrap exposes the taxonomy sentinel.
func (e *FetchError) Unwrap() error {
	return e.kind
}
