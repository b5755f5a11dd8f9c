package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/paper-harvester/internal/harvest"
)

// Kind denotes the milestone represented by an Event.
type Kind string

// Supported event kinds.
const (
	KindRunStart  Kind = "RUN_START"
	KindRunDone   Kind = "RUN_DONE"
	KindRunError  Kind = "RUN_ERROR"
	KindFetchDone Kind = "FETCH_DONE"
	KindRetry     Kind = "RETRY"
	KindItemDone  Kind = "ITEM_DONE"
)

// ItemOutcome is the terminal state reported for one artifact.
type ItemOutcome string

// Item outcomes. Skipped means the ledger already had the item.
const (
	ItemSucceeded ItemOutcome = "succeeded"
	ItemFailed    ItemOutcome = "failed"
	ItemSkipped   ItemOutcome = "skipped"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures one milestone of a harvest run.
type Event struct {
	RunID string
	TS    time.Time
	Kind  Kind
	// Stage is the crawl level the event refers to, when applicable.
	Stage       harvest.Stage
	URL         string
	Partition   string
	Filename    string
	Outcome     ItemOutcome
	Failure     harvest.FailureKind
	StatusClass StatusClass
	Bytes       int64
	Dur         time.Duration
	// Note carries low-volume context such as the extracted title or an
	// error message.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindRunStart, KindRunDone, KindRunError:
	case KindFetchDone, KindRetry:
		if e.Stage == "" {
			return fmt.Errorf("%s requires stage", e.Kind)
		}
	case KindItemDone:
		if e.Filename == "" {
			return errors.New("item done requires filename")
		}
		switch e.Outcome {
		case ItemSucceeded, ItemFailed, ItemSkipped:
		default:
			return fmt.Errorf("unknown item outcome %q", e.Outcome)
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
