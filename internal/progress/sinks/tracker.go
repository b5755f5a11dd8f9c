package sinks

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/paper-harvester/internal/progress"
)

// Snapshot is a point-in-time view of the current run.
type Snapshot struct {
	RunID      string           `json:"run_id,omitempty"`
	State      string           `json:"state"`
	StartedAt  time.Time        `json:"started_at,omitzero"`
	FinishedAt time.Time        `json:"finished_at,omitzero"`
	Succeeded  int64            `json:"succeeded"`
	Failed     int64            `json:"failed"`
	Skipped    int64            `json:"skipped"`
	Retries    int64            `json:"retries"`
	Fetches    map[string]int64 `json:"fetches"`
	Bytes      int64            `json:"bytes"`
	LastItem   string           `json:"last_item,omitempty"`
	Failures   map[string]int64 `json:"failures"`
	Note       string           `json:"note,omitempty"`
}

// Run states reported by the Tracker.
const (
	StateIdle    = "idle"
	StateRunning = "running"
	StateDone    = "done"
	StateError   = "error"
)

// Tracker folds events into counters for the /v1/progress endpoint.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker returns an idle Tracker.
func NewTracker() *Tracker {
	return &Tracker{snap: emptySnapshot()}
}

func emptySnapshot() Snapshot {
	return Snapshot{
		State:    StateIdle,
		Fetches:  map[string]int64{},
		Failures: map[string]int64{},
	}
}

// Consume folds the batch into the snapshot. A RUN_START for a new run id
// resets the counters.
func (t *Tracker) Consume(_ context.Context, batch []progress.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, evt := range batch {
		switch evt.Kind {
		case progress.KindRunStart:
			if evt.RunID != t.snap.RunID {
				t.snap = emptySnapshot()
				t.snap.RunID = evt.RunID
			}
			t.snap.State = StateRunning
			t.snap.StartedAt = evt.TS
		case progress.KindRunDone:
			t.snap.State = StateDone
			t.snap.FinishedAt = evt.TS
		case progress.KindRunError:
			t.snap.State = StateError
			t.snap.FinishedAt = evt.TS
			t.snap.Note = evt.Note
		case progress.KindRetry:
			t.snap.Retries++
		case progress.KindFetchDone:
			t.snap.Fetches[string(evt.Stage)]++
			t.snap.Bytes += evt.Bytes
		case progress.KindItemDone:
			t.snap.LastItem = evt.Filename
			switch evt.Outcome {
			case progress.ItemSucceeded:
				t.snap.Succeeded++
			case progress.ItemFailed:
				t.snap.Failed++
				t.snap.Failures[string(evt.Failure)]++
			case progress.ItemSkipped:
				t.snap.Skipped++
			}
		}
	}
	return nil
}

// Snapshot returns a copy of the current counters.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := t.snap
	out.Fetches = make(map[string]int64, len(t.snap.Fetches))
	for k, v := range t.snap.Fetches {
		out.Fetches[k] = v
	}
	out.Failures = make(map[string]int64, len(t.snap.Failures))
	for k, v := range t.snap.Failures {
		out.Failures[k] = v
	}
	return out
}

// Close implements the Sink interface; it performs no action.
func (t *Tracker) Close(context.Context) error {
	return nil
}
