package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/paper-harvester/internal/harvest"
)

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit totals downloaded artifact bytes through a custom sink.
func ExampleHub_Emit() {
	var total int64
	hub := NewHub(Config{BufferSize: 2, MaxBatchEvents: 1, MaxBatchWait: time.Second},
		sinkFunc(func(_ context.Context, batch []Event) error {
			for _, evt := range batch {
				total += evt.Bytes
			}
			return nil
		}))

	hub.Emit(Event{
		RunID:       "run-1",
		TS:          time.Unix(0, 0),
		Kind:        KindFetchDone,
		Stage:       harvest.StageArtifact,
		StatusClass: Status2xx,
		Bytes:       512,
	})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("bytes downloaded: %d\n", total)
	// Output:
	// bytes downloaded: 512
}
