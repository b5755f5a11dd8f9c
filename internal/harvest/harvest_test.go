package harvest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestYearRangeContains(t *testing.T) {
	t.Parallel()

	r := YearRange{Start: 2020, End: 2024}
	assert.False(t, r.Contains(2019))
	assert.True(t, r.Contains(2020))
	assert.True(t, r.Contains(2022))
	assert.True(t, r.Contains(2024))
	assert.False(t, r.Contains(2025))
	assert.Equal(t, []string{"2020", "2021", "2022", "2023", "2024"}, r.Partitions())
	assert.Nil(t, YearRange{Start: 2024, End: 2020}.Partitions())
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{name: "nil", err: nil, want: KindNone},
		{name: "transient", err: Transient("u", 503, "unavailable").Err(), want: KindTransient},
		{name: "permanent", err: Permanent("u", 404, "not found").Err(), want: KindPermanent},
		{name: "storage", err: fmt.Errorf("write: %w", ErrStorage), want: KindStorage},
		{name: "parse", err: fmt.Errorf("decode: %w", ErrParse), want: KindParse},
		{name: "ledger", err: fmt.Errorf("append: %w", ErrLedgerWrite), want: KindLedger},
		{name: "canceled", err: fmt.Errorf("fetch: %w", context.Canceled), want: KindCanceled},
		{name: "other", err: errors.New("boom"), want: KindUnknown},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestFetchResultErr(t *testing.T) {
	t.Parallel()

	require.NoError(t, Success("u", 200, []byte("x")).Err())

	err := Permanent("https://example.com/x", 404, "Not Found").Err()
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 404, fe.StatusCode)
	assert.Contains(t, err.Error(), "HTTP 404")
	assert.ErrorIs(t, err, ErrPermanent)
	assert.False(t, IsFatal(err))
	assert.True(t, IsFatal(fmt.Errorf("x: %w", ErrLedgerWrite)))
}

func TestCrawlTargetRetryCopies(t *testing.T) {
	t.Parallel()

	orig := CrawlTarget{URL: "u", Stage: StageItem, Partition: "2021"}
	next := orig.Retry()
	assert.Equal(t, 0, orig.Attempt)
	assert.Equal(t, 1, next.Attempt)
	assert.False(t, orig.IsRoot())
	assert.True(t, CrawlTarget{Stage: StageIndex}.IsRoot())
}

func TestLedgerEntryBuilders(t *testing.T) {
	t.Parallel()

	ok := SuccessEntry(ExtractionRecord{Title: "T", Abstract: AbstractNotFound, Partition: "2020", Filename: "a.pdf"})
	assert.Equal(t, OutcomeSuccess, ok.Outcome)
	assert.Equal(t, "a.pdf", ok.Filename)

	failed := FailureEntry("2020", "b.pdf", errors.New("corrupt"))
	assert.Equal(t, OutcomeFailed, failed.Outcome)
	assert.Equal(t, "corrupt", failed.Detail)
	assert.False(t, ExtractionRecord{Abstract: AbstractNotFound}.HasAbstract())
}
