package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/paper-harvester/internal/harvest"
)

func testConfig(dir string) Config {
	return Config{
		Dir:         dir,
		SuccessFile: "extracted_papers.csv",
		FailureFile: "failed_papers.csv",
		JournalFile: "frontier.jsonl",
	}
}

func openTest(t *testing.T, dir string) *CSV {
	t.Helper()
	l, err := Open(testConfig(dir), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path) // #nosec G304 -- test temp dir.
	require.NoError(t, err)
	return string(data)
}

func TestOpenWritesHeaders(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	openTest(t, dir)
	assert.Equal(t, "Title,Abstract,Year,File\n", readFile(t, filepath.Join(dir, "extracted_papers.csv")))
	assert.Equal(t, "Year,File,Error\n", readFile(t, filepath.Join(dir, "failed_papers.csv")))
	assert.FileExists(t, filepath.Join(dir, "frontier.jsonl"))
}

func TestRecordAndReload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	l, err := Open(testConfig(dir), zap.NewNop())
	require.NoError(t, err)

	success := harvest.SuccessEntry(harvest.ExtractionRecord{
		Title:     "Attention, Revisited",
		Abstract:  "We study \"attention\".\nSecond line.",
		Partition: "2022",
		Filename:  "a-Paper-Conference.pdf",
	})
	failure := harvest.FailureEntry("2021", "b-Paper-Conference.pdf", errors.New("unreadable or corrupt PDF"))
	require.NoError(t, l.Record(ctx, success))
	require.NoError(t, l.Record(ctx, failure))
	assert.True(t, l.IsComplete("a-Paper-Conference.pdf"))
	assert.True(t, l.IsComplete("b-Paper-Conference.pdf"))
	assert.False(t, l.IsComplete("c-Paper-Conference.pdf"))
	require.NoError(t, l.Close())

	reopened := openTest(t, dir)
	assert.Equal(t, []harvest.LedgerEntry{success, failure}, reopened.Entries())
	succeeded, failed := reopened.Counts()
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, failed)
}

func TestDuplicateRecordIsNoop(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l := openTest(t, dir)
	ctx := context.Background()
	entry := harvest.SuccessEntry(harvest.ExtractionRecord{Title: "T", Abstract: "A", Partition: "2020", Filename: "x.pdf"})

	require.NoError(t, l.Record(ctx, entry))
	before := readFile(t, filepath.Join(dir, "extracted_papers.csv"))
	require.NoError(t, l.Record(ctx, entry))
	require.NoError(t, l.Record(ctx, harvest.FailureEntry("2020", "x.pdf", errors.New("late failure"))))
	assert.Equal(t, before, readFile(t, filepath.Join(dir, "extracted_papers.csv")))
	assert.Equal(t, "Year,File,Error\n", readFile(t, filepath.Join(dir, "failed_papers.csv")))
	assert.Len(t, l.Entries(), 1)
}

func TestConcurrentRecords(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l := openTest(t, dir)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("paper-%02d.pdf", i)
			assert.NoError(t, l.Record(ctx, harvest.SuccessEntry(harvest.ExtractionRecord{
				Title: "t", Abstract: "a", Partition: "2022", Filename: name,
			})))
		}(i)
	}
	wg.Wait()
	require.NoError(t, l.Close())

	reopened := openTest(t, dir)
	assert.Len(t, reopened.Entries(), 50)
}

func TestTornTailIsTruncated(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	successPath := filepath.Join(dir, "extracted_papers.csv")
	failurePath := filepath.Join(dir, "failed_papers.csv")
	journalPath := filepath.Join(dir, "frontier.jsonl")
	require.NoError(t, os.WriteFile(successPath,
		[]byte("Title,Abstract,Year,File\nGood,\"multi\nline\",2022,good.pdf\nTorn,\"unterminated abs"), 0o600))
	require.NoError(t, os.WriteFile(failurePath,
		[]byte("Year,File,Error\n2021,f.pdf,boom\n2021,half"), 0o600))
	require.NoError(t, os.WriteFile(journalPath,
		[]byte(`{"url":"https://x.org/","children":[{"url":"https://x.org/2022","partition":"2022","stage":"index"}]}`+"\n"+`{"url":"https://x.org/2022","chil`), 0o600))

	l := openTest(t, dir)
	assert.True(t, l.IsComplete("good.pdf"))
	assert.True(t, l.IsComplete("f.pdf"))
	assert.Len(t, l.Entries(), 2)
	children, ok := l.Pages("https://x.org/")
	require.True(t, ok)
	assert.Equal(t, []harvest.CrawlTarget{{URL: "https://x.org/2022", Partition: "2022", Stage: harvest.StageIndex}}, children)
	_, ok = l.Pages("https://x.org/2022")
	assert.False(t, ok)

	require.NoError(t, l.Record(context.Background(), harvest.FailureEntry("2021", "g.pdf", errors.New("again"))))
	assert.Equal(t, "Year,File,Error\n2021,f.pdf,boom\n2021,g.pdf,again\n", readFile(t, failurePath))
	assert.Equal(t, "Title,Abstract,Year,File\nGood,\"multi\nline\",2022,good.pdf\n", readFile(t, successPath))
}

func TestOpenRejectsForeignHeader(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extracted_papers.csv"), []byte("a,b,c,d\n"), 0o600))
	_, err := Open(testConfig(dir), zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected header")
}

func TestOpenRejectsCorruptMiddle(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "failed_papers.csv"),
		[]byte("Year,File,Error\n2021,only-two\n2021,f.pdf,boom\n"), 0o600))
	_, err := Open(testConfig(dir), zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt record")
}

func TestJournalRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l, err := Open(testConfig(dir), zap.NewNop())
	require.NoError(t, err)
	children := []harvest.CrawlTarget{
		{URL: "https://x.org/2022/a.html", Partition: "2022", Stage: harvest.StageItem},
		{URL: "https://x.org/2022/b.html", Partition: "2022", Stage: harvest.StageItem},
	}
	require.NoError(t, l.RecordPage(context.Background(), "https://x.org/2022", children))
	got, ok := l.Pages("https://x.org/2022")
	require.True(t, ok)
	assert.Equal(t, children, got)
	require.NoError(t, l.RecordPage(context.Background(), "https://x.org/empty", nil))
	require.NoError(t, l.Close())

	reopened := openTest(t, dir)
	got, ok = reopened.Pages("https://x.org/2022")
	require.True(t, ok)
	assert.Equal(t, children, got)
	got, ok = reopened.Pages("https://x.org/empty")
	require.True(t, ok)
	assert.Empty(t, got)
}

func TestResetAndResetFailed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l := openTest(t, dir)
	ctx := context.Background()
	require.NoError(t, l.Record(ctx, harvest.SuccessEntry(harvest.ExtractionRecord{Title: "A", Abstract: "x", Partition: "2022", Filename: "a.pdf"})))
	require.NoError(t, l.Record(ctx, harvest.SuccessEntry(harvest.ExtractionRecord{Title: "B", Abstract: "y", Partition: "2022", Filename: "b.pdf"})))
	require.NoError(t, l.Record(ctx, harvest.FailureEntry("2023", "c.pdf", errors.New("404"))))

	n, err := l.Reset(ctx, "a.pdf", "missing.pdf")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, l.IsComplete("a.pdf"))
	assert.Equal(t, "Title,Abstract,Year,File\nB,y,2022,b.pdf\n", readFile(t, filepath.Join(dir, "extracted_papers.csv")))

	n, err = l.ResetFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "Year,File,Error\n", readFile(t, filepath.Join(dir, "failed_papers.csv")))

	// Appends keep working after the rewrite.
	require.NoError(t, l.Record(ctx, harvest.SuccessEntry(harvest.ExtractionRecord{Title: "A2", Abstract: "z", Partition: "2022", Filename: "a.pdf"})))
	assert.Equal(t, "Title,Abstract,Year,File\nB,y,2022,b.pdf\nA2,z,2022,a.pdf\n", readFile(t, filepath.Join(dir, "extracted_papers.csv")))

	n, err = l.Reset(ctx, "nothing.pdf")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecordUnknownOutcome(t *testing.T) {
	t.Parallel()

	l := openTest(t, t.TempDir())
	err := l.Record(context.Background(), harvest.LedgerEntry{Filename: "x.pdf", Outcome: "pending"})
	assert.ErrorIs(t, err, harvest.ErrLedgerWrite)
}
