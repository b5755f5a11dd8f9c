package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/paper-harvester/internal/harvest"
)

func expectOpen(mock pgxmock.PgxPoolIface) {
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS harvest_ledger").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS harvest_frontier").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery("SELECT file, year, outcome, title, abstract, error FROM harvest_ledger").
		WillReturnRows(pgxmock.NewRows([]string{"file", "year", "outcome", "title", "abstract", "error"}).
			AddRow("a.pdf", "2022", "success", "Title A", "Abstract A", "").
			AddRow("c.pdf", "2021", "failed", "", "", "HTTP 404"))
	mock.ExpectQuery("SELECT url, children FROM harvest_frontier").
		WillReturnRows(pgxmock.NewRows([]string{"url", "children"}).
			AddRow("https://x.org/", []byte(`[{"url":"https://x.org/2022","partition":"2022","stage":"index"}]`)))
}

func newTestLedger(t *testing.T) (*Ledger, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	expectOpen(mock)
	l, err := NewWithDB(context.Background(), mock, "", "", zap.NewNop())
	require.NoError(t, err)
	return l, mock
}

func TestLoadOnOpen(t *testing.T) {
	t.Parallel()

	l, mock := newTestLedger(t)
	assert.True(t, l.IsComplete("a.pdf"))
	assert.True(t, l.IsComplete("c.pdf"))
	assert.False(t, l.IsComplete("b.pdf"))
	succeeded, failed := l.Counts()
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, failed)

	children, ok := l.Pages("https://x.org/")
	require.True(t, ok)
	assert.Equal(t, []harvest.CrawlTarget{{URL: "https://x.org/2022", Partition: "2022", Stage: harvest.StageIndex}}, children)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordInsertsOnce(t *testing.T) {
	t.Parallel()

	l, mock := newTestLedger(t)
	mock.ExpectExec("INSERT INTO harvest_ledger").
		WithArgs("b.pdf", "2023", "failed", "", "", "boom").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ctx := context.Background()
	require.NoError(t, l.Record(ctx, harvest.FailureEntry("2023", "b.pdf", errors.New("boom"))))
	// Both are already complete; neither may reach the database.
	require.NoError(t, l.Record(ctx, harvest.FailureEntry("2023", "b.pdf", errors.New("again"))))
	require.NoError(t, l.Record(ctx, harvest.SuccessEntry(harvest.ExtractionRecord{Partition: "2022", Filename: "a.pdf"})))
	assert.True(t, l.IsComplete("b.pdf"))
	assert.Len(t, l.Entries(), 3)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordFailureIsLedgerWriteError(t *testing.T) {
	t.Parallel()

	l, mock := newTestLedger(t)
	mock.ExpectExec("INSERT INTO harvest_ledger").
		WillReturnError(errors.New("connection reset"))

	err := l.Record(context.Background(), harvest.SuccessEntry(harvest.ExtractionRecord{
		Title: "T", Abstract: "A", Partition: "2024", Filename: "d.pdf",
	}))
	require.ErrorIs(t, err, harvest.ErrLedgerWrite)
	assert.True(t, harvest.IsFatal(err))
	assert.False(t, l.IsComplete("d.pdf"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordPageUpserts(t *testing.T) {
	t.Parallel()

	l, mock := newTestLedger(t)
	mock.ExpectExec("INSERT INTO harvest_frontier").
		WithArgs("https://x.org/2022", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	children := []harvest.CrawlTarget{{URL: "https://x.org/2022/a.html", Partition: "2022", Stage: harvest.StageItem}}
	require.NoError(t, l.RecordPage(context.Background(), "https://x.org/2022", children))
	got, ok := l.Pages("https://x.org/2022")
	require.True(t, ok)
	assert.Equal(t, children, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResetDeletesRows(t *testing.T) {
	t.Parallel()

	l, mock := newTestLedger(t)
	mock.ExpectExec("DELETE FROM harvest_ledger WHERE file").
		WithArgs([]string{"a.pdf"}).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("DELETE FROM harvest_ledger WHERE outcome").
		WithArgs("failed").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	ctx := context.Background()
	n, err := l.Reset(ctx, "a.pdf")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, l.IsComplete("a.pdf"))

	n, err = l.ResetFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, l.Entries())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithDBValidation(t *testing.T) {
	t.Parallel()

	_, err := NewWithDB(context.Background(), nil, "", "", nil)
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewWithDB(context.Background(), mock, "bad-name;", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid table name")
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{}, zap.NewNop())
	require.Error(t, err)
}
