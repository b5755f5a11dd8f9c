package ledger

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/paper-harvester/internal/csvfile"
	"github.com/JakeFAU/paper-harvester/internal/harvest"
)

var (
	successHeader = []string{"Title", "Abstract", "Year", "File"}
	failureHeader = []string{"Year", "File", "Error"}
)

// Config names the ledger files. Relative names resolve against Dir.
type Config struct {
	Dir         string
	SuccessFile string
	FailureFile string
	JournalFile string
}

func (c Config) path(name string) string {
	if filepath.IsAbs(name) || c.Dir == "" {
		return name
	}
	return filepath.Join(c.Dir, name)
}

// CSV is the file-backed ledger.
type CSV struct {
	cfg    Config
	logger *zap.Logger
	index  *Index

	mu      sync.Mutex
	success *csvFile
	failure *csvFile
	journal *journal
}

type csvFile struct {
	path   string
	header []string
	f      *os.File
	w      *csv.Writer
}

// Open loads existing ledgers, truncating any torn trailing row, and opens
// the files for appending.
func Open(cfg Config, logger *zap.Logger) (*CSV, error) {
	if cfg.SuccessFile == "" || cfg.FailureFile == "" || cfg.JournalFile == "" {
		return nil, fmt.Errorf("ledger file names are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}
	l := &CSV{cfg: cfg, logger: logger.Named("ledger"), index: NewIndex()}

	var err error
	if l.success, err = l.openCSV(cfg.path(cfg.SuccessFile), successHeader, l.loadSuccess); err != nil {
		return nil, err
	}
	if l.failure, err = l.openCSV(cfg.path(cfg.FailureFile), failureHeader, l.loadFailure); err != nil {
		_ = l.success.f.Close()
		return nil, err
	}
	if l.journal, err = openJournal(cfg.path(cfg.JournalFile), l.index, l.logger); err != nil {
		_ = l.success.f.Close()
		_ = l.failure.f.Close()
		return nil, err
	}
	succeeded, failed := l.index.Counts()
	l.logger.Info("ledger loaded",
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
		zap.Int("journaled_pages", l.index.PageCount()),
	)
	return l, nil
}

func (l *CSV) loadSuccess(row []string) {
	l.index.Put(harvest.LedgerEntry{
		Title:     row[0],
		Abstract:  row[1],
		Partition: row[2],
		Filename:  row[3],
		Outcome:   harvest.OutcomeSuccess,
	})
}

func (l *CSV) loadFailure(row []string) {
	l.index.Put(harvest.LedgerEntry{
		Partition: row[0],
		Filename:  row[1],
		Detail:    row[2],
		Outcome:   harvest.OutcomeFailed,
	})
}

func (l *CSV) openCSV(path string, header []string, load func([]string)) (*csvFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600) // #nosec G304 -- operator-supplied ledger path.
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	good, rows, err := csvfile.Scan(f, header)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("load ledger %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat ledger %s: %w", path, err)
	}
	if good < info.Size() {
		l.logger.Warn("truncating torn ledger tail",
			zap.String("path", path),
			zap.Int64("kept_bytes", good),
			zap.Int64("dropped_bytes", info.Size()-good),
		)
		if err := f.Truncate(good); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("truncate ledger %s: %w", path, err)
		}
	}
	if _, err := f.Seek(good, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("seek ledger %s: %w", path, err)
	}
	for _, row := range rows {
		load(row)
	}
	cf := &csvFile{path: path, header: header, f: f, w: csv.NewWriter(f)}
	if good == 0 {
		if err := cf.append(header); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return cf, nil
}

func (c *csvFile) append(row []string) error {
	if err := c.w.Write(row); err != nil {
		return fmt.Errorf("write %s: %w", c.path, err)
	}
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return fmt.Errorf("flush %s: %w", c.path, err)
	}
	if err := c.f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", c.path, err)
	}
	return nil
}

// IsComplete reports whether filename has a success or failed entry.
func (l *CSV) IsComplete(filename string) bool {
	return l.index.IsComplete(filename)
}

// Record appends entry durably. Entries for already-complete filenames are
// ignored.
func (l *CSV) Record(_ context.Context, entry harvest.LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.index.IsComplete(entry.Filename) {
		return nil
	}
	var err error
	switch entry.Outcome {
	case harvest.OutcomeSuccess:
		err = l.success.append([]string{entry.Title, entry.Abstract, entry.Partition, entry.Filename})
	case harvest.OutcomeFailed:
		err = l.failure.append([]string{entry.Partition, entry.Filename, entry.Detail})
	default:
		return fmt.Errorf("record %s: unknown outcome %q: %w", entry.Filename, entry.Outcome, harvest.ErrLedgerWrite)
	}
	if err != nil {
		return fmt.Errorf("record %s: %w: %w", entry.Filename, harvest.ErrLedgerWrite, err)
	}
	l.index.Put(entry)
	return nil
}

// Entries returns every recorded entry in recording order.
func (l *CSV) Entries() []harvest.LedgerEntry {
	return l.index.Entries()
}

// Counts returns success and failure totals.
func (l *CSV) Counts() (succeeded, failed int) {
	return l.index.Counts()
}

// Pages returns the journaled children of url.
func (l *CSV) Pages(url string) ([]harvest.CrawlTarget, bool) {
	return l.index.Pages(url)
}

// RecordPage journals the children discovered on url.
func (l *CSV) RecordPage(_ context.Context, url string, children []harvest.CrawlTarget) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.journal.append(url, children); err != nil {
		return fmt.Errorf("journal %s: %w: %w", url, harvest.ErrLedgerWrite, err)
	}
	l.index.PutPage(url, children)
	return nil
}

// Reset forgets the named filenames.
func (l *CSV) Reset(_ context.Context, filenames ...string) (int, error) {
	names := make(map[string]struct{}, len(filenames))
	for _, n := range filenames {
		names[n] = struct{}{}
	}
	return l.rewrite(func(e harvest.LedgerEntry) bool {
		_, ok := names[e.Filename]
		return ok
	})
}

// ResetFailed forgets every failed entry so the next run retries them.
func (l *CSV) ResetFailed(_ context.Context) (int, error) {
	return l.rewrite(func(e harvest.LedgerEntry) bool {
		return e.Outcome == harvest.OutcomeFailed
	})
}

// rewrite drops matching entries by rewriting both ledgers through a temp
// file and rename. It is an offline maintenance path; Record never rewrites.
func (l *CSV) rewrite(match func(harvest.LedgerEntry) bool) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := l.index.Remove(match)
	if len(removed) == 0 {
		return 0, nil
	}
	var successRows, failureRows [][]string
	for _, e := range l.index.Entries() {
		if e.Outcome == harvest.OutcomeSuccess {
			successRows = append(successRows, []string{e.Title, e.Abstract, e.Partition, e.Filename})
		} else {
			failureRows = append(failureRows, []string{e.Partition, e.Filename, e.Detail})
		}
	}
	if err := l.success.replace(successRows); err != nil {
		return 0, fmt.Errorf("reset: %w: %w", harvest.ErrLedgerWrite, err)
	}
	if err := l.failure.replace(failureRows); err != nil {
		return 0, fmt.Errorf("reset: %w: %w", harvest.ErrLedgerWrite, err)
	}
	for _, e := range removed {
		l.logger.Info("ledger entry reset", zap.String("file", e.Filename), zap.String("outcome", string(e.Outcome)))
	}
	return len(removed), nil
}

func (c *csvFile) replace(rows [][]string) (err error) {
	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, ".ledger-*")
	if err != nil {
		return fmt.Errorf("create temp ledger: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	w := csv.NewWriter(tmp)
	if err = w.Write(c.header); err == nil {
		err = w.WriteAll(rows)
	}
	if err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp ledger: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp ledger: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp ledger: %w", err)
	}
	if err = c.f.Close(); err != nil {
		return fmt.Errorf("close ledger: %w", err)
	}
	if err = os.Rename(tmp.Name(), c.path); err != nil {
		return fmt.Errorf("replace ledger: %w", err)
	}
	f, err := os.OpenFile(c.path, os.O_RDWR|os.O_APPEND, 0o600) // #nosec G304 -- operator-supplied ledger path.
	if err != nil {
		return fmt.Errorf("reopen ledger: %w", err)
	}
	c.f = f
	c.w = csv.NewWriter(f)
	return nil
}

// Close flushes and closes every file.
func (l *CSV) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var errs []error
	for _, cf := range []*csvFile{l.success, l.failure} {
		cf.w.Flush()
		errs = append(errs, cf.w.Error(), cf.f.Close())
	}
	errs = append(errs, l.journal.close())
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close ledger: %w", err)
	}
	return nil
}
