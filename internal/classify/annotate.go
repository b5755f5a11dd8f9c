package classify

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"go.uber.org/zap"

	"github.com/JakeFAU/paper-harvester/internal/csvfile"
)

var annotatedHeader = []string{"Title", "Abstract", "Year", "File", "Category"}

// Stats summarizes an annotate run.
type Stats struct {
	Total   int
	Skipped int
	Labeled int
	Unknown int
	Failed  int
}

// Annotator labels every row of the success ledger and appends the result
// to an output CSV. Rows already present in the output are skipped, so an
// interrupted run resumes where it stopped.
type Annotator struct {
	classifier Classifier
	logger     *zap.Logger
}

// NewAnnotator constructs an Annotator.
func NewAnnotator(c Classifier, logger *zap.Logger) *Annotator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Annotator{classifier: c, logger: logger.Named("annotate")}
}

// Run reads inputPath and appends labeled rows to outputPath. A paper both
// providers failed on is left out and retried on the next run. Only I/O
// errors and cancellation stop the run.
func (a *Annotator) Run(ctx context.Context, inputPath, outputPath string) (Stats, error) {
	var stats Stats
	rows, err := readPapers(inputPath)
	if err != nil {
		return stats, err
	}
	done, valid, err := labeledFiles(outputPath)
	if err != nil {
		return stats, err
	}
	out, err := openAppend(outputPath, valid)
	if err != nil {
		return stats, err
	}
	defer func() { _ = out.close() }()

	stats.Total = len(rows)
	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("annotate interrupted: %w", err)
		}
		if _, ok := done[row.file]; ok {
			stats.Skipped++
			continue
		}
		a.logger.Info("classifying",
			zap.Int("index", i+1),
			zap.Int("total", stats.Total),
			zap.String("title", row.title),
		)
		label, err := a.classifier.Classify(ctx, Paper{Title: row.title, Abstract: row.abstract})
		if err != nil {
			if ctx.Err() != nil {
				return stats, fmt.Errorf("annotate interrupted: %w", ctx.Err())
			}
			stats.Failed++
			a.logger.Warn("classification failed", zap.String("file", row.file), zap.Error(err))
			continue
		}
		if err := out.append([]string{row.title, row.abstract, row.year, row.file, label}); err != nil {
			return stats, err
		}
		done[row.file] = struct{}{}
		stats.Labeled++
		if label == Unknown {
			stats.Unknown++
		}
	}
	return stats, nil
}

type paperRow struct {
	title, abstract, year, file string
}

// readPapers loads the success ledger, locating columns by header name.
func readPapers(path string) ([]paperRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read input header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[h] = i
	}
	for _, want := range []string{"Title", "Abstract", "Year", "File"} {
		if _, ok := cols[want]; !ok {
			return nil, fmt.Errorf("input %s has no %s column", path, want)
		}
	}
	var rows []paperRow
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
		rows = append(rows, paperRow{
			title:    rec[cols["Title"]],
			abstract: rec[cols["Abstract"]],
			year:     rec[cols["Year"]],
			file:     rec[cols["File"]],
		})
	}
	return rows, nil
}

// labeledFiles returns the files already present in the output with a
// non-empty category, and the byte offset just past the last complete row.
// Anything after that offset is a torn write; a malformed row followed by
// more data fails the run rather than hiding the rows after it.
func labeledFiles(path string) (map[string]struct{}, int64, error) {
	done := map[string]struct{}{}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return done, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open output: %w", err)
	}
	defer func() { _ = f.Close() }()

	valid, rows, err := csvfile.Scan(f, annotatedHeader)
	if err != nil {
		return nil, 0, fmt.Errorf("output %s: %w", path, err)
	}
	for _, rec := range rows {
		if rec[4] != "" {
			done[rec[3]] = struct{}{}
		}
	}
	return done, valid, nil
}

type appendFile struct {
	f *os.File
	w *csv.Writer
}

// openAppend opens path for appending after truncating it to valid bytes.
func openAppend(path string, valid int64) (*appendFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat output: %w", err)
	}
	if info.Size() > valid {
		if err := f.Truncate(valid); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("truncate torn output: %w", err)
		}
	}
	af := &appendFile{f: f, w: csv.NewWriter(f)}
	if valid == 0 {
		if err := af.append(annotatedHeader); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return af, nil
}

func (a *appendFile) append(row []string) error {
	if err := a.w.Write(row); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	a.w.Flush()
	if err := a.w.Error(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	if err := a.f.Sync(); err != nil {
		return fmt.Errorf("sync output: %w", err)
	}
	return nil
}

func (a *appendFile) close() error {
	return a.f.Close()
}
