// Package postgres provides a Postgres-backed ledger for runs that share
// progress across hosts or want SQL access to results.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/paper-harvester/internal/harvest"
	"github.com/JakeFAU/paper-harvester/internal/ledger"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	Table           string
	JournalTable    string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// DB is the subset of pgxpool.Pool used by the ledger.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// Ledger writes entries with INSERT ... ON CONFLICT DO NOTHING so a
// filename is recorded at most once even across processes.
type Ledger struct {
	db      DB
	table   string
	journal string
	logger  *zap.Logger
	index   *ledger.Index
	mu      sync.Mutex
}

// New connects to Postgres, ensures the tables exist, and loads the ledger.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Ledger, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("ledger.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	l, err := NewWithDB(ctx, pool, cfg.Table, cfg.JournalTable, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return l, nil
}

// NewWithDB builds a ledger from an existing pool (primarily for testing).
func NewWithDB(ctx context.Context, db DB, table, journalTable string, logger *zap.Logger) (*Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if table == "" {
		table = "harvest_ledger"
	}
	if journalTable == "" {
		journalTable = "harvest_frontier"
	}
	for _, name := range []string{table, journalTable} {
		if !validTableName.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		db:      db,
		table:   table,
		journal: journalTable,
		logger:  logger.Named("ledger"),
		index:   ledger.NewIndex(),
	}
	if err := l.migrate(ctx); err != nil {
		return nil, err
	}
	if err := l.load(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	file TEXT PRIMARY KEY,
	year TEXT NOT NULL,
	outcome TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	abstract TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, l.table),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	url TEXT PRIMARY KEY,
	children JSONB NOT NULL
)`, l.journal),
	}
	for _, stmt := range stmts {
		if _, err := l.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate ledger: %w", err)
		}
	}
	return nil
}

func (l *Ledger) load(ctx context.Context) error {
	rows, err := l.db.Query(ctx, fmt.Sprintf(
		`SELECT file, year, outcome, title, abstract, error FROM %s ORDER BY recorded_at, file`, l.table))
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	for rows.Next() {
		var e harvest.LedgerEntry
		var outcome string
		if err := rows.Scan(&e.Filename, &e.Partition, &outcome, &e.Title, &e.Abstract, &e.Detail); err != nil {
			rows.Close()
			return fmt.Errorf("scan ledger row: %w", err)
		}
		e.Outcome = harvest.Outcome(outcome)
		l.index.Put(e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate ledger rows: %w", err)
	}

	rows, err = l.db.Query(ctx, fmt.Sprintf(`SELECT url, children FROM %s`, l.journal))
	if err != nil {
		return fmt.Errorf("load journal: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			url  string
			data []byte
		)
		if err := rows.Scan(&url, &data); err != nil {
			return fmt.Errorf("scan journal row: %w", err)
		}
		children, err := ledger.DecodeChildren(data)
		if err != nil {
			return fmt.Errorf("journal %s: %w", url, err)
		}
		l.index.PutPage(url, children)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate journal rows: %w", err)
	}
	succeeded, failed := l.index.Counts()
	l.logger.Info("ledger loaded",
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
		zap.Int("journaled_pages", l.index.PageCount()),
	)
	return nil
}

// IsComplete reports whether filename reached a terminal outcome.
func (l *Ledger) IsComplete(filename string) bool {
	return l.index.IsComplete(filename)
}

// Record inserts entry; already-complete filenames are ignored.
func (l *Ledger) Record(ctx context.Context, entry harvest.LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.index.IsComplete(entry.Filename) {
		return nil
	}
	if entry.Outcome != harvest.OutcomeSuccess && entry.Outcome != harvest.OutcomeFailed {
		return fmt.Errorf("record %s: unknown outcome %q: %w", entry.Filename, entry.Outcome, harvest.ErrLedgerWrite)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (file, year, outcome, title, abstract, error)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (file) DO NOTHING`, l.table)
	if _, err := l.db.Exec(ctx, query,
		entry.Filename,
		entry.Partition,
		string(entry.Outcome),
		entry.Title,
		entry.Abstract,
		entry.Detail,
	); err != nil {
		return fmt.Errorf("record %s: %w: %w", entry.Filename, harvest.ErrLedgerWrite, err)
	}
	l.index.Put(entry)
	return nil
}

// Entries returns the loaded and recorded entries.
func (l *Ledger) Entries() []harvest.LedgerEntry {
	return l.index.Entries()
}

// Counts returns success and failure totals.
func (l *Ledger) Counts() (succeeded, failed int) {
	return l.index.Counts()
}

// Pages returns the journaled children of url.
func (l *Ledger) Pages(url string) ([]harvest.CrawlTarget, bool) {
	return l.index.Pages(url)
}

// RecordPage upserts the children discovered on url.
func (l *Ledger) RecordPage(ctx context.Context, url string, children []harvest.CrawlTarget) error {
	data, err := ledger.EncodeChildren(children)
	if err != nil {
		return fmt.Errorf("journal %s: %w: %w", url, harvest.ErrLedgerWrite, err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (url, children) VALUES ($1, $2)
ON CONFLICT (url) DO UPDATE SET children = EXCLUDED.children`, l.journal)
	if _, err := l.db.Exec(ctx, query, url, data); err != nil {
		return fmt.Errorf("journal %s: %w: %w", url, harvest.ErrLedgerWrite, err)
	}
	l.index.PutPage(url, children)
	return nil
}

// Reset deletes the named filenames.
func (l *Ledger) Reset(ctx context.Context, filenames ...string) (int, error) {
	if len(filenames) == 0 {
		return 0, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	query := fmt.Sprintf(`DELETE FROM %s WHERE file = ANY($1)`, l.table)
	if _, err := l.db.Exec(ctx, query, filenames); err != nil {
		return 0, fmt.Errorf("reset: %w: %w", harvest.ErrLedgerWrite, err)
	}
	names := make(map[string]struct{}, len(filenames))
	for _, n := range filenames {
		names[n] = struct{}{}
	}
	removed := l.index.Remove(func(e harvest.LedgerEntry) bool {
		_, ok := names[e.Filename]
		return ok
	})
	return len(removed), nil
}

// ResetFailed deletes every failed entry.
func (l *Ledger) ResetFailed(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	query := fmt.Sprintf(`DELETE FROM %s WHERE outcome = $1`, l.table)
	if _, err := l.db.Exec(ctx, query, string(harvest.OutcomeFailed)); err != nil {
		return 0, fmt.Errorf("reset failed: %w: %w", harvest.ErrLedgerWrite, err)
	}
	removed := l.index.Remove(func(e harvest.LedgerEntry) bool {
		return e.Outcome == harvest.OutcomeFailed
	})
	return len(removed), nil
}

// Close releases the underlying pool resources.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	l.db.Close()
	return nil
}
