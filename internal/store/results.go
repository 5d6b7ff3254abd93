package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"seed-search/internal/models"
)

var (
	// ErrInvalidColumn is returned for an ORDER BY column outside the schema.
	ErrInvalidColumn = errors.New("invalid column")
	// ErrSchemaMismatch is returned when an existing store was created for other tally columns.
	ErrSchemaMismatch = errors.New("result store schema mismatch")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("result store closed")
)

const (
	resultsTable = "results"
	colSeed      = "seed"
	colScore     = "score"

	defaultFlushRows = 256
	// sqlite caps bound parameters per statement; stay well below it.
	maxParamsPerInsert = 900
)

// ResultStore persists one job's results and checkpoint markers in a single SQLite file.
// The file has exactly one connection: the writer and all readers share it.
type ResultStore struct {
	path    string
	db      *sql.DB
	builder *goqu.Database
	// columns is the fixed schema: seed, score, then tallies in declaration order.
	columns []string
	index   map[string]int
	tallies []string

	mu        sync.Mutex
	buf       []models.ResultRow
	flushRows int
	closed    bool

	committed atomic.Int64
}

// Options tunes a ResultStore.
type Options struct {
	// FlushRows is the buffered row count that triggers a write.
	FlushRows int
}

// OpenResultStore opens or creates the store at path for the given tally columns.
// An existing store whose tally columns differ is rejected with ErrSchemaMismatch.
func OpenResultStore(ctx context.Context, path string, tallies []string, opts Options) (*ResultStore, error) {
	for _, t := range tallies {
		if !models.ValidColumnName(t) {
			return nil, fmt.Errorf("%w: tally %q", ErrInvalidColumn, t)
		}
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{`PRAGMA journal_mode=WAL`, `PRAGMA busy_timeout=5000`, `PRAGMA synchronous=NORMAL`} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if opts.FlushRows <= 0 {
		opts.FlushRows = defaultFlushRows
	}
	s := &ResultStore{
		path:      path,
		db:        db,
		builder:   goqu.New("sqlite3", db),
		tallies:   append([]string(nil), tallies...),
		flushRows: opts.FlushRows,
	}
	s.columns = append([]string{colSeed, colScore}, tallies...)
	s.index = make(map[string]int, len(s.columns))
	for i, c := range s.columns {
		s.index[strings.ToLower(c)] = i
	}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	var n int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+resultsTable).Scan(&n); err != nil {
		db.Close()
		return nil, fmt.Errorf("count results: %w", err)
	}
	s.committed.Store(n)
	return s, nil
}

func (s *ResultStore) initSchema(ctx context.Context) error {
	if err := runMigrations(ctx, "migrations/sqlite", func(ctx context.Context, sql string) error {
		_, err := s.db.ExecContext(ctx, sql)
		return err
	}); err != nil {
		return err
	}

	existing, err := s.existingColumns(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		if !sameColumns(existing, s.columns) {
			return fmt.Errorf("%w: %s has columns %v, want %v", ErrSchemaMismatch, s.path, existing, s.columns)
		}
		return nil
	}

	var ddl strings.Builder
	ddl.WriteString(`CREATE TABLE IF NOT EXISTS ` + resultsTable + ` (seed TEXT PRIMARY KEY, score INTEGER NOT NULL`)
	for _, t := range s.tallies {
		// Tally names were checked by ValidColumnName.
		fmt.Fprintf(&ddl, `, "%s" INTEGER NOT NULL DEFAULT 0`, t)
	}
	ddl.WriteString(`)`)
	if _, err := s.db.ExecContext(ctx, ddl.String()); err != nil {
		return fmt.Errorf("create results table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_results_score ON `+resultsTable+` (score DESC)`); err != nil {
		return fmt.Errorf("create score index: %w", err)
	}
	return nil
}

func (s *ResultStore) existingColumns(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `PRAGMA table_info(`+resultsTable+`)`)
	if err != nil {
		return nil, fmt.Errorf("inspect results table: %w", err)
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan table_info: %w", err)
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}

// Path returns the file backing the store.
func (s *ResultStore) Path() string { return s.path }

// Tallies returns the tally column names in schema order.
func (s *ResultStore) Tallies() []string { return append([]string(nil), s.tallies...) }

// InsertRow buffers a row. A seed already stored or buffered is ignored, so the
// first write for a seed wins. Rows reach the file on the next flush.
func (s *ResultStore) InsertRow(ctx context.Context, seed string, score int64, tallies []int64) error {
	row := models.ResultRow{Seed: seed, Score: score, Tallies: make([]int64, len(s.tallies))}
	copy(row.Tallies, tallies)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.buf = append(s.buf, row)
	if len(s.buf) < s.flushRows {
		return nil
	}
	return s.flushLocked(ctx)
}

// Flush writes buffered rows.
func (s *ResultStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.flushLocked(ctx)
}

func (s *ResultStore) flushLocked(ctx context.Context) error {
	if len(s.buf) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // no-op after commit

	perRow := len(s.columns)
	chunk := maxParamsPerInsert / perRow
	if chunk < 1 {
		chunk = 1
	}
	var inserted int64
	for start := 0; start < len(s.buf); start += chunk {
		end := start + chunk
		if end > len(s.buf) {
			end = len(s.buf)
		}
		records := make([]interface{}, 0, end-start)
		for _, r := range s.buf[start:end] {
			rec := goqu.Record{colSeed: r.Seed, colScore: r.Score}
			for i, t := range s.tallies {
				rec[t] = r.Tallies[i]
			}
			records = append(records, rec)
		}
		query, args, err := s.builder.Insert(resultsTable).
			Rows(records...).
			OnConflict(goqu.DoNothing()).
			Prepared(true).
			ToSQL()
		if err != nil {
			return fmt.Errorf("build insert: %w", err)
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("insert results: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += n
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.buf = s.buf[:0]
	s.committed.Add(inserted)
	return nil
}

// RowCountHint returns committed rows plus buffered rows without touching the file.
// Buffered duplicates make it an upper bound.
func (s *ResultStore) RowCountHint() int64 {
	s.mu.Lock()
	pending := int64(len(s.buf))
	s.mu.Unlock()
	return s.committed.Load() + pending
}

// GetRowCount flushes and counts stored rows.
func (s *ResultStore) GetRowCount(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if err := s.flushLocked(ctx); err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+resultsTable).Scan(&n); err != nil {
		return 0, fmt.Errorf("count results: %w", err)
	}
	return n, nil
}

// ColumnIndex resolves an allow-listed column name to its schema position.
func (s *ResultStore) ColumnIndex(name string) (int, bool) {
	i, ok := s.index[strings.ToLower(name)]
	return i, ok
}

// GetResultsPage flushes pending rows and returns one page ordered by orderBy.
// Ties are broken by seed ascending so paging is stable.
func (s *ResultStore) GetResultsPage(ctx context.Context, offset, limit int, orderBy string, ascending bool) ([]models.ResultRow, error) {
	idx, ok := s.ColumnIndex(orderBy)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidColumn, orderBy)
	}
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		return []models.ResultRow{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if err := s.flushLocked(ctx); err != nil {
		return nil, err
	}

	selectCols := make([]interface{}, len(s.columns))
	for i, c := range s.columns {
		selectCols[i] = goqu.C(c)
	}
	order := goqu.C(s.columns[idx]).Desc()
	if ascending {
		order = goqu.C(s.columns[idx]).Asc()
	}
	ds := s.builder.From(resultsTable).
		Select(selectCols...).
		Order(order).
		Limit(uint(limit)).
		Offset(uint(offset))
	if idx != 0 {
		ds = ds.OrderAppend(goqu.C(colSeed).Asc())
	}
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build page query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	out := make([]models.ResultRow, 0, limit)
	for rows.Next() {
		r := models.ResultRow{Tallies: make([]int64, len(s.tallies))}
		dest := make([]interface{}, 0, len(s.columns))
		dest = append(dest, &r.Seed, &r.Score)
		for i := range r.Tallies {
			dest = append(dest, &r.Tallies[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveCheckpoint upserts one key of the checkpoint side table.
func (s *ResultStore) SaveCheckpoint(ctx context.Context, key, value string) error {
	return s.SaveCheckpoints(ctx, map[string]string{key: value})
}

// SaveCheckpoints upserts every pair in one transaction: either all keys change or none do.
func (s *ResultStore) SaveCheckpoints(ctx context.Context, pairs map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	now := time.Now().UnixMilli()
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoint (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, k, pairs[k], now); err != nil {
			return fmt.Errorf("save checkpoint %s: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint reads one key of the checkpoint side table.
func (s *ResultStore) LoadCheckpoint(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, ErrClosed
	}
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM checkpoint WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load checkpoint %s: %w", key, err)
	}
	return v, true, nil
}

// Close flushes pending rows and closes the file. Calling Close twice is a no-op.
func (s *ResultStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	var result *multierror.Error
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.flushLocked(ctx); err != nil {
		log.WithField("store", s.path).WithError(err).Warn("dropping buffered results on close")
		result = multierror.Append(result, err)
	}
	s.closed = true
	s.buf = nil
	if err := s.db.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close sqlite: %w", err))
	}
	return result.ErrorOrNil()
}
