package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"

	"github.com/knectardev/stonxx/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ BarStore = (*SQLiteStore)(nil)
var _ RunLedger = (*SQLiteStore)(nil)
var _ RatingStore = (*SQLiteStore)(nil)

// SQLiteStore implements BarStore, RunLedger, and RatingStore backed by a
// single SQLite database. WAL mode plus a busy timeout keeps concurrent
// writers from separate ingest processes from tripping over each other.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite at %s: %w", dbPath, err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialising schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bars (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			open REAL NOT NULL,
			high REAL NOT NULL,
			low REAL NOT NULL,
			close REAL NOT NULL,
			volume INTEGER NOT NULL,
			created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
			UNIQUE(symbol, timeframe, timestamp)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bars_symbol_timeframe
			ON bars(symbol, timeframe, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_bars_timestamp ON bars(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_bars_symbol ON bars(symbol)`,
		`CREATE TABLE IF NOT EXISTS ingest_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timeframe TEXT NOT NULL,
			mode TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL DEFAULT (strftime('%s','now')),
			ended_at INTEGER,
			window_start INTEGER,
			window_end INTEGER,
			inserted_rows INTEGER NOT NULL DEFAULT 0,
			pid INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ingest_runs_timeframe_status
			ON ingest_runs(timeframe, status, started_at)`,
		`CREATE TABLE IF NOT EXISTS symbol_ratings (
			symbol TEXT PRIMARY KEY,
			rating INTEGER NOT NULL CHECK (rating BETWEEN 0 AND 5),
			updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// InsertBars inserts a batch of bars in one transaction using
// INSERT OR IGNORE, so rows whose (symbol, timeframe, timestamp) key already
// exists are dropped rather than overwritten. Returns the newly inserted
// row count.
func (s *SQLiteStore) InsertBars(ctx context.Context, bars []domain.Bar) (int64, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO bars
		(symbol, timeframe, timestamp, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for _, b := range bars {
		res, err := stmt.ExecContext(ctx,
			b.Symbol, string(b.Timeframe), b.Timestamp,
			b.Open, b.High, b.Low, b.Close, b.Volume,
		)
		if err != nil {
			return 0, fmt.Errorf("inserting bar %s/%s@%d: %w", b.Symbol, b.Timeframe, b.Timestamp, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing bars: %w", err)
	}
	return inserted, nil
}

// Bars returns bars for the symbol and timeframe ordered by timestamp.
func (s *SQLiteStore) Bars(ctx context.Context, symbol string, tf domain.Timeframe, start, end int64, limit int) ([]domain.Bar, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT symbol, timeframe, timestamp, open, high, low, close, volume
		FROM bars
		WHERE symbol = ? AND timeframe = ?
	`)
	args := []any{symbol, string(tf)}

	if start > 0 {
		sb.WriteString(" AND timestamp >= ?")
		args = append(args, start)
	}
	if end > 0 {
		sb.WriteString(" AND timestamp <= ?")
		args = append(args, end)
	}
	// With a limit, keep the newest rows; flipped back to ascending below.
	if limit > 0 {
		sb.WriteString(" ORDER BY timestamp DESC LIMIT ?")
		args = append(args, limit)
	} else {
		sb.WriteString(" ORDER BY timestamp ASC")
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("querying bars: %w", err)
	}
	defer rows.Close()

	var out []domain.Bar
	for rows.Next() {
		var b domain.Bar
		var tfStr string
		if err := rows.Scan(&b.Symbol, &tfStr, &b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, err
		}
		b.Timeframe = domain.Timeframe(tfStr)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if limit > 0 {
		slices.Reverse(out)
	}
	return out, nil
}

// LatestBar returns the most recent bar for the symbol and timeframe.
func (s *SQLiteStore) LatestBar(ctx context.Context, symbol string, tf domain.Timeframe) (*domain.Bar, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT symbol, timeframe, timestamp, open, high, low, close, volume
		FROM bars
		WHERE symbol = ? AND timeframe = ?
		ORDER BY timestamp DESC
		LIMIT 1
	`, symbol, string(tf))

	var b domain.Bar
	var tfStr string
	err := row.Scan(&b.Symbol, &tfStr, &b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.Timeframe = domain.Timeframe(tfStr)
	return &b, nil
}

// SymbolsWithData returns all distinct symbols with data for the timeframe.
func (s *SQLiteStore) SymbolsWithData(ctx context.Context, tf domain.Timeframe) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT symbol FROM bars WHERE timeframe = ? ORDER BY symbol
	`, string(tf))
	if err != nil {
		return nil, fmt.Errorf("querying symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

// LatestBySymbol maps each symbol to its latest stored timestamp.
func (s *SQLiteStore) LatestBySymbol(ctx context.Context, tf domain.Timeframe) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, MAX(timestamp) AS max_ts
		FROM bars
		WHERE timeframe = ?
		GROUP BY symbol
	`, string(tf))
	if err != nil {
		return nil, fmt.Errorf("querying latest timestamps: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var sym string
		var maxTS sql.NullInt64
		if err := rows.Scan(&sym, &maxTS); err != nil {
			return nil, err
		}
		if maxTS.Valid {
			out[sym] = maxTS.Int64
		}
	}
	return out, rows.Err()
}

// SymbolRanges maps each symbol with data to its coverage summary.
func (s *SQLiteStore) SymbolRanges(ctx context.Context, tf domain.Timeframe) (map[string]SymbolRange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, MIN(timestamp), MAX(timestamp), COUNT(*)
		FROM bars
		WHERE timeframe = ?
		GROUP BY symbol
	`, string(tf))
	if err != nil {
		return nil, fmt.Errorf("querying symbol ranges: %w", err)
	}
	defer rows.Close()

	out := make(map[string]SymbolRange)
	for rows.Next() {
		var sym string
		var r SymbolRange
		if err := rows.Scan(&sym, &r.MinTimestamp, &r.MaxTimestamp, &r.BarCount); err != nil {
			return nil, err
		}
		out[sym] = r
	}
	return out, rows.Err()
}

// Freshness returns the worst-case latest timestamp across all symbols for
// the timeframe, or 0 when the timeframe has no data at all.
func (s *SQLiteStore) Freshness(ctx context.Context, tf domain.Timeframe) (int64, error) {
	row := s.db.QueryRowContext(ctx, `
		WITH latest AS (
			SELECT symbol, MAX(timestamp) AS max_ts
			FROM bars
			WHERE timeframe = ?
			GROUP BY symbol
		)
		SELECT MIN(max_ts) FROM latest
	`, string(tf))

	var ts sql.NullInt64
	if err := row.Scan(&ts); err != nil {
		return 0, err
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

// BarCount counts stored bars with optional symbol/timeframe filters.
func (s *SQLiteStore) BarCount(ctx context.Context, symbol string, tf domain.Timeframe) (int64, error) {
	query := "SELECT COUNT(*) FROM bars WHERE 1=1"
	var args []any
	if symbol != "" {
		query += " AND symbol = ?"
		args = append(args, symbol)
	}
	if tf != "" {
		query += " AND timeframe = ?"
		args = append(args, string(tf))
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteBarsBefore removes bars with timestamps older than cutoff.
func (s *SQLiteStore) DeleteBarsBefore(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bars WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting old bars: %w", err)
	}
	return res.RowsAffected()
}

// ---------------------------------------------------------------------------
// RunLedger implementation
// ---------------------------------------------------------------------------

// CreateRun inserts a run in the running state and returns its ID.
func (s *SQLiteStore) CreateRun(ctx context.Context, tf domain.Timeframe, mode domain.RunMode, windowStart, windowEnd int64, pid int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_runs(timeframe, mode, status, started_at, window_start, window_end, pid)
		VALUES (?, ?, 'running', strftime('%s','now'), ?, ?, ?)
	`, string(tf), string(mode), windowStart, windowEnd, pid)
	if err != nil {
		return 0, fmt.Errorf("creating ingest run: %w", err)
	}
	return res.LastInsertId()
}

// IncrementRunRows adds n to inserted_rows in a single atomic UPDATE, so
// concurrent runs for different timeframes never lose updates.
func (s *SQLiteStore) IncrementRunRows(ctx context.Context, runID int64, n int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE ingest_runs SET inserted_rows = inserted_rows + ? WHERE id = ?
	`, n, runID)
	if err != nil {
		return fmt.Errorf("incrementing run %d rows: %w", runID, err)
	}
	return nil
}

// FinishRun transitions a running run to a terminal status and stamps
// ended_at. The WHERE clause guards the transition so a run already in a
// terminal state is left untouched; ended_at is therefore set exactly once.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID int64, status domain.RunStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("finish run %d: status %q is not terminal", runID, status)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE ingest_runs
		SET status = ?, ended_at = strftime('%s','now')
		WHERE id = ? AND status = 'running'
	`, string(status), runID)
	if err != nil {
		return fmt.Errorf("finishing run %d: %w", runID, err)
	}
	return nil
}

const runColumns = `id, timeframe, mode, status, started_at, ended_at, window_start, window_end, inserted_rows, pid`

func scanRun(scanner interface{ Scan(...any) error }) (*domain.IngestRun, error) {
	var r domain.IngestRun
	var tf, mode, status string
	var endedAt, windowStart, windowEnd, pid sql.NullInt64
	err := scanner.Scan(&r.ID, &tf, &mode, &status, &r.StartedAt, &endedAt, &windowStart, &windowEnd, &r.InsertedRows, &pid)
	if err != nil {
		return nil, err
	}
	r.Timeframe = domain.Timeframe(tf)
	r.Mode = domain.RunMode(mode)
	r.Status = domain.RunStatus(status)
	r.EndedAt = endedAt.Int64
	r.WindowStart = windowStart.Int64
	r.WindowEnd = windowEnd.Int64
	r.PID = int(pid.Int64)
	return &r, nil
}

// GetRun returns the run with the given ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID int64) (*domain.IngestRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM ingest_runs WHERE id = ?`, runID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// RunningRuns returns all currently running runs, most recent first.
func (s *SQLiteStore) RunningRuns(ctx context.Context) ([]domain.IngestRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM ingest_runs
		WHERE status = 'running'
		ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying running runs: %w", err)
	}
	defer rows.Close()

	var out []domain.IngestRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// HasRunningRun reports whether a running run exists for the optional
// timeframe and mode filters.
func (s *SQLiteStore) HasRunningRun(ctx context.Context, tf domain.Timeframe, mode domain.RunMode) (bool, error) {
	query := `SELECT COUNT(*) FROM ingest_runs WHERE status = 'running'`
	var args []any
	if tf != "" {
		query += " AND timeframe = ?"
		args = append(args, string(tf))
	}
	if mode != "" {
		query += " AND mode = ?"
		args = append(args, string(mode))
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// LastFinishedRun returns the most recently finished run for the timeframe.
func (s *SQLiteStore) LastFinishedRun(ctx context.Context, tf domain.Timeframe) (*domain.IngestRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM ingest_runs
		WHERE timeframe = ? AND status = 'finished'
		ORDER BY ended_at DESC
		LIMIT 1
	`, string(tf))
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// ---------------------------------------------------------------------------
// RatingStore implementation
// ---------------------------------------------------------------------------

// Rating returns the 0-5 rating for a symbol (0 if unrated).
func (s *SQLiteStore) Rating(ctx context.Context, symbol string) (int, error) {
	var rating int
	err := s.db.QueryRowContext(ctx,
		`SELECT rating FROM symbol_ratings WHERE symbol = ?`, symbol).Scan(&rating)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return rating, nil
}

// SetRating upserts and returns the sanitised 0-5 rating for the symbol.
func (s *SQLiteStore) SetRating(ctx context.Context, symbol string, rating int) (int, error) {
	r := max(0, min(5, rating))
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO symbol_ratings(symbol, rating, updated_at)
		VALUES (?, ?, strftime('%s','now'))
		ON CONFLICT(symbol) DO UPDATE SET
			rating = excluded.rating,
			updated_at = excluded.updated_at
	`, symbol, r)
	if err != nil {
		return 0, fmt.Errorf("setting rating for %s: %w", symbol, err)
	}
	return r, nil
}

// Ratings returns symbol -> rating for all rated symbols.
func (s *SQLiteStore) Ratings(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol, rating FROM symbol_ratings`)
	if err != nil {
		return nil, fmt.Errorf("querying ratings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var sym string
		var rating int
		if err := rows.Scan(&sym, &rating); err != nil {
			return nil, err
		}
		out[sym] = rating
	}
	return out, rows.Err()
}
