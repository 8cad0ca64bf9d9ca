package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/i474232898/macro-dashboard/internal/indicators"
)

//go:embed migrations/sqlite.sql
var sqliteSchema string

// SQLiteStore is a SQLite-backed indicators.Store. The composite primary key
// on (indicator_id, timestamp) makes concurrent inserts of the same point
// resolve to a single row.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and applies
// the schema. path may be a plain file path or a "file:" URI.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if strings.Contains(path, ":memory:") {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// sqliteDSN attaches per-connection pragmas. WAL lets readers proceed while a
// refresh writes.
func sqliteDSN(path string) string {
	pragmas := []string{
		"_pragma=busy_timeout(5000)",
		"_pragma=journal_mode(WAL)",
		"_pragma=synchronous(NORMAL)",
		"_txlock=immediate",
	}
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(pragmas, "&")
}

func (s *SQLiteStore) Register(ctx context.Context, m indicators.SeriesMetadata) (bool, error) {
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO indicator_metadata (
			indicator_id, name, description, category, subcategory, unit,
			source, source_code, typical_frequency, is_active, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT (indicator_id) DO NOTHING`,
		m.ID, m.Name, m.Description, m.Category, m.Subcategory, m.Unit,
		string(m.Source), m.Code, m.Frequency, created.UTC().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("registering %s: %w", m.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

const sqliteMetadataColumns = `indicator_id, name, description, category, subcategory, unit,
	source, source_code, typical_frequency, is_active, created_at`

func scanSQLiteMetadata(row interface{ Scan(...any) error }) (indicators.SeriesMetadata, error) {
	var (
		m       indicators.SeriesMetadata
		source  string
		active  int
		created int64
	)
	err := row.Scan(&m.ID, &m.Name, &m.Description, &m.Category, &m.Subcategory, &m.Unit,
		&source, &m.Code, &m.Frequency, &active, &created)
	if err != nil {
		return m, err
	}
	m.Source = indicators.Source(source)
	m.Active = active != 0
	m.CreatedAt = time.Unix(created, 0).UTC()
	return m, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (indicators.SeriesMetadata, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteMetadataColumns+` FROM indicator_metadata WHERE indicator_id = ?`, id)
	m, err := scanSQLiteMetadata(row)
	if errors.Is(err, sql.ErrNoRows) {
		return m, fmt.Errorf("%w: %s", indicators.ErrUnknownSeries, id)
	}
	return m, err
}

func (s *SQLiteStore) List(ctx context.Context, f indicators.CatalogFilter) ([]indicators.SeriesMetadata, error) {
	var (
		where []string
		args  []any
	)
	if !f.IncludeInactive {
		where = append(where, "is_active = 1")
	}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if f.Source != "" {
		where = append(where, "source = ?")
		args = append(args, string(f.Source))
	}

	query := `SELECT ` + sqliteMetadataColumns + ` FROM indicator_metadata`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY indicator_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing metadata: %w", err)
	}
	defer rows.Close()

	out := []indicators.SeriesMetadata{}
	for rows.Next() {
		m, err := scanSQLiteMetadata(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetActive(ctx context.Context, id string, active bool) error {
	flag := 0
	if active {
		flag = 1
	}
	res, err := s.db.ExecContext(ctx, `UPDATE indicator_metadata SET is_active = ? WHERE indicator_id = ?`, flag, id)
	if err != nil {
		return fmt.Errorf("updating %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", indicators.ErrUnknownSeries, id)
	}
	return nil
}

func (s *SQLiteStore) Categories(ctx context.Context) ([]indicators.CategoryCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, COUNT(*) FROM indicator_metadata
		WHERE is_active = 1
		GROUP BY category
		ORDER BY category`)
	if err != nil {
		return nil, fmt.Errorf("counting categories: %w", err)
	}
	defer rows.Close()

	out := []indicators.CategoryCount{}
	for rows.Next() {
		var c indicators.CategoryCount
		if err := rows.Scan(&c.Category, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Has(ctx context.Context, seriesID string, ts time.Time) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM indicators WHERE indicator_id = ? AND timestamp = ?`,
		seriesID, indicators.NormalizeTimestamp(ts).Unix(),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

const sqliteInsertPoint = `
	INSERT INTO indicators (indicator_id, timestamp, value, source, frequency, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (indicator_id, timestamp) DO NOTHING`

func sqlitePointArgs(p indicators.Point) []any {
	ingested := p.IngestedAt
	if ingested.IsZero() {
		ingested = time.Now()
	}
	return []any{
		p.SeriesID,
		indicators.NormalizeTimestamp(p.Timestamp).Unix(),
		p.Value,
		string(p.Source),
		p.Frequency,
		ingested.UTC().Unix(),
	}
}

func (s *SQLiteStore) UpsertIfAbsent(ctx context.Context, p indicators.Point) (indicators.UpsertResult, error) {
	res, err := s.db.ExecContext(ctx, sqliteInsertPoint, sqlitePointArgs(p)...)
	if err != nil {
		return indicators.Skipped, fmt.Errorf("inserting point: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return indicators.Inserted, nil
	}
	return indicators.Skipped, nil
}

func (s *SQLiteStore) UpsertBatch(ctx context.Context, points []indicators.Point) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, sqliteInsertPoint)
	if err != nil {
		return 0, fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	added := 0
	for _, p := range points {
		res, err := stmt.ExecContext(ctx, sqlitePointArgs(p)...)
		if err != nil {
			return 0, fmt.Errorf("inserting point: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			added++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return added, nil
}

func (s *SQLiteStore) Range(ctx context.Context, seriesID string, start, end time.Time, limit int) ([]indicators.Point, error) {
	out := []indicators.Point{}
	if limit <= 0 {
		return out, nil
	}

	// Ascending order so LIMIT drops the newest tail.
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, value, source, frequency, created_at FROM indicators
		WHERE indicator_id = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC
		LIMIT ?`,
		seriesID, indicators.NormalizeTimestamp(start).Unix(), indicators.NormalizeTimestamp(end).Unix(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying range: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanSQLitePoint(seriesID, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Latest(ctx context.Context, seriesID string) (indicators.Point, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT timestamp, value, source, frequency, created_at FROM indicators
		WHERE indicator_id = ?
		ORDER BY timestamp DESC
		LIMIT 1`, seriesID)
	p, err := scanSQLitePoint(seriesID, row)
	if errors.Is(err, sql.ErrNoRows) {
		return indicators.Point{}, false, nil
	}
	if err != nil {
		return indicators.Point{}, false, err
	}
	return p, true, nil
}

func scanSQLitePoint(seriesID string, row interface{ Scan(...any) error }) (indicators.Point, error) {
	var (
		p       indicators.Point
		ts, ing int64
		source  string
	)
	if err := row.Scan(&ts, &p.Value, &source, &p.Frequency, &ing); err != nil {
		return p, err
	}
	p.SeriesID = seriesID
	p.Timestamp = time.Unix(ts, 0).UTC()
	p.Source = indicators.Source(source)
	p.IngestedAt = time.Unix(ing, 0).UTC()
	return p, nil
}

func (s *SQLiteStore) AppendAttempt(ctx context.Context, a indicators.RefreshAttempt) (indicators.RefreshAttempt, error) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_log (source, indicator_id, refresh_timestamp, records_added, status, error_message)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(a.Source), nullString(a.SeriesID), a.Timestamp.UTC().Unix(),
		a.RecordsAdded, string(a.Status), nullString(a.Error),
	)
	if err != nil {
		return a, fmt.Errorf("appending refresh log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return a, err
	}
	a.ID = id
	a.Timestamp = time.Unix(a.Timestamp.UTC().Unix(), 0).UTC()
	return a, nil
}

func (s *SQLiteStore) Attempts(ctx context.Context, f indicators.AttemptFilter) ([]indicators.RefreshAttempt, error) {
	var (
		where []string
		args  []any
	)
	if f.Source != "" {
		where = append(where, "source = ?")
		args = append(args, string(f.Source))
	}
	if f.SeriesID != "" {
		where = append(where, "indicator_id = ?")
		args = append(args, f.SeriesID)
	}

	query := `SELECT refresh_id, source, indicator_id, refresh_timestamp, records_added, status, error_message FROM refresh_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY refresh_id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying refresh log: %w", err)
	}
	defer rows.Close()

	out := []indicators.RefreshAttempt{}
	for rows.Next() {
		var (
			a          indicators.RefreshAttempt
			source     string
			status     string
			seriesID   sql.NullString
			errMessage sql.NullString
			ts         int64
		)
		if err := rows.Scan(&a.ID, &source, &seriesID, &ts, &a.RecordsAdded, &status, &errMessage); err != nil {
			return nil, err
		}
		a.Source = indicators.Source(source)
		a.Status = indicators.Status(status)
		a.SeriesID = seriesID.String
		a.Error = errMessage.String
		a.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
