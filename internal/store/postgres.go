package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/i474232898/macro-dashboard/internal/indicators"
)

//go:embed migrations/postgres.sql
var postgresSchema string

// PostgresStore is a PostgreSQL-backed indicators.Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to url, tunes the pool and applies the schema.
func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Register(ctx context.Context, m indicators.SeriesMetadata) (bool, error) {
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	// ON CONFLICT DO NOTHING keeps the first registration.
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO indicator_metadata (
			indicator_id, name, description, category, subcategory, unit,
			source, source_code, typical_frequency, is_active, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE, $10)
		ON CONFLICT (indicator_id) DO NOTHING`,
		m.ID, m.Name, m.Description, m.Category, m.Subcategory, m.Unit,
		string(m.Source), m.Code, m.Frequency, created.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("registering %s: %w", m.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

const postgresMetadataColumns = `indicator_id, name, description, category, subcategory, unit,
	source, source_code, typical_frequency, is_active, created_at`

func scanPostgresMetadata(row pgx.Row) (indicators.SeriesMetadata, error) {
	var (
		m      indicators.SeriesMetadata
		source string
	)
	err := row.Scan(&m.ID, &m.Name, &m.Description, &m.Category, &m.Subcategory, &m.Unit,
		&source, &m.Code, &m.Frequency, &m.Active, &m.CreatedAt)
	m.Source = indicators.Source(source)
	m.CreatedAt = m.CreatedAt.UTC()
	return m, err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (indicators.SeriesMetadata, error) {
	m, err := scanPostgresMetadata(s.pool.QueryRow(ctx,
		`SELECT `+postgresMetadataColumns+` FROM indicator_metadata WHERE indicator_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return m, fmt.Errorf("%w: %s", indicators.ErrUnknownSeries, id)
	}
	return m, err
}

func (s *PostgresStore) List(ctx context.Context, f indicators.CatalogFilter) ([]indicators.SeriesMetadata, error) {
	var (
		where []string
		args  []any
	)
	if !f.IncludeInactive {
		where = append(where, "is_active")
	}
	if f.Category != "" {
		args = append(args, f.Category)
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}
	if f.Source != "" {
		args = append(args, string(f.Source))
		where = append(where, fmt.Sprintf("source = $%d", len(args)))
	}

	query := `SELECT ` + postgresMetadataColumns + ` FROM indicator_metadata`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY indicator_id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing metadata: %w", err)
	}
	defer rows.Close()

	out := []indicators.SeriesMetadata{}
	for rows.Next() {
		m, err := scanPostgresMetadata(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetActive(ctx context.Context, id string, active bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE indicator_metadata SET is_active = $1 WHERE indicator_id = $2`, active, id)
	if err != nil {
		return fmt.Errorf("updating %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", indicators.ErrUnknownSeries, id)
	}
	return nil
}

func (s *PostgresStore) Categories(ctx context.Context) ([]indicators.CategoryCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT category, COUNT(*) FROM indicator_metadata
		WHERE is_active
		GROUP BY category
		ORDER BY category`)
	if err != nil {
		return nil, fmt.Errorf("counting categories: %w", err)
	}
	defer rows.Close()

	out := []indicators.CategoryCount{}
	for rows.Next() {
		var (
			c     indicators.CategoryCount
			count int64
		)
		if err := rows.Scan(&c.Category, &count); err != nil {
			return nil, err
		}
		c.Count = int(count)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Has(ctx context.Context, seriesID string, ts time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM indicators WHERE indicator_id = $1 AND timestamp = $2)`,
		seriesID, indicators.NormalizeTimestamp(ts),
	).Scan(&exists)
	return exists, err
}

const postgresInsertPoint = `
	INSERT INTO indicators (indicator_id, timestamp, value, source, frequency, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (indicator_id, timestamp) DO NOTHING`

func postgresPointArgs(p indicators.Point) []any {
	ingested := p.IngestedAt
	if ingested.IsZero() {
		ingested = time.Now()
	}
	return []any{
		p.SeriesID,
		indicators.NormalizeTimestamp(p.Timestamp),
		p.Value,
		string(p.Source),
		p.Frequency,
		ingested.UTC(),
	}
}

func (s *PostgresStore) UpsertIfAbsent(ctx context.Context, p indicators.Point) (indicators.UpsertResult, error) {
	tag, err := s.pool.Exec(ctx, postgresInsertPoint, postgresPointArgs(p)...)
	if err != nil {
		return indicators.Skipped, fmt.Errorf("inserting point: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return indicators.Inserted, nil
	}
	return indicators.Skipped, nil
}

func (s *PostgresStore) UpsertBatch(ctx context.Context, points []indicators.Point) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, p := range points {
		batch.Queue(postgresInsertPoint, postgresPointArgs(p)...)
	}

	results := tx.SendBatch(ctx, batch)
	added := 0
	for range points {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return 0, fmt.Errorf("inserting point: %w", err)
		}
		if tag.RowsAffected() == 1 {
			added++
		}
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("closing batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return added, nil
}

func (s *PostgresStore) Range(ctx context.Context, seriesID string, start, end time.Time, limit int) ([]indicators.Point, error) {
	out := []indicators.Point{}
	if limit <= 0 {
		return out, nil
	}

	// Ascending order so LIMIT drops the newest tail.
	rows, err := s.pool.Query(ctx, `
		SELECT timestamp, value, source, frequency, created_at FROM indicators
		WHERE indicator_id = $1 AND timestamp >= $2 AND timestamp <= $3
		ORDER BY timestamp ASC
		LIMIT $4`,
		seriesID, indicators.NormalizeTimestamp(start), indicators.NormalizeTimestamp(end), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying range: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanPostgresPoint(seriesID, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Latest(ctx context.Context, seriesID string) (indicators.Point, bool, error) {
	p, err := scanPostgresPoint(seriesID, s.pool.QueryRow(ctx, `
		SELECT timestamp, value, source, frequency, created_at FROM indicators
		WHERE indicator_id = $1
		ORDER BY timestamp DESC
		LIMIT 1`, seriesID))
	if errors.Is(err, pgx.ErrNoRows) {
		return indicators.Point{}, false, nil
	}
	if err != nil {
		return indicators.Point{}, false, err
	}
	return p, true, nil
}

func scanPostgresPoint(seriesID string, row pgx.Row) (indicators.Point, error) {
	var (
		p      indicators.Point
		source string
	)
	if err := row.Scan(&p.Timestamp, &p.Value, &source, &p.Frequency, &p.IngestedAt); err != nil {
		return p, err
	}
	p.SeriesID = seriesID
	p.Timestamp = p.Timestamp.UTC()
	p.IngestedAt = p.IngestedAt.UTC()
	p.Source = indicators.Source(source)
	return p, nil
}

func (s *PostgresStore) AppendAttempt(ctx context.Context, a indicators.RefreshAttempt) (indicators.RefreshAttempt, error) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO refresh_log (source, indicator_id, refresh_timestamp, records_added, status, error_message)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING refresh_id`,
		string(a.Source), nullable(a.SeriesID), a.Timestamp.UTC(),
		a.RecordsAdded, string(a.Status), nullable(a.Error),
	).Scan(&a.ID)
	if err != nil {
		return a, fmt.Errorf("appending refresh log: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) Attempts(ctx context.Context, f indicators.AttemptFilter) ([]indicators.RefreshAttempt, error) {
	var (
		where []string
		args  []any
	)
	if f.Source != "" {
		args = append(args, string(f.Source))
		where = append(where, fmt.Sprintf("source = $%d", len(args)))
	}
	if f.SeriesID != "" {
		args = append(args, f.SeriesID)
		where = append(where, fmt.Sprintf("indicator_id = $%d", len(args)))
	}

	query := `SELECT refresh_id, source, indicator_id, refresh_timestamp, records_added, status, error_message FROM refresh_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY refresh_id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
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
			seriesID   *string
			errMessage *string
			added      int32
		)
		if err := rows.Scan(&a.ID, &source, &seriesID, &a.Timestamp, &added, &status, &errMessage); err != nil {
			return nil, err
		}
		a.Source = indicators.Source(source)
		a.Status = indicators.Status(status)
		a.RecordsAdded = int(added)
		a.Timestamp = a.Timestamp.UTC()
		if seriesID != nil {
			a.SeriesID = *seriesID
		}
		if errMessage != nil {
			a.Error = *errMessage
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
