// Package storage provides the relational sink for tag records, its schema
// migrations and the CSV backup for batches the sink could not take.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nexus-edge/plc-acquisition/internal/domain"
	"github.com/rs/zerolog"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavour and driver.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// driverName returns the database/sql driver registered for the dialect.
func (d Dialect) driverName() (string, error) {
	switch d {
	case DialectPostgres:
		return "postgres", nil
	case DialectSQLite:
		return "sqlite", nil
	default:
		return "", fmt.Errorf("%w: unknown storage dialect %q", domain.ErrInvalidConfig, d)
	}
}

// placeholder returns the n-th (1-based) bind parameter.
func (d Dialect) placeholder(n int) string {
	if d == DialectPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

const recordColumns = 7

// Bind parameter limits per statement: PostgreSQL's wire protocol counts
// parameters in an int16, SQLite caps them at SQLITE_MAX_VARIABLE_NUMBER.
const (
	postgresMaxParams = 65535
	sqliteMaxParams   = 32766
)

// MaxBatchRows returns the most records one insert can carry for the dialect.
func (d Dialect) MaxBatchRows() int {
	if d == DialectPostgres {
		return postgresMaxParams / recordColumns
	}
	return sqliteMaxParams / recordColumns
}

// Config holds the sink settings.
type Config struct {
	Dialect         Dialect
	DSN             string
	Table           string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
	AutoMigrate     bool
}

// DefaultConfig returns a local SQLite configuration.
func DefaultConfig() Config {
	return Config{
		Dialect:         DialectSQLite,
		DSN:             "file:collector.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
		Table:           "tag_records",
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
		QueryTimeout:    10 * time.Second,
		AutoMigrate:     true,
	}
}

// SQLSink writes tag records with one multi-row insert per batch. Rows that
// collide on (device_code, address, ts) are skipped and counted as
// duplicates.
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
	table   string
	timeout time.Duration
	logger  zerolog.Logger
}

// Open connects to the database, applies migrations when configured and
// returns a ready sink.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*SQLSink, error) {
	driver, err := cfg.Dialect.driverName()
	if err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: storage DSN is required", domain.ErrInvalidConfig)
	}

	if cfg.AutoMigrate {
		if err := Migrate(cfg.Dialect, cfg.DSN, logger); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Dialect, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach %s database: %w", cfg.Dialect, err)
	}

	s := NewSQLSink(db, cfg.Dialect, cfg.Table, logger)
	if cfg.QueryTimeout > 0 {
		s.timeout = cfg.QueryTimeout
	}
	s.logger.Info().Str("dialect", string(cfg.Dialect)).Str("table", s.table).Msg("Storage sink ready")
	return s, nil
}

// NewSQLSink wraps an open database. The table must already exist.
func NewSQLSink(db *sql.DB, dialect Dialect, table string, logger zerolog.Logger) *SQLSink {
	if table == "" {
		table = "tag_records"
	}
	return &SQLSink{
		db:      db,
		dialect: dialect,
		table:   table,
		timeout: 10 * time.Second,
		logger:  logger.With().Str("component", "sql-sink").Logger(),
	}
}

// WriteBatch inserts the records in one statement.
func (s *SQLSink) WriteBatch(ctx context.Context, records []domain.TagRecord) (domain.WriteResult, error) {
	if len(records) == 0 {
		return domain.WriteResult{}, nil
	}
	if limit := s.dialect.MaxBatchRows(); len(records) > limit {
		return domain.WriteResult{}, fmt.Errorf("%w: batch of %d records exceeds the %s limit of %d",
			domain.ErrInvalidConfig, len(records), s.dialect, limit)
	}

	query, args := s.buildInsert(records)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.WriteResult{}, fmt.Errorf("insert %d records: %w", len(records), err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.WriteResult{}, fmt.Errorf("rows affected: %w", err)
	}

	result := domain.WriteResult{
		Inserted:   int(affected),
		Duplicates: len(records) - int(affected),
	}
	if result.Duplicates > 0 {
		s.logger.Debug().Int("duplicates", result.Duplicates).Msg("Skipped rows already stored")
	}
	return result, nil
}

func (s *SQLSink) buildInsert(records []domain.TagRecord) (string, []interface{}) {
	var b strings.Builder
	b.Grow(96 + len(records)*recordColumns*5)
	b.WriteString("INSERT INTO ")
	b.WriteString(s.table)
	b.WriteString(" (ts, device_code, group_id, address, value, quality, error) VALUES ")

	args := make([]interface{}, 0, len(records)*recordColumns)
	n := 1
	for i, r := range records {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('(')
		for c := 0; c < recordColumns; c++ {
			if c > 0 {
				b.WriteByte(',')
			}
			b.WriteString(s.dialect.placeholder(n))
			n++
		}
		b.WriteByte(')')

		args = append(args,
			s.timestamp(r.Timestamp),
			r.DeviceCode,
			r.GroupID,
			r.Address,
			nullString(r.ValueString()),
			string(r.Quality),
			nullString(r.Error),
		)
	}
	b.WriteString(" ON CONFLICT (device_code, address, ts) DO NOTHING")
	return b.String(), args
}

// timestamp renders ts for the dialect. SQLite keeps text, so a fixed UTC
// layout keeps the unique key stable.
func (s *SQLSink) timestamp(ts time.Time) interface{} {
	if s.dialect == DialectSQLite {
		return ts.UTC().Format(time.RFC3339Nano)
	}
	return ts
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

// Count returns the number of stored rows.
func (s *SQLSink) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+s.table).Scan(&n)
	return n, err
}

// HealthCheck implements the health.Checker interface.
func (s *SQLSink) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLSink) Close() error {
	return s.db.Close()
}
