// Package sqlstore persists metric records, raw blocks and the device
// registry in PostgreSQL (optionally TimescaleDB) or SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360/sensorstream/errors"
	"github.com/c360/sensorstream/pkg/retry"
	"github.com/c360/sensorstream/storage"
	"github.com/c360/sensorstream/telemetry"
)

// rowsPerStatement keeps multi-row upserts under SQLite's default limit of
// 999 bind parameters.
const rowsPerStatement = 150

// Config configures the SQL store.
type Config struct {
	Driver          string        `json:"driver" yaml:"driver"`
	DSN             string        `json:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	// Timescale turns telemetry_metrics into a hypertable on startup.
	Timescale bool `json:"timescale" yaml:"timescale"`
}

// Store implements storage.Store on database/sql.
type Store struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
	now     func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Open connects to the database, retrying while it comes up, and creates
// the schema.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Store", "Open", "dsn is required")
	}

	db, err := sql.Open(d.driver, cfg.DSN)
	if err != nil {
		return nil, errors.WrapFatal(err, "Store", "Open", "open database")
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

	err = retry.Do(ctx, retry.Startup(), func() error {
		return db.PingContext(ctx)
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.WrapFatal(err, "Store", "Open", "ping database")
	}

	s := New(db, d.driver, logger)
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if cfg.Timescale && d.driver == DriverPostgres {
		if _, err := db.ExecContext(ctx, hypertable); err != nil {
			_ = db.Close()
			return nil, errors.WrapFatal(err, "Store", "Open", "create hypertable")
		}
	}

	s.logger.Info("sql store ready", "driver", d.driver, "timescale", cfg.Timescale)
	return s, nil
}

// New wraps an open database. driver must be one of the supported drivers or
// an alias; unknown drivers fall back to the SQLite dialect.
func New(db *sql.DB, driver string, logger *slog.Logger) *Store {
	d, err := dialectFor(driver)
	if err != nil {
		d = sqliteDialect
	}
	if logger == nil {
		logger = slog.Default().With("component", "sqlstore")
	}
	return &Store{db: db, dialect: d, logger: logger, now: time.Now}
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks the connection, for health endpoints.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.WrapFatal(err, "Store", "EnsureSchema", "create schema")
		}
	}
	return nil
}

// WriteRawBlock inserts block. A block id that is already stored is left
// untouched.
func (s *Store) WriteRawBlock(ctx context.Context, block *telemetry.RawBlock) error {
	d := s.dialect
	q := fmt.Sprintf(`INSERT INTO %s
  (block_id, device_id, ts_ms, sample_rate_hz, sample_count, encoding, crc32, payload, received_at)
VALUES (%s)
ON CONFLICT (block_id) DO NOTHING`, rawTable, d.placeholders(1, 9))

	var crc any
	if block.CRC32 != nil {
		crc = int64(*block.CRC32)
	}
	payload := block.Payload
	if payload == nil {
		payload = []byte{}
	}

	_, err := s.db.ExecContext(ctx, q,
		block.BlockID, block.DeviceID, block.TimestampMillis, block.SampleRateHz,
		block.SampleCount, block.Encoding, crc, payload, s.now().UTC())
	if err != nil {
		return errors.WrapTransient(err, "Store", "WriteRawBlock", "insert raw block")
	}
	return nil
}

// UpsertMetricBatch merges records into telemetry_metrics in one transaction.
// Each column keeps its stored value when the incoming one is NULL.
func (s *Store) UpsertMetricBatch(ctx context.Context, records []telemetry.MetricRecord) error {
	merged := storage.MergeBatch(records)
	if len(merged) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(err, "Store", "UpsertMetricBatch", "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()
	for start := 0; start < len(merged); start += rowsPerStatement {
		end := min(start+rowsPerStatement, len(merged))
		rows := merged[start:end]

		args := make([]any, 0, len(rows)*6)
		for i := range rows {
			r := &rows[i]
			args = append(args, r.DeviceID, r.TimestampMillis, r.SampleRateHz, r.SampleCount,
				nullableJSON(r.Metrics), now)
		}

		if _, err := tx.ExecContext(ctx, s.upsertStatement(len(rows)), args...); err != nil {
			return errors.WrapTransient(err, "Store", "UpsertMetricBatch", "exec upsert")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.WrapTransient(err, "Store", "UpsertMetricBatch", "commit")
	}
	return nil
}

func (s *Store) upsertStatement(rows int) string {
	d := s.dialect
	var b strings.Builder

	fmt.Fprintf(&b, "INSERT INTO %s (device_id, ts_ms, sample_rate_hz, sample_count, metrics, updated_at)\nVALUES ", metricsTable)
	n := 1
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(",\n  ")
		}
		fmt.Fprintf(&b, "(%s, %s, %s, %s, %s%s, %s)",
			d.placeholder(n), d.placeholder(n+1), d.placeholder(n+2), d.placeholder(n+3),
			d.placeholder(n+4), d.jsonCast, d.placeholder(n+5))
		n += 6
	}
	fmt.Fprintf(&b, `
ON CONFLICT (device_id, ts_ms) DO UPDATE SET
  sample_rate_hz = COALESCE(excluded.sample_rate_hz, %[1]s.sample_rate_hz),
  sample_count   = COALESCE(excluded.sample_count, %[1]s.sample_count),
  metrics        = COALESCE(excluded.metrics, %[1]s.metrics),
  updated_at     = excluded.updated_at`, metricsTable)

	return b.String()
}

// nullableJSON binds JSON as text so Postgres can cast it to jsonb.
func nullableJSON(raw []byte) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}

// DeviceExists reports whether deviceID is in the devices table.
func (s *Store) DeviceExists(ctx context.Context, deviceID string) (bool, error) {
	q := fmt.Sprintf(`SELECT 1 FROM %s WHERE device_id = %s`, devicesTable, s.dialect.placeholder(1))

	var one int
	err := s.db.QueryRowContext(ctx, q, deviceID).Scan(&one)
	if stderrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.WrapTransient(err, "Store", "DeviceExists", "query device")
	}
	return true, nil
}

// RegisterDevice adds a device to the registry. Registering an existing
// device is a no-op.
func (s *Store) RegisterDevice(ctx context.Context, deviceID, name string) error {
	if deviceID == "" {
		return errors.WrapInvalid(errors.ErrMissingDevice, "Store", "RegisterDevice", "validate")
	}
	q := fmt.Sprintf(`INSERT INTO %s (device_id, name, created_at) VALUES (%s)
ON CONFLICT (device_id) DO NOTHING`, devicesTable, s.dialect.placeholders(1, 3))

	if _, err := s.db.ExecContext(ctx, q, deviceID, name, s.now().UTC()); err != nil {
		return errors.WrapTransient(err, "Store", "RegisterDevice", "insert device")
	}
	return nil
}

// GetMetric reads one stored metric record.
func (s *Store) GetMetric(ctx context.Context, deviceID string, tsMillis int64) (telemetry.MetricRecord, error) {
	d := s.dialect
	q := fmt.Sprintf(`SELECT sample_rate_hz, sample_count, metrics FROM %s WHERE device_id = %s AND ts_ms = %s`,
		metricsTable, d.placeholder(1), d.placeholder(2))

	var (
		rate, count sql.NullInt64
		metrics     sql.NullString
	)
	err := s.db.QueryRowContext(ctx, q, deviceID, tsMillis).Scan(&rate, &count, &metrics)
	if err != nil {
		return telemetry.MetricRecord{}, errors.Wrap(err, "Store", "GetMetric", "query metric")
	}

	rec := telemetry.MetricRecord{DeviceID: deviceID, TimestampMillis: tsMillis}
	if rate.Valid {
		v := int(rate.Int64)
		rec.SampleRateHz = &v
	}
	if count.Valid {
		v := int(count.Int64)
		rec.SampleCount = &v
	}
	if metrics.Valid {
		rec.Metrics = []byte(metrics.String)
	}
	return rec, nil
}

// GetRawBlock reads one stored raw block.
func (s *Store) GetRawBlock(ctx context.Context, blockID string) (telemetry.RawBlock, error) {
	q := fmt.Sprintf(`SELECT device_id, ts_ms, sample_rate_hz, sample_count, encoding, crc32, payload
FROM %s WHERE block_id = %s`, rawTable, s.dialect.placeholder(1))

	var (
		blk  = telemetry.RawBlock{BlockID: blockID}
		rate sql.NullInt64
		crc  sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, q, blockID).Scan(
		&blk.DeviceID, &blk.TimestampMillis, &rate, &blk.SampleCount, &blk.Encoding, &crc, &blk.Payload)
	if err != nil {
		return telemetry.RawBlock{}, errors.Wrap(err, "Store", "GetRawBlock", "query raw block")
	}
	if rate.Valid {
		v := int(rate.Int64)
		blk.SampleRateHz = &v
	}
	if crc.Valid {
		v := uint32(crc.Int64)
		blk.CRC32 = &v
	}
	return blk, nil
}
