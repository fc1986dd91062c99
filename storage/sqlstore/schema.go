package sqlstore

import "fmt"

const (
	metricsTable = "telemetry_metrics"
	rawTable     = "raw_blocks"
	devicesTable = "devices"
)

func (d dialect) schema() []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  device_id      TEXT    NOT NULL,
  ts_ms          BIGINT  NOT NULL,
  sample_rate_hz INTEGER NULL,
  sample_count   INTEGER NULL,
  metrics        %s      NULL,
  updated_at     %s      NOT NULL,
  PRIMARY KEY (device_id, ts_ms)
)`, metricsTable, d.jsonType, d.timeType),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  block_id       TEXT    PRIMARY KEY,
  device_id      TEXT    NOT NULL,
  ts_ms          BIGINT  NOT NULL,
  sample_rate_hz INTEGER NULL,
  sample_count   INTEGER NOT NULL,
  encoding       TEXT    NOT NULL,
  crc32          BIGINT  NULL,
  payload        %s      NOT NULL,
  received_at    %s      NOT NULL
)`, rawTable, d.blobType, d.timeType),

		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS raw_blocks_device_ts ON %s (device_id, ts_ms)`, rawTable),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  device_id  TEXT PRIMARY KEY,
  name       TEXT NULL,
  created_at %s   NOT NULL
)`, devicesTable, d.timeType),
	}
}

// hypertable converts the metrics table into a TimescaleDB hypertable
// partitioned by ts_ms in one-day chunks.
const hypertable = `SELECT create_hypertable('telemetry_metrics', 'ts_ms',
  chunk_time_interval => 86400000, if_not_exists => TRUE, migrate_data => TRUE)`
