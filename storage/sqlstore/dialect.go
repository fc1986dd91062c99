package sqlstore

import (
	"fmt"
	"strconv"
	"strings"

	// Registered database/sql drivers.
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/c360/sensorstream/errors"
)

// Supported drivers as passed to sql.Open.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

type dialect struct {
	driver   string
	jsonType string
	blobType string
	timeType string
	numbered bool
	jsonCast string
}

var (
	postgresDialect = dialect{
		driver:   DriverPostgres,
		jsonType: "JSONB",
		blobType: "BYTEA",
		timeType: "TIMESTAMPTZ",
		numbered: true,
		jsonCast: "::jsonb",
	}
	sqliteDialect = dialect{
		driver:   DriverSQLite,
		jsonType: "TEXT",
		blobType: "BLOB",
		timeType: "TIMESTAMP",
	}
)

// dialectFor normalizes driver aliases.
func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "timescaledb", "pq":
		return postgresDialect, nil
	case "sqlite3", "sqlite":
		return sqliteDialect, nil
	default:
		return dialect{}, errors.WrapFatal(
			fmt.Errorf("%w: unsupported sql driver %q", errors.ErrInvalidConfig, driver),
			"Store", "Open", "select dialect")
	}
}

// placeholder returns the n-th (1-based) bind parameter.
func (d dialect) placeholder(n int) string {
	if d.numbered {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// placeholders returns count parameters starting at start, comma separated.
func (d dialect) placeholders(start, count int) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = d.placeholder(start + i)
	}
	return strings.Join(parts, ", ")
}
