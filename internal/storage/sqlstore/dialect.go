package sqlstore

import (
	"strconv"
	"strings"
)

// Dialect selects the row-locking clause for the claim query and the
// placeholder style. SKIP LOCKED lets concurrent workers claim disjoint
// batches without blocking each other; backends without it fall back to
// plain FOR UPDATE, and SQLite relies on the surrounding transaction.
type Dialect int

const (
	DialectPostgres Dialect = iota // FOR UPDATE SKIP LOCKED (>= 9.5)
	DialectMySQL                   // FOR UPDATE (pre-8.0.1 tier)
	DialectSQLite                  // no lock clause
)

// DialectForDriver maps a database/sql driver name to its dialect.
func DialectForDriver(driver string) Dialect {
	switch driver {
	case "pgx", "postgres":
		return DialectPostgres
	case "mysql":
		return DialectMySQL
	default:
		return DialectSQLite
	}
}

func (d Dialect) lockClause() string {
	switch d {
	case DialectPostgres:
		return " FOR UPDATE SKIP LOCKED"
	case DialectMySQL:
		return " FOR UPDATE"
	default:
		return ""
	}
}

// rebind converts ?-style placeholders to $N for Postgres. Queries in
// this package are written with ?, which MySQL and SQLite take as-is.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
