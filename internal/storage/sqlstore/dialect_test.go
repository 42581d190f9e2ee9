package sqlstore

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDialectForDriver(t *testing.T) {
	assert.Equal(t, DialectPostgres, DialectForDriver("pgx"))
	assert.Equal(t, DialectPostgres, DialectForDriver("postgres"))
	assert.Equal(t, DialectMySQL, DialectForDriver("mysql"))
	assert.Equal(t, DialectSQLite, DialectForDriver("sqlite"))
	assert.Equal(t, DialectSQLite, DialectForDriver("anything-else"))
}

func TestLockClause(t *testing.T) {
	assert.Equal(t, " FOR UPDATE SKIP LOCKED", DialectPostgres.lockClause())
	assert.Equal(t, " FOR UPDATE", DialectMySQL.lockClause())
	assert.Equal(t, "", DialectSQLite.lockClause())
}

func TestRebind(t *testing.T) {
	q := "SELECT id FROM actions WHERE status = ? AND scheduled_at <= ? LIMIT ?"

	assert.Equal(t,
		"SELECT id FROM actions WHERE status = $1 AND scheduled_at <= $2 LIMIT $3",
		DialectPostgres.rebind(q))

	// non-postgres dialects pass through untouched
	assert.Equal(t, q, DialectMySQL.rebind(q))
	assert.Equal(t, q, DialectSQLite.rebind(q))
}

func TestRebindPastTwoDigits(t *testing.T) {
	// IN-clauses for batch updates can exceed 99 placeholders
	q := "IN (" + strings.TrimSuffix(strings.Repeat("?,", 120), ",") + ")"
	got := DialectPostgres.rebind(q)
	assert.Contains(t, got, "$120")
	assert.NotContains(t, got, "?")
	for i := 1; i <= 120; i++ {
		assert.Contains(t, got, fmt.Sprintf("$%d", i))
	}
}
