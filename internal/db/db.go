package db

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/blackboxhq/blackbox/internal/config"
)

// Open returns a *sql.DB based on the configured driver.
func Open(cfg *config.Config) (*sql.DB, error) {
	switch cfg.DBDriver {
	case "sqlite":
		return openSQLite(cfg.DBPath)
	case "postgres":
		return openPostgres(cfg.DBUrl)
	default:
		return nil, fmt.Errorf("unsupported db driver: %s", cfg.DBDriver)
	}
}

// Rebind converts `?` placeholders to `$1..$N` for postgres. Queries in this
// codebase are written sqlite-style; call Rebind before executing them.
func Rebind(driver, query string) string {
	if driver != "postgres" {
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
