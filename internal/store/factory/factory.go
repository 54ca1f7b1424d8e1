package factory

import (
	"errors"
	"strings"

	"github.com/loykin/indexkeeper/internal/store"
	pg "github.com/loykin/indexkeeper/internal/store/postgres"
	sq "github.com/loykin/indexkeeper/internal/store/sqlite"
)

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - sqlite:  "sqlite://<path>" or bare filepath (treated as sqlite)
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(dsn string) (store.Store, error) {
	return New(store.Config{DSN: dsn})
}

// New is NewFromDSN with pool settings.
func New(cfg store.Config) (store.Store, error) {
	d := strings.TrimSpace(cfg.DSN)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	cfg.DSN = d
	if IsPostgres(d) {
		return pg.NewWithConfig(cfg)
	}
	if strings.HasPrefix(ld, "sqlite://") {
		cfg.DSN = d[len("sqlite://"):]
		return sq.NewWithConfig(cfg)
	}
	// default to sqlite path
	return sq.NewWithConfig(cfg)
}

// IsPostgres reports whether dsn names a PostgreSQL database.
func IsPostgres(dsn string) bool {
	ld := strings.ToLower(strings.TrimSpace(dsn))
	return strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://")
}
