package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Dialect captures the differences between the supported SQL backends.
// Queries are written with '?' placeholders and rebound for backends that
// use numbered parameters.
type Dialect struct {
	Name     string   // "sqlite" or "postgres"
	Schema   []string // DDL executed by EnsureSchema, in order
	Numbered bool     // use $1, $2, ... instead of ?
	// IsTransient lets a backend classify driver specific connection errors.
	IsTransient func(error) bool
}

// Rebind rewrites '?' placeholders for d.
func (d Dialect) Rebind(q string) string {
	if !d.Numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// placeholders returns "?, ?, ?" with n entries.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (d Dialect) transient(err error) bool {
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	// database/sql does not export its closed-pool error.
	if strings.Contains(err.Error(), "sql: database is closed") {
		return true
	}
	if d.IsTransient != nil && d.IsTransient(err) {
		return true
	}
	return false
}

// Classify wraps err with op context and maps it onto the package sentinels.
func (d Dialect) Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if d.transient(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrTransientStorage, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
