package clickhouse

import (
	"context"
	"fmt"
	"regexp"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/indexkeeper/internal/history"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// Options configures the ClickHouse connection.
type Options struct {
	Addr     string // host:port of the native protocol
	Database string
	Username string
	Password string
	Table    string
}

// Sink sends run events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

// New connects with default credentials, as a local ClickHouse ships with.
func New(addr, table string) (*Sink, error) {
	return Open(Options{Addr: addr, Table: table})
}

func Open(o Options) (*Sink, error) {
	if o.Database == "" {
		o.Database = "default"
	}
	if o.Username == "" {
		o.Username = "default"
	}
	if o.Table == "" {
		o.Table = "run_history"
	}
	if !tableName.MatchString(o.Table) {
		return nil, fmt.Errorf("invalid ClickHouse table name %q", o.Table)
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{o.Addr},
		Auth: clickhouse.Auth{
			Database: o.Database,
			Username: o.Username,
			Password: o.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	// Test the connection
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := &Sink{
		conn:  conn,
		table: o.Table,
	}
	if err := s.EnsureTable(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create ClickHouse table %s: %w", o.Table, err)
	}
	return s, nil
}

// EnsureTable creates the history table if it does not exist. Open calls it.
func (s *Sink) EnsureTable(ctx context.Context) error {
	return s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			type String,
			occurred_at DateTime64(3),
			run_id String,
			status LowCardinality(String),
			trigger_kind LowCardinality(String),
			client_ref String,
			source_uri String,
			started_at DateTime64(3),
			completed_at Nullable(DateTime64(3)),
			files_scanned Int64,
			files_added Int64,
			files_updated Int64,
			files_skipped Int64,
			files_failed Int64,
			error_count UInt32
		) ENGINE = MergeTree()
		ORDER BY (occurred_at, run_id)
	`)
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (type, occurred_at, run_id, status, trigger_kind, client_ref, source_uri,
		started_at, completed_at, files_scanned, files_added, files_updated, files_skipped, files_failed, error_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	r := e.Run
	err := s.conn.Exec(ctx, query,
		string(e.Type),
		e.OccurredAt,
		r.ID,
		string(r.Status),
		string(r.Trigger),
		r.ClientRef,
		r.SourceURI,
		r.StartedAt,
		r.CompletedAt,
		r.Counters.Scanned,
		r.Counters.Added,
		r.Counters.Updated,
		r.Counters.Skipped,
		r.Counters.Failed,
		uint32(len(r.Errors)),
	)

	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}

	return nil
}
