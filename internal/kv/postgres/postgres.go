// Package postgres provides a kv.Client backed by a Postgres table of
// (row_key, qualifier, value) triples. Keys are BYTEA and the primary key
// covers (row_key, qualifier), so range scans come back in byte order and a
// put can overwrite a single qualifier without touching the rest of the row.
package postgres

import (
	"context"
	"fmt"
	"regexp"

	"github.com/XSAM/otelsql"
	"github.com/jmoiron/sqlx"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/jensholdgaard/streamjournal/internal/config"
	"github.com/jensholdgaard/streamjournal/internal/kv"
)

func init() {
	kv.Register("postgres", openPostgres)
}

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// openPostgres is the kv.Driver for the "postgres" backend.
func openPostgres(ctx context.Context, cfg config.StoreConfig, table string) (kv.Client, error) {
	db, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewClient(db, table)
}

// Connect opens and verifies a Postgres connection with OTEL instrumentation.
func Connect(ctx context.Context, cfg config.StoreConfig) (*sqlx.DB, error) {
	dsn := cfg.DSN()

	// Register the OTel-instrumented driver wrapping lib/pq.
	driverName, err := otelsql.Register("postgres",
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		return nil, fmt.Errorf("registering otel driver: %w", err)
	}

	db, err := sqlx.ConnectContext(ctx, driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return db, nil
}

// Client implements kv.Client on a single Postgres table.
type Client struct {
	db    *sqlx.DB
	table string
}

// NewClient binds a client to a table on an open connection.
func NewClient(db *sqlx.DB, table string) (*Client, error) {
	if !identPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Client{db: db, table: table}, nil
}

// Put upserts each given qualifier of the row in one transaction.
func (c *Client) Put(ctx context.Context, key []byte, columns map[string][]byte) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (row_key, qualifier, value) VALUES ($1, $2, $3)
		 ON CONFLICT (row_key, qualifier) DO UPDATE SET value = EXCLUDED.value`,
		c.table))
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for q, v := range columns {
		if _, err := stmt.ExecContext(ctx, key, q, v); err != nil {
			return fmt.Errorf("upserting qualifier %q: %w", q, err)
		}
	}

	return tx.Commit()
}

// Get returns the row's columns, or nil if no qualifier exists at key.
func (c *Client) Get(ctx context.Context, key []byte) (map[string][]byte, error) {
	rows, err := c.db.QueryxContext(ctx, fmt.Sprintf(
		`SELECT qualifier, value FROM %s WHERE row_key = $1`, c.table), key)
	if err != nil {
		return nil, fmt.Errorf("reading row: %w", err)
	}
	defer rows.Close()

	var columns map[string][]byte
	for rows.Next() {
		var q string
		var v []byte
		if err := rows.Scan(&q, &v); err != nil {
			return nil, fmt.Errorf("scanning qualifier: %w", err)
		}
		if columns == nil {
			columns = make(map[string][]byte)
		}
		columns[q] = v
	}
	return columns, rows.Err()
}

// Delete removes every qualifier of the row at key.
func (c *Client) Delete(ctx context.Context, key []byte) error {
	if _, err := c.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE row_key = $1`, c.table), key); err != nil {
		return fmt.Errorf("deleting row: %w", err)
	}
	return nil
}

// Scan returns a scanner over keys in [start, stop) paging batchSize rows at
// a time by key.
func (c *Client) Scan(_ context.Context, start, stop []byte, batchSize int) (kv.Scanner, error) {
	if batchSize < 1 {
		batchSize = 1
	}
	return &scanner{client: c, next: start, stop: stop, batchSize: batchSize}, nil
}

// Flush is a no-op; writes are not buffered client-side.
func (c *Client) Flush(context.Context) error { return nil }

// Ping checks the underlying connection health.
func (c *Client) Ping(ctx context.Context) error { return c.db.PingContext(ctx) }

// Close closes the underlying connection.
func (c *Client) Close() error { return c.db.Close() }

type scanner struct {
	client    *Client
	next      []byte // inclusive lower bound of the next batch
	stop      []byte
	batchSize int
	done      bool
}

func (s *scanner) Next(ctx context.Context) ([]kv.Row, error) {
	if s.done {
		return nil, nil
	}

	// Page by whole row keys so one row's qualifiers never split across
	// batches.
	query := fmt.Sprintf(
		`SELECT row_key, qualifier, value FROM %[1]s
		 WHERE row_key IN (
		     SELECT DISTINCT row_key FROM %[1]s
		     WHERE ($1::bytea IS NULL OR row_key >= $1)
		       AND ($2::bytea IS NULL OR row_key < $2)
		     ORDER BY row_key
		     LIMIT $3
		 )
		 ORDER BY row_key, qualifier`, s.client.table)

	rows, err := s.client.db.QueryxContext(ctx, query, s.next, s.stop, s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("scanning range: %w", err)
	}
	defer rows.Close()

	var batch []kv.Row
	for rows.Next() {
		var key, value []byte
		var qualifier string
		if err := rows.Scan(&key, &qualifier, &value); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		if len(batch) == 0 || string(batch[len(batch)-1].Key) != string(key) {
			batch = append(batch, kv.Row{Key: key, Columns: make(map[string][]byte)})
		}
		batch[len(batch)-1].Columns[qualifier] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scanning range: %w", err)
	}

	if len(batch) == 0 {
		s.done = true
		return nil, nil
	}

	// Resume just above the last key of this batch.
	last := batch[len(batch)-1].Key
	s.next = append(append([]byte(nil), last...), 0x00)

	return batch, nil
}

func (s *scanner) Close() error {
	s.done = true
	return nil
}
