package snapshot

import (
	"context"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"
)

// PgxDialer opens plain pgx connections for the COPY protocol. It must be
// given the same DSN as the engine's connection.
type PgxDialer struct {
	dsn string
}

// NewPgxDialer creates a dialer for dsn
func NewPgxDialer(dsn string) *PgxDialer {
	return &PgxDialer{dsn: dsn}
}

// Open connects a new bulk connection
func (d *PgxDialer) Open(ctx context.Context) (BulkConn, error) {
	conn, err := pgx.Connect(ctx, d.dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return &pgxConn{conn: conn}, nil
}

type pgxConn struct {
	conn *pgx.Conn
}

func (c *pgxConn) Exec(ctx context.Context, sql string) (int64, error) {
	results, err := c.conn.PgConn().Exec(ctx, sql).ReadAll()
	if err != nil {
		return 0, err
	}

	var affected int64
	for _, r := range results {
		if r.Err != nil {
			return affected, r.Err
		}
		affected += r.CommandTag.RowsAffected()
	}
	return affected, nil
}

func (c *pgxConn) CopyOut(ctx context.Context, w io.Writer, sql string) (int64, error) {
	tag, err := c.conn.PgConn().CopyTo(ctx, w, sql)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c *pgxConn) CopyIn(ctx context.Context, r io.Reader, sql string) (int64, error) {
	tag, err := c.conn.PgConn().CopyFrom(ctx, r, sql)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// columnsQuery lists live columns; attgenerated is set for stored generated
// columns
const columnsQuery = `SELECT attname, attgenerated <> '' FROM pg_attribute
WHERE attrelid = to_regclass($1) AND attnum > 0 AND NOT attisdropped
ORDER BY attnum`

// Columns returns ErrTableMissing when table does not exist
func (c *pgxConn) Columns(ctx context.Context, table string) ([]Column, error) {
	rows, err := c.conn.Query(ctx, columnsQuery, QuoteTable(table))
	if err != nil {
		return nil, err
	}
	columns, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Column])
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTableMissing, table)
	}
	return columns, nil
}

func (c *pgxConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}
