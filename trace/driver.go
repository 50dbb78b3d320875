package trace

import (
	"context"
	"database/sql/driver"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/imgcatch/kit"
)

// TracingDriver wraps a driver.Driver and returns connections whose prepared
// statements are timed and reported.
type TracingDriver struct {
	driver.Driver
}

func (d *TracingDriver) Open(name string) (driver.Conn, error) {
	conn, err := d.Driver.Open(name)
	if err != nil {
		return nil, err
	}
	return &tracingConn{Conn: conn}, nil
}

type tracingConn struct {
	driver.Conn
}

func (c *tracingConn) Prepare(query string) (driver.Stmt, error) {
	start := time.Now()
	stmt, err := c.Conn.Prepare(query)
	if err != nil {
		report(context.Background(), "Prepare", query, time.Since(start), err)
		return nil, err
	}
	return &tracingStmt{Stmt: stmt, query: query}, nil
}

func (c *tracingConn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	pc, ok := c.Conn.(driver.ConnPrepareContext)
	if !ok {
		return c.Prepare(query)
	}
	start := time.Now()
	stmt, err := pc.PrepareContext(ctx, query)
	if err != nil {
		report(ctx, "Prepare", query, time.Since(start), err)
		return nil, err
	}
	return &tracingStmt{Stmt: stmt, query: query}, nil
}

type tracingStmt struct {
	driver.Stmt
	query string
}

func (s *tracingStmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	start := time.Now()
	var (
		res driver.Result
		err error
	)
	if ec, ok := s.Stmt.(driver.StmtExecContext); ok {
		res, err = ec.ExecContext(ctx, args)
	} else {
		res, err = s.Stmt.Exec(namedToValues(args))
	}
	report(ctx, "Exec", s.query, time.Since(start), err)
	return res, err
}

func (s *tracingStmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	start := time.Now()
	var (
		rows driver.Rows
		err  error
	)
	if qc, ok := s.Stmt.(driver.StmtQueryContext); ok {
		rows, err = qc.QueryContext(ctx, args)
	} else {
		rows, err = s.Stmt.Query(namedToValues(args))
	}
	report(ctx, "Query", s.query, time.Since(start), err)
	return rows, err
}

func report(ctx context.Context, op, query string, d time.Duration, err error) {
	// Pragmas are only interesting when they fail or stall.
	if err == nil && d < 10*time.Millisecond && strings.HasPrefix(query, "PRAGMA ") {
		return
	}

	connID := kit.GetConnID(ctx)

	level := slog.LevelDebug
	switch {
	case err != nil:
		level = slog.LevelError
	case d > SlowThreshold:
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{
		slog.String("component", "sql"),
		slog.String("op", op),
		slog.String("query", query),
		slog.Duration("duration", d),
	}
	if connID != "" {
		attrs = append(attrs, slog.String("conn_id", connID))
	}
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		attrs = append(attrs, slog.String("error", errMsg))
	}
	slog.LogAttrs(ctx, level, "sql", attrs...)

	if r := getRecorder(); r != nil {
		r.RecordAsync(&Entry{
			ConnID:     connID,
			Op:         op,
			Query:      query,
			DurationUs: d.Microseconds(),
			Error:      errMsg,
			Timestamp:  time.Now().UnixMicro(),
		})
	}
}

func namedToValues(named []driver.NamedValue) []driver.Value {
	vals := make([]driver.Value, len(named))
	for i, nv := range named {
		vals[i] = nv.Value
	}
	return vals
}
