// Package ledger records every handled connection and the artifacts written
// for it in SQLite, so captures can be listed and traced back to files.
package ledger

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/hazyhaar/imgcatch/dbopen"
)

const schema = `
CREATE TABLE IF NOT EXISTS captures (
    conn_id      TEXT PRIMARY KEY,
    remote_addr  TEXT NOT NULL DEFAULT '',
    received_at  INTEGER NOT NULL,
    raw_bytes    INTEGER NOT NULL DEFAULT 0,
    outcome      TEXT NOT NULL,
    image_found  INTEGER NOT NULL DEFAULT 0,
    responded    INTEGER NOT NULL DEFAULT 0,
    duration_ms  INTEGER NOT NULL DEFAULT 0,
    error        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS artifacts (
    conn_id     TEXT NOT NULL REFERENCES captures(conn_id) ON DELETE CASCADE,
    kind        TEXT NOT NULL,
    name        TEXT NOT NULL,
    location    TEXT NOT NULL,
    size_bytes  INTEGER NOT NULL,
    blake2b     TEXT NOT NULL,
    PRIMARY KEY (conn_id, kind)
);

CREATE INDEX IF NOT EXISTS idx_captures_received ON captures(received_at DESC);
CREATE INDEX IF NOT EXISTS idx_captures_outcome  ON captures(outcome);
CREATE INDEX IF NOT EXISTS idx_artifacts_name    ON artifacts(kind, name);
`

// Capture is one handled connection.
type Capture struct {
	ConnID     string      `json:"conn_id"`
	RemoteAddr string      `json:"remote_addr"`
	ReceivedAt time.Time   `json:"received_at"`
	RawBytes   int64       `json:"raw_bytes"`
	Outcome    string      `json:"outcome"`
	ImageFound bool        `json:"image_found"`
	Responded  bool        `json:"responded"`
	DurationMS int64       `json:"duration_ms"`
	Error      string      `json:"error,omitempty"`
	Artifacts  []*Artifact `json:"artifacts,omitempty"`
}

// Artifact is one file written for a capture.
type Artifact struct {
	Kind      string `json:"kind"`
	Name      string `json:"name"`
	Location  string `json:"location"`
	SizeBytes int64  `json:"size_bytes"`
	Blake2b   string `json:"blake2b"`
}

// Digest returns the hex BLAKE2b-256 of data.
func Digest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Ledger wraps the SQLite database.
type Ledger struct {
	db *sql.DB
}

// Open opens (or creates) the ledger at path.
func Open(path string, opts ...dbopen.Option) (*Ledger, error) {
	opts = append([]dbopen.Option{dbopen.WithMkdirAll(), dbopen.WithSchema(schema)}, opts...)
	db, err := dbopen.Open(path, opts...)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return &Ledger{db: db}, nil
}

// New applies the schema to an already open database.
func New(db *sql.DB) (*Ledger, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close closes the database.
func (l *Ledger) Close() error { return l.db.Close() }

// RecordCapture inserts c and its artifacts in one transaction.
func (l *Ledger) RecordCapture(ctx context.Context, c *Capture) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO captures (conn_id, remote_addr, received_at, raw_bytes, outcome,
		                      image_found, responded, duration_ms, error)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ConnID, c.RemoteAddr, c.ReceivedAt.Unix(), c.RawBytes, c.Outcome,
		c.ImageFound, c.Responded, c.DurationMS, c.Error)
	if err != nil {
		return fmt.Errorf("insert capture %s: %w", c.ConnID, err)
	}
	for _, a := range c.Artifacts {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO artifacts (conn_id, kind, name, location, size_bytes, blake2b)
			VALUES (?,?,?,?,?,?)`,
			c.ConnID, a.Kind, a.Name, a.Location, a.SizeBytes, a.Blake2b)
		if err != nil {
			return fmt.Errorf("insert artifact %s/%s: %w", c.ConnID, a.Kind, err)
		}
	}
	return tx.Commit()
}

const captureColumns = `conn_id, remote_addr, received_at, raw_bytes, outcome,
	image_found, responded, duration_ms, error`

func scanCapture(row interface{ Scan(...any) error }) (*Capture, error) {
	var (
		c  Capture
		ts int64
	)
	if err := row.Scan(&c.ConnID, &c.RemoteAddr, &ts, &c.RawBytes, &c.Outcome,
		&c.ImageFound, &c.Responded, &c.DurationMS, &c.Error); err != nil {
		return nil, err
	}
	c.ReceivedAt = time.Unix(ts, 0)
	return &c, nil
}

// GetCapture returns the capture with its artifacts, or nil, nil if absent.
func (l *Ledger) GetCapture(ctx context.Context, connID string) (*Capture, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+captureColumns+` FROM captures WHERE conn_id = ?`, connID)
	c, err := scanCapture(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get capture %s: %w", connID, err)
	}
	c.Artifacts, err = l.ListArtifacts(ctx, connID)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListCaptures returns the newest captures first, without artifacts.
func (l *Ledger) ListCaptures(ctx context.Context, limit int) ([]*Capture, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+captureColumns+` FROM captures ORDER BY received_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list captures: %w", err)
	}
	defer rows.Close()

	var out []*Capture
	for rows.Next() {
		c, err := scanCapture(rows)
		if err != nil {
			return nil, fmt.Errorf("scan capture: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListArtifacts returns the artifacts of one capture, raw before image.
func (l *Ledger) ListArtifacts(ctx context.Context, connID string) ([]*Artifact, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT kind, name, location, size_bytes, blake2b
		FROM artifacts WHERE conn_id = ? ORDER BY kind DESC`, connID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts %s: %w", connID, err)
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.Kind, &a.Name, &a.Location, &a.SizeBytes, &a.Blake2b); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// CountCaptures counts captures with the given outcome, or all when empty.
func (l *Ledger) CountCaptures(ctx context.Context, outcome string) (int, error) {
	var (
		n   int
		err error
	)
	if outcome == "" {
		err = l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM captures`).Scan(&n)
	} else {
		err = l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM captures WHERE outcome = ?`, outcome).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count captures: %w", err)
	}
	return n, nil
}
