package trace

import (
	"context"
	"database/sql"
	"slices"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/imgcatch/kit"
)

func openPlain(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func newStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db := openPlain(t)
	s := NewStore(db)
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s, db
}

func count(t *testing.T, db *sql.DB, where string) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM sql_traces " + where).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestDriverRegistered(t *testing.T) {
	if !slices.Contains(sql.Drivers(), DriverName) {
		t.Fatalf("%s not registered", DriverName)
	}
}

func TestStore_CloseFlushes(t *testing.T) {
	s, db := newStore(t)
	for i := 0; i < 10; i++ {
		s.RecordAsync(&Entry{ConnID: "conn_a", Op: "Query", Query: "SELECT 1", DurationUs: 42, Timestamp: time.Now().UnixMicro()})
	}
	s.Close()
	s.Close()

	if n := count(t, db, "WHERE conn_id = 'conn_a'"); n != 10 {
		t.Fatalf("traces = %d, want 10", n)
	}
}

func TestStore_BatchFlush(t *testing.T) {
	s, db := newStore(t)
	for i := 0; i < 100; i++ {
		s.RecordAsync(&Entry{Op: "Exec", Query: "INSERT", Timestamp: time.Now().UnixMicro()})
	}
	s.Close()
	if n := count(t, db, ""); n != 100 {
		t.Fatalf("traces = %d, want 100", n)
	}
}

func TestStore_ErrorField(t *testing.T) {
	s, db := newStore(t)
	s.RecordAsync(&Entry{Op: "Exec", Query: "bad sql", Error: "syntax error", Timestamp: 1})
	s.Close()

	var msg string
	if err := db.QueryRow("SELECT error FROM sql_traces WHERE query = 'bad sql'").Scan(&msg); err != nil {
		t.Fatal(err)
	}
	if msg != "syntax error" {
		t.Fatalf("error = %q", msg)
	}
}

func TestTracingDriver_RecordsWithConnID(t *testing.T) {
	s, traceDB := newStore(t)
	SetRecorder(s)
	defer SetRecorder(nil)

	db, err := sql.Open(DriverName, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	defer db.Close()

	ctx := kit.WithConnID(context.Background(), "conn_x")
	if _, err := db.ExecContext(ctx, "CREATE TABLE t (id INTEGER)"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ExecContext(ctx, "INSERT INTO t VALUES (1)"); err != nil {
		t.Fatal(err)
	}
	var v int
	if err := db.QueryRowContext(ctx, "SELECT id FROM t").Scan(&v); err != nil || v != 1 {
		t.Fatalf("select = %d, %v", v, err)
	}
	if _, err := db.ExecContext(ctx, "INSERT INTO missing VALUES (1)"); err == nil {
		t.Fatal("expected error for missing table")
	}
	db.Exec("PRAGMA user_version")

	s.Close()
	if n := count(t, traceDB, "WHERE conn_id = 'conn_x'"); n < 3 {
		t.Fatalf("conn_x traces = %d, want >= 3", n)
	}
	if n := count(t, traceDB, "WHERE error != ''"); n == 0 {
		t.Fatal("failed statement not traced")
	}
	if n := count(t, traceDB, "WHERE query LIKE 'PRAGMA%'"); n != 0 {
		t.Fatalf("fast pragma traced %d times", n)
	}
}

func TestSetRecorder(t *testing.T) {
	if getRecorder() != nil {
		t.Fatal("expected no recorder")
	}
	s, _ := newStore(t)
	SetRecorder(s)
	if getRecorder() != s {
		t.Fatal("recorder not installed")
	}
	SetRecorder(nil)
	if getRecorder() != nil {
		t.Fatal("recorder not cleared")
	}
}
