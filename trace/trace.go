// Package trace registers a "sqlite-trace" database/sql driver that wraps
// modernc.org/sqlite and reports every statement it prepares or runs.
//
//	db, _ := dbopen.Open("ledger.db", dbopen.WithDriver(trace.DriverName))
//
// Each statement is logged through slog (Debug, Warn when slower than
// SlowThreshold, Error on failure) with the connection ID found on the
// context via kit.GetConnID. When a Recorder is installed with SetRecorder,
// entries are also handed to it for persistence.
package trace

import (
	"database/sql"
	"sync"
	"time"

	sqlite "modernc.org/sqlite"
)

// DriverName is the name the tracing driver is registered under.
const DriverName = "sqlite-trace"

// SlowThreshold is the duration above which a statement is logged at Warn.
const SlowThreshold = 100 * time.Millisecond

// Entry is one traced statement.
type Entry struct {
	ConnID     string // capture connection that issued the statement, if any
	Op         string // "Prepare", "Exec" or "Query"
	Query      string
	DurationUs int64
	Error      string
	Timestamp  int64 // unix microseconds
}

// Recorder persists trace entries. RecordAsync must not block.
type Recorder interface {
	RecordAsync(e *Entry)
	Close() error
}

var (
	recorder   Recorder
	recorderMu sync.RWMutex
)

// SetRecorder installs r as the process-wide recorder. nil restores
// log-only tracing.
func SetRecorder(r Recorder) {
	recorderMu.Lock()
	recorder = r
	recorderMu.Unlock()
}

func getRecorder() Recorder {
	recorderMu.RLock()
	defer recorderMu.RUnlock()
	return recorder
}

func init() {
	sql.Register(DriverName, &TracingDriver{Driver: &sqlite.Driver{}})
}
