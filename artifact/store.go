// Package artifact persists the files produced for one connection: the raw
// stream and, when found, the embedded image.
//
// Callers depend on the Store interface; FSStore writes to disk, MemoryStore
// backs tests.
package artifact

import (
	"context"
	"fmt"
	"time"

	"github.com/hazyhaar/imgcatch/idgen"
)

// Kind identifies an artifact family. Each kind maps to its own directory
// and file extension.
type Kind string

const (
	KindRaw   Kind = "raw"
	KindImage Kind = "image"
)

// Ext returns the file extension for the kind.
func (k Kind) Ext() string {
	switch k {
	case KindRaw:
		return ".bin"
	case KindImage:
		return ".jpg"
	}
	return ""
}

// Store writes an artifact by name. name carries no extension; the store
// derives it from kind. Put returns the location the artifact was written to.
// Writing an existing name replaces it.
type Store interface {
	Put(ctx context.Context, kind Kind, name string, data []byte) (string, error)
}

// Naming strategies accepted by NewNamer.
const (
	NamingTimestamp = "timestamp"
	NamingUnique    = "unique"
)

// NewNamer returns the artifact name generator for strategy.
//
// "timestamp" yields 2006-01-02-15-04-05: two connections within the same
// second get the same name and the later write overwrites the earlier one.
// "unique" appends a UUIDv7 and never collides.
func NewNamer(strategy string, now func() time.Time) (idgen.Generator, error) {
	switch strategy {
	case "", NamingTimestamp:
		return idgen.Seconds(now), nil
	case NamingUnique:
		return idgen.Stamped(now, idgen.UUIDv7()), nil
	}
	return nil, fmt.Errorf("artifact: unknown naming strategy %q", strategy)
}
