// Package idgen provides pluggable ID generation for connections and
// artifact names.
//
// Constructors across the module accept a Generator, making the naming
// strategy a startup-time decision rather than a compile-time one.
package idgen

import (
	"time"

	"github.com/google/uuid"
)

// Generator produces string identifiers.
type Generator func() string

// SecondLayout is the artifact timestamp layout: one-second resolution.
const SecondLayout = "2006-01-02-15-04-05"

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// Time-sortable and globally unique.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends a fixed prefix to every ID ("conn_", "cap_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Seconds returns a Generator that formats now() with SecondLayout in local
// time. Two calls within the same second return the same value.
func Seconds(now func() time.Time) Generator {
	if now == nil {
		now = time.Now
	}
	return func() string {
		return now().Format(SecondLayout)
	}
}

// Stamped returns "<SecondLayout>_<suffix>" where suffix comes from gen.
// Sorts like Seconds but never collides when gen is unique.
func Stamped(now func() time.Time, gen Generator) Generator {
	sec := Seconds(now)
	return func() string {
		return sec() + "_" + gen()
	}
}

// Default is UUIDv7. Prefixed variants compose on top.
var Default Generator = UUIDv7()
