package idgen

import (
	"strings"
	"testing"
	"time"
)

func TestUUIDv7_Format(t *testing.T) {
	id := UUIDv7()()
	if parts := strings.Split(id, "-"); len(parts) != 5 {
		t.Fatalf("UUIDv7: expected 5 parts, got %d in %q", len(parts), id)
	}
	if len(id) != 36 {
		t.Fatalf("UUIDv7: expected length 36, got %d", len(id))
	}
}

func TestUUIDv7_Uniqueness(t *testing.T) {
	gen := UUIDv7()
	seen := make(map[string]struct{}, 100)
	for i := 0; i < 100; i++ {
		id := gen()
		if _, ok := seen[id]; ok {
			t.Fatalf("UUIDv7: duplicate at iteration %d", i)
		}
		seen[id] = struct{}{}
	}
}

func TestPrefixed(t *testing.T) {
	id := Prefixed("conn_", func() string { return "abc" })()
	if id != "conn_abc" {
		t.Fatalf("got %q", id)
	}
}

func fixedClock() time.Time {
	return time.Date(2026, 3, 4, 5, 6, 7, 890, time.Local)
}

func TestSeconds_Layout(t *testing.T) {
	id := Seconds(fixedClock)()
	if id != "2026-03-04-05-06-07" {
		t.Fatalf("got %q", id)
	}
}

func TestSeconds_SameSecondCollides(t *testing.T) {
	gen := Seconds(fixedClock)
	if a, b := gen(), gen(); a != b {
		t.Fatalf("expected identical names within one second, got %q and %q", a, b)
	}
}

func TestStamped_Unique(t *testing.T) {
	gen := Stamped(fixedClock, UUIDv7())
	a, b := gen(), gen()
	if a == b {
		t.Fatalf("Stamped collided: %q", a)
	}
	if !strings.HasPrefix(a, "2026-03-04-05-06-07_") {
		t.Fatalf("prefix: got %q", a)
	}
}
