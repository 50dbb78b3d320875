package artifact

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps artifacts in a map. Locations have the form
// "mem://<kind>/<name><ext>".
type MemoryStore struct {
	mu    sync.Mutex
	files map[Kind]map[string][]byte
	puts  int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{files: make(map[Kind]map[string][]byte)}
}

// Put stores a copy of data.
func (m *MemoryStore) Put(ctx context.Context, kind Kind, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if kind.Ext() == "" {
		return "", fmt.Errorf("artifact: unknown kind %q", kind)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files[kind] == nil {
		m.files[kind] = make(map[string][]byte)
	}
	m.files[kind][name] = append([]byte(nil), data...)
	m.puts++
	return "mem://" + string(kind) + "/" + name + kind.Ext(), nil
}

// Get returns the stored bytes for kind/name.
func (m *MemoryStore) Get(kind Kind, name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[kind][name]
	return b, ok
}

// Names lists stored names of kind, sorted.
func (m *MemoryStore) Names(kind Kind) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.files[kind]))
	for n := range m.files[kind] {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Puts counts successful Put calls, including overwrites.
func (m *MemoryStore) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}
