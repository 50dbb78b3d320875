package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hazyhaar/imgcatch/horosafe"
)

// FSStore writes artifacts under one directory per kind. Each write goes to
// its own temporary sibling first and is renamed into place, so a crash never
// leaves a truncated artifact under its final name and concurrent writes of
// one name never interleave: the last rename wins.
type FSStore struct {
	dirs map[Kind]string
}

// NewFSStore creates requestDir (raw streams) and imageDir (images) if
// absent.
func NewFSStore(requestDir, imageDir string) (*FSStore, error) {
	s := &FSStore{dirs: map[Kind]string{
		KindRaw:   requestDir,
		KindImage: imageDir,
	}}
	for kind, dir := range s.dirs {
		if dir == "" {
			return nil, fmt.Errorf("artifact: empty directory for kind %s", kind)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("artifact: mkdir %s: %w", dir, err)
		}
	}
	return s, nil
}

// Dir returns the directory used for kind.
func (s *FSStore) Dir(kind Kind) string { return s.dirs[kind] }

// Put writes data to <dir(kind)>/<name><ext>.
func (s *FSStore) Put(ctx context.Context, kind Kind, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir, ok := s.dirs[kind]
	if !ok {
		return "", fmt.Errorf("artifact: unknown kind %q", kind)
	}
	if err := horosafe.ValidateName(name); err != nil {
		return "", fmt.Errorf("artifact: %w", err)
	}
	target, err := horosafe.SafePath(dir, name+kind.Ext())
	if err != nil {
		return "", fmt.Errorf("artifact: %w", err)
	}

	tmp, err := writeTemp(filepath.Dir(target), filepath.Base(target), data)
	if err != nil {
		return "", err
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("artifact: rename %s: %w", filepath.Base(target), err)
	}
	return target, nil
}

// writeTemp writes data to a fresh "<base>.*.tmp" file in dir and returns its
// path.
func writeTemp(dir, base string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, base+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("artifact: create temp for %s: %w", base, err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("artifact: write %s: %w", filepath.Base(tmp), err)
	}
	if err := f.Chmod(0o644); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("artifact: chmod %s: %w", filepath.Base(tmp), err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("artifact: close %s: %w", filepath.Base(tmp), err)
	}
	return tmp, nil
}
