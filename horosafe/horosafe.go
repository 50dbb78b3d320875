// Package horosafe guards file names that end up on disk: artifact names are
// generated, but the store still refuses anything that could leave its
// directory.
package horosafe

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathTraversal is returned when a name escapes its base directory.
var ErrPathTraversal = errors.New("horosafe: path traversal detected")

// MaxNameLen bounds artifact names.
const MaxNameLen = 255

// SafePath joins base and name and verifies the result stays under base.
// Returns the cleaned path or ErrPathTraversal.
func SafePath(base, name string) (string, error) {
	if strings.Contains(name, "..") {
		return "", ErrPathTraversal
	}
	cleaned := filepath.Join(base, filepath.Clean("/"+name))
	root := filepath.Clean(base)
	if cleaned != root && !strings.HasPrefix(cleaned, root+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return cleaned, nil
}

// ValidateName rejects names unsuitable as a single file name. Allows
// alphanumeric, underscore, hyphen and dot.
func ValidateName(s string) error {
	if s == "" {
		return fmt.Errorf("horosafe: name must not be empty")
	}
	if len(s) > MaxNameLen {
		return fmt.Errorf("horosafe: name too long (max %d)", MaxNameLen)
	}
	for _, r := range s {
		if !isNameChar(r) {
			return fmt.Errorf("horosafe: invalid character %q in name", r)
		}
	}
	return nil
}

func isNameChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
}
