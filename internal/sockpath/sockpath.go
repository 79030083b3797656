package sockpath

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// MaxLen is the longest path a Unix socket can be bound to on Linux.
const MaxLen = 107

var ErrTooLong = errors.New("socket path too long")

// Dir creates a directory only the current user can access, under parent or
// the system temp dir when parent is empty.
func Dir(parent, prefix string) (string, error) {
	dir, err := os.MkdirTemp(parent, prefix)
	if err != nil {
		return "", fmt.Errorf("creating temp dir: %w", err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("restricting %s: %w", dir, err)
	}
	return dir, nil
}

// New returns a socket path in dir that nothing has used yet.
func New(dir, name string) (string, error) {
	p := filepath.Join(dir, fmt.Sprintf("%s-%s.sock", name, uuid.NewString()[:8]))
	if err := Check(p); err != nil {
		return "", err
	}
	return p, nil
}

func Check(path string) error {
	if len(path) > MaxLen {
		return fmt.Errorf("%w: %q is %d bytes, the limit is %d", ErrTooLong, path, len(path), MaxLen)
	}
	return nil
}
