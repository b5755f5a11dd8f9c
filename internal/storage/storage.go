// Package storage holds helpers shared by the artifact store backends.
// Artifacts are laid out as <root>/<partition>/<filename>.
package storage

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/JakeFAU/paper-harvester/internal/harvest"
)

// ErrInvalidKey is returned for empty or path-escaping partition/filename pairs.
var ErrInvalidKey = errors.New("invalid artifact key")

// ValidateKey rejects keys that are empty or could escape the store root.
func ValidateKey(partition, filename string) error {
	for _, part := range []struct{ name, value string }{
		{"partition", partition},
		{"filename", filename},
	} {
		v := strings.TrimSpace(part.value)
		if v == "" {
			return fmt.Errorf("%w: %s is required: %w", ErrInvalidKey, part.name, harvest.ErrStorage)
		}
		if v == "." || v == ".." || strings.ContainsAny(v, `/\`) || strings.Contains(v, "\x00") {
			return fmt.Errorf("%w: %s %q: %w", ErrInvalidKey, part.name, part.value, harvest.ErrStorage)
		}
	}
	return nil
}

// ObjectKey joins an optional prefix with the partition and filename using
// forward slashes.
func ObjectKey(prefix, partition, filename string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return path.Join(partition, filename)
	}
	return path.Join(prefix, partition, filename)
}

// Wrap tags err as a storage failure.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, harvest.ErrStorage) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, harvest.ErrStorage, err)
}

// Key addresses one stored artifact.
type Key struct {
	Partition string
	Filename  string
}
