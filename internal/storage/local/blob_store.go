// Package local implements the filesystem artifact store.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/JakeFAU/paper-harvester/internal/harvest"
	"github.com/JakeFAU/paper-harvester/internal/storage"
)

// Config captures the parameters for the local filesystem store.
type Config struct {
	// BaseDir is the root directory; artifacts land in BaseDir/<partition>/<filename>.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes artifacts to the local filesystem. Writes for the same
// key are serialized and published atomically via rename.
type BlobStore struct {
	baseDir string
	hasher  harvest.Hasher

	mu    sync.Mutex
	locks map[string]*keyLock
}

// keyLock is dropped from the map once no Save holds or waits on it.
type keyLock struct {
	sync.Mutex
	refs int
}

// New creates a new local filesystem store after checking BaseDir is a
// writable directory.
func New(cfg Config, hasher harvest.Hasher) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &BlobStore{
		baseDir: filepath.Clean(cfg.BaseDir),
		hasher:  hasher,
		locks:   make(map[string]*keyLock),
	}, nil
}

// BaseDir returns the store root.
func (s *BlobStore) BaseDir() string {
	return s.baseDir
}

// Save writes data unless a non-empty file already exists for the key.
func (s *BlobStore) Save(_ context.Context, partition, filename string, data []byte) (harvest.ArtifactRecord, error) {
	fullPath, err := s.resolve(partition, filename)
	if err != nil {
		return harvest.ArtifactRecord{}, err
	}
	if len(data) == 0 {
		return harvest.ArtifactRecord{}, storage.Wrap("save artifact", fmt.Errorf("empty artifact %s/%s", partition, filename))
	}

	unlock := s.lock(fullPath)
	defer unlock()

	rec, ok, err := s.stat(partition, filename, fullPath)
	if err != nil {
		return harvest.ArtifactRecord{}, err
	}
	if ok {
		return s.withChecksum(rec)
	}

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return harvest.ArtifactRecord{}, storage.Wrap("create partition directory", err)
	}
	if err := writeAtomic(dir, fullPath, data); err != nil {
		return harvest.ArtifactRecord{}, storage.Wrap("save artifact", err)
	}

	sum, err := s.hasher.Hash(data)
	if err != nil {
		return harvest.ArtifactRecord{}, storage.Wrap("hash artifact", err)
	}
	return harvest.ArtifactRecord{
		Partition: partition,
		Filename:  filename,
		Path:      fullPath,
		Size:      int64(len(data)),
		Checksum:  sum,
	}, nil
}

// Stat reports whether a non-empty artifact exists for the key. It does not
// read the file, so the record carries no Checksum.
func (s *BlobStore) Stat(_ context.Context, partition, filename string) (harvest.ArtifactRecord, bool, error) {
	fullPath, err := s.resolve(partition, filename)
	if err != nil {
		return harvest.ArtifactRecord{}, false, err
	}
	rec, ok, err := s.stat(partition, filename, fullPath)
	return rec, ok, err
}

// Load reads a stored artifact.
func (s *BlobStore) Load(_ context.Context, partition, filename string) ([]byte, error) {
	fullPath, err := s.resolve(partition, filename)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fullPath) // #nosec G304 -- path validated by resolve.
	if err != nil {
		return nil, storage.Wrap("load artifact", err)
	}
	return data, nil
}

func (s *BlobStore) stat(partition, filename, fullPath string) (harvest.ArtifactRecord, bool, error) {
	info, err := os.Stat(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return harvest.ArtifactRecord{}, false, nil
	}
	if err != nil {
		return harvest.ArtifactRecord{}, false, storage.Wrap("stat artifact", err)
	}
	if info.IsDir() || info.Size() == 0 {
		return harvest.ArtifactRecord{}, false, nil
	}
	return harvest.ArtifactRecord{
		Partition: partition,
		Filename:  filename,
		Path:      fullPath,
		Size:      info.Size(),
	}, true, nil
}

func (s *BlobStore) withChecksum(rec harvest.ArtifactRecord) (harvest.ArtifactRecord, error) {
	data, err := os.ReadFile(rec.Path) // #nosec G304 -- path validated by resolve.
	if err != nil {
		return harvest.ArtifactRecord{}, storage.Wrap("read artifact", err)
	}
	sum, err := s.hasher.Hash(data)
	if err != nil {
		return harvest.ArtifactRecord{}, storage.Wrap("hash artifact", err)
	}
	rec.Checksum = sum
	return rec, nil
}

// resolve validates the key and verifies the result stays within baseDir.
func (s *BlobStore) resolve(partition, filename string) (string, error) {
	if err := storage.ValidateKey(partition, filename); err != nil {
		return "", err
	}
	fullPath := filepath.Clean(filepath.Join(s.baseDir, partition, filename))
	if !strings.HasPrefix(fullPath, s.baseDir+string(filepath.Separator)) {
		return "", storage.Wrap("resolve artifact path", fmt.Errorf("path traversal detected"))
	}
	return fullPath, nil
}

func (s *BlobStore) lock(key string) func() {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		s.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func writeAtomic(dir, fullPath string, data []byte) (err error) {
	tmp, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = os.Rename(tmpName, fullPath); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// List returns every non-empty artifact with the given extension, one
// directory level below the root. Partial writes are ignored.
func (s *BlobStore) List(ext string) ([]storage.Key, error) {
	partitions, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, storage.Wrap("list artifacts", err)
	}
	var keys []storage.Key
	for _, dir := range partitions {
		if !dir.IsDir() || strings.HasPrefix(dir.Name(), ".") {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.baseDir, dir.Name()))
		if err != nil {
			return nil, storage.Wrap("list artifacts", err)
		}
		for _, f := range files {
			name := f.Name()
			if f.IsDir() || strings.HasPrefix(name, ".") || !strings.EqualFold(filepath.Ext(name), ext) {
				continue
			}
			info, err := f.Info()
			if err != nil || info.Size() == 0 {
				continue
			}
			keys = append(keys, storage.Key{Partition: dir.Name(), Filename: name})
		}
	}
	return keys, nil
}
