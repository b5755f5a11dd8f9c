// Package memory keeps artifacts in-process for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/paper-harvester/internal/harvest"
	"github.com/JakeFAU/paper-harvester/internal/storage"
)

// BlobStore stores artifacts in a map keyed by partition/filename.
type BlobStore struct {
	hasher harvest.Hasher

	mu      sync.RWMutex
	data    map[string][]byte
	records map[string]harvest.ArtifactRecord
	saves   int
}

// NewBlobStore creates a new in-memory store.
func NewBlobStore(hasher harvest.Hasher) *BlobStore {
	return &BlobStore{
		hasher:  hasher,
		data:    make(map[string][]byte),
		records: make(map[string]harvest.ArtifactRecord),
	}
}

// Save stores a copy of data unless the key already holds content.
func (s *BlobStore) Save(_ context.Context, partition, filename string, data []byte) (harvest.ArtifactRecord, error) {
	if err := storage.ValidateKey(partition, filename); err != nil {
		return harvest.ArtifactRecord{}, err
	}
	if len(data) == 0 {
		return harvest.ArtifactRecord{}, storage.Wrap("save artifact", fmt.Errorf("empty artifact %s/%s", partition, filename))
	}
	key := storage.ObjectKey("", partition, filename)

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[key]; ok {
		return rec, nil
	}
	var sum string
	if s.hasher != nil {
		h, err := s.hasher.Hash(data)
		if err != nil {
			return harvest.ArtifactRecord{}, storage.Wrap("hash artifact", err)
		}
		sum = h
	}
	rec := harvest.ArtifactRecord{
		Partition: partition,
		Filename:  filename,
		Path:      "memory://" + key,
		Size:      int64(len(data)),
		Checksum:  sum,
	}
	s.data[key] = append([]byte(nil), data...)
	s.records[key] = rec
	s.saves++
	return rec, nil
}

// Stat returns the stored record, if any.
func (s *BlobStore) Stat(_ context.Context, partition, filename string) (harvest.ArtifactRecord, bool, error) {
	if err := storage.ValidateKey(partition, filename); err != nil {
		return harvest.ArtifactRecord{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[storage.ObjectKey("", partition, filename)]
	return rec, ok, nil
}

// Load returns a copy of the stored bytes.
func (s *BlobStore) Load(_ context.Context, partition, filename string) ([]byte, error) {
	if err := storage.ValidateKey(partition, filename); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[storage.ObjectKey("", partition, filename)]
	if !ok {
		return nil, storage.Wrap("load artifact", fmt.Errorf("%s/%s not found", partition, filename))
	}
	return append([]byte(nil), data...), nil
}

// Keys lists stored keys in sorted order.
func (s *BlobStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Writes returns how many Save calls actually stored new content.
func (s *BlobStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
