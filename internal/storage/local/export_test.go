package local

// HeldLocks reports how many keys currently have a lock entry.
func (s *BlobStore) HeldLocks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
