package projection

import (
	"context"
	"sync"
)

// CheckpointKey identifies the checkpoint of one projection relay for one
// stream.
type CheckpointKey struct {
	Projection string
	Stream     string
}

// CheckpointStore persists the last applied version per key.
//
// Save is monotonic: a version at or below the stored one leaves the
// checkpoint unchanged. Only Reset moves a checkpoint backwards.
type CheckpointStore interface {
	Load(ctx context.Context, key CheckpointKey) (version int64, found bool, err error)
	Save(ctx context.Context, key CheckpointKey, version int64) error
	Reset(ctx context.Context, key CheckpointKey) error
}

// MemoryCheckpointStore keeps checkpoints in a map.
type MemoryCheckpointStore struct {
	mu       sync.RWMutex
	versions map[CheckpointKey]int64
}

// NewMemoryCheckpointStore returns an empty store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{versions: make(map[CheckpointKey]int64)}
}

func (s *MemoryCheckpointStore) Load(_ context.Context, key CheckpointKey) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[key]
	return v, ok, nil
}

// Save records version unless a later one is stored.
func (s *MemoryCheckpointStore) Save(_ context.Context, key CheckpointKey, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.versions[key]; ok && current >= version {
		return nil
	}
	s.versions[key] = version
	return nil
}

// Reset forgets the checkpoint for key.
func (s *MemoryCheckpointStore) Reset(_ context.Context, key CheckpointKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.versions, key)
	return nil
}
