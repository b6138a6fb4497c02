package optimistic

import (
	"sync"
	"time"
)

type snapshotItem struct {
	data    Record
	takenAt time.Time
}

// SnapshotStore keeps the pre-mutation value of each entry for rollback.
type SnapshotStore struct {
	mu    sync.Mutex
	items map[string]snapshotItem
}

func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{items: map[string]snapshotItem{}}
}

func (s *SnapshotStore) Put(id string, data Record, at time.Time) {
	if s == nil || data == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[id] = snapshotItem{data: data.Clone(), takenAt: at}
}

func (s *SnapshotStore) Get(id string) (Record, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return nil, false
	}
	return item.data.Clone(), true
}

func (s *SnapshotStore) Delete(id string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
}

func (s *SnapshotStore) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
