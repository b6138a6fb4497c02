package optimistic

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const defaultBatchQueueCapacity = 1024

// BatchItem is one deferred mutation waiting for the next flush.
type BatchItem struct {
	ID   string `json:"id,omitempty"`
	Vars Record `json:"vars"`
}

type BatchQueue interface {
	TryEnqueue(item BatchItem) bool
	DrainAll() []BatchItem
	Depth() int
	Capacity() int
	Close() error
}

type inMemoryBatchQueue struct {
	mu       sync.Mutex
	capacity int
	items    []BatchItem
}

func NewInMemoryBatchQueue(capacity int) BatchQueue {
	if capacity <= 0 {
		capacity = defaultBatchQueueCapacity
	}
	return &inMemoryBatchQueue{capacity: capacity}
}

func (q *inMemoryBatchQueue) TryEnqueue(item BatchItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, BatchItem{ID: item.ID, Vars: item.Vars.Clone()})
	return true
}

func (q *inMemoryBatchQueue) DrainAll() []BatchItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *inMemoryBatchQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *inMemoryBatchQueue) Capacity() int {
	return q.capacity
}

func (q *inMemoryBatchQueue) Close() error {
	return nil
}

type fileBatchQueue struct {
	path     string
	capacity int
	mu       sync.Mutex
	items    []BatchItem
}

type fileBatchQueueState struct {
	Items []BatchItem `json:"items"`
}

// NewFileBatchQueue keeps queued items in a JSON file so a batch that was
// never flushed survives a restart.
func NewFileBatchQueue(path string, capacity int) (BatchQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultBatchQueueCapacity
	}
	q := &fileBatchQueue{path: path, capacity: capacity}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileBatchQueue) TryEnqueue(item BatchItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, BatchItem{ID: item.ID, Vars: item.Vars.Clone()})
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileBatchQueue) DrainAll() []BatchItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	if err := q.saveLocked(); err != nil {
		q.items = out
		return nil
	}
	return out
}

func (q *fileBatchQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileBatchQueue) Capacity() int {
	return q.capacity
}

func (q *fileBatchQueue) Close() error {
	return nil
}

func (q *fileBatchQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state fileBatchQueueState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if len(state.Items) > q.capacity {
		q.items = append([]BatchItem(nil), state.Items[len(state.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]BatchItem(nil), state.Items...)
	return nil
}

func (q *fileBatchQueue) saveLocked() error {
	data, err := json.Marshal(fileBatchQueueState{Items: append([]BatchItem{}, q.items...)})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

// BuildBatchQueueFromDSN selects a batch queue by URL scheme. An empty DSN
// yields an in-memory queue.
func BuildBatchQueueFromDSN(dsn string, capacity int) (BatchQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryBatchQueue(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme := normalizeBackendScheme(parsed.Scheme); scheme {
	case "", "file":
		path, pathErr := DSNPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileBatchQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryBatchQueue(capacity), nil
	case "redis", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: batch queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported batch queue scheme: %s", scheme)
	}
}
