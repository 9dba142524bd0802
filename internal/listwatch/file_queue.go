package listwatch

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
)

var fs = afero.NewOsFs()

// fileItemQueue keeps its items in a JSON file so pending uploads survive a
// restart. The file is rewritten on every change.
type fileItemQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []Item
}

type fileItemQueueState struct {
	Items []Item `json:"items"`
}

func NewFileItemQueue(path string, capacity int) (ItemQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	q := &fileItemQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []Item{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileItemQueue) TryEnqueue(item Item) bool {
	if item.Path == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, item)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileItemQueue) Enqueue(ctx context.Context, item Item) bool {
	for {
		if q.TryEnqueue(item) {
			return true
		}
		if item.Path == "" {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileItemQueue) Dequeue(ctx context.Context) (Item, bool) {
	for {
		if item, ok := q.tryDequeue(); ok {
			return item, true
		}
		select {
		case <-ctx.Done():
			return Item{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileItemQueue) tryDequeue() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	if err := q.saveLocked(); err != nil {
		q.items = append([]Item{item}, q.items...)
		return Item{}, false
	}
	return item, true
}

func (q *fileItemQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileItemQueue) Capacity() int {
	return q.capacity
}

func (q *fileItemQueue) Close() error {
	return nil
}

func (q *fileItemQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := afero.ReadFile(fs, q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileItemQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]Item(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]Item(nil), snapshot.Items...)
	return nil
}

func (q *fileItemQueue) saveLocked() error {
	data, err := json.Marshal(fileItemQueueState{Items: q.items})
	if err != nil {
		return err
	}
	if err := fs.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := afero.WriteFile(fs, tmp, data, 0o644); err != nil {
		return err
	}
	return fs.Rename(tmp, q.path)
}
