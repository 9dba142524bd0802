package listwatch

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

const DefaultQueueCapacity = 1024

// ItemQueue holds items between their source and the runner.
type ItemQueue interface {
	TryEnqueue(item Item) bool
	Enqueue(ctx context.Context, item Item) bool
	Dequeue(ctx context.Context) (Item, bool)
	Depth() int
	Capacity() int
	Close() error
}

type inMemoryItemQueue struct {
	ch chan Item
}

func NewInMemoryItemQueue(capacity int) ItemQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &inMemoryItemQueue{ch: make(chan Item, capacity)}
}

func (q *inMemoryItemQueue) TryEnqueue(item Item) bool {
	if item.Path == "" {
		return false
	}
	select {
	case q.ch <- item:
		return true
	default:
		return false
	}
}

func (q *inMemoryItemQueue) Enqueue(ctx context.Context, item Item) bool {
	if item.Path == "" {
		return false
	}
	select {
	case q.ch <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryItemQueue) Dequeue(ctx context.Context) (Item, bool) {
	select {
	case item := <-q.ch:
		return item, true
	case <-ctx.Done():
		return Item{}, false
	}
}

func (q *inMemoryItemQueue) Depth() int {
	return len(q.ch)
}

func (q *inMemoryItemQueue) Capacity() int {
	return cap(q.ch)
}

func (q *inMemoryItemQueue) Close() error {
	return nil
}

// BuildItemQueueFromDSN picks a queue implementation from the DSN scheme.
// An empty DSN gives an in-memory queue; a bare path is a file queue.
func BuildItemQueueFromDSN(dsn string, capacity int) (ItemQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryItemQueue(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileItemQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryItemQueue(capacity), nil
	case "postgres", "postgresql":
		q, err := NewPostgresItemQueue(dsn, capacity)
		if err != nil {
			return nil, err
		}
		return q, nil
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: item queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported item queue scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if strings.TrimSpace(parsed.Scheme) == "" {
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
