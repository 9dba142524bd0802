package listwatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresItemQueueTableName = "adcsync_item_queue"
	postgresQueueKey           = "default"
	postgresOperationTimeout   = 5 * time.Second
	postgresQueuePollInterval  = 50 * time.Millisecond
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresItemQueue stores pending items in a table so several workers, or a
// restarted process, share one backlog. Rows are claimed with SKIP LOCKED.
type PostgresItemQueue struct {
	dsn          string
	tableName    string
	queueKey     string
	capacity     int
	pollInterval time.Duration
	openDB       sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresItemQueue(dsn string, capacity int) (*PostgresItemQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &PostgresItemQueue{
		dsn:          dsn,
		tableName:    postgresItemQueueTableName,
		queueKey:     postgresQueueKey,
		capacity:     capacity,
		pollInterval: postgresQueuePollInterval,
		openDB:       sql.Open,
	}, nil
}

func (q *PostgresItemQueue) ensureReady() error {
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		createTable := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				queue_key TEXT NOT NULL,
				path TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, quoteIdentifier(q.tableName))
		if _, err := db.ExecContext(ctx, createTable); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		createIndex := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, id)",
			quoteIdentifier(q.tableName+"_queue_key_id_idx"), quoteIdentifier(q.tableName))
		if _, err := db.ExecContext(ctx, createIndex); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		q.db = db
	})
	return q.initErr
}

func (q *PostgresItemQueue) TryEnqueue(item Item) bool {
	if item.Path == "" {
		return false
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return false
	}
	if err := q.ensureReady(); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", queueLockKey(q.tableName, q.queueKey)); err != nil {
		return false
	}
	var depth int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", quoteIdentifier(q.tableName))
	if err := tx.QueryRowContext(ctx, countQuery, q.queueKey).Scan(&depth); err != nil {
		return false
	}
	if depth >= q.capacity {
		return false
	}
	insert := fmt.Sprintf("INSERT INTO %s (queue_key, path, payload, created_at) VALUES ($1, $2, $3, NOW())",
		quoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, insert, q.queueKey, item.Path, string(payload)); err != nil {
		return false
	}
	if err := tx.Commit(); err != nil {
		return false
	}
	committed = true
	return true
}

func (q *PostgresItemQueue) Enqueue(ctx context.Context, item Item) bool {
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

func (q *PostgresItemQueue) Dequeue(ctx context.Context) (Item, bool) {
	for {
		if item, ok := q.tryDequeue(ctx); ok {
			return item, true
		}
		select {
		case <-ctx.Done():
			return Item{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresItemQueue) tryDequeue(ctx context.Context) (Item, bool) {
	if err := q.ensureReady(); err != nil {
		return Item{}, false
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return Item{}, false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	query := fmt.Sprintf(`
		SELECT id, payload
		FROM %s
		WHERE queue_key = $1
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, quoteIdentifier(q.tableName))
	var id int64
	var payload string
	err = tx.QueryRowContext(ctx, query, q.queueKey).Scan(&id, &payload)
	if errors.Is(err, sql.ErrNoRows) || err != nil {
		return Item{}, false
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", quoteIdentifier(q.tableName)), id); err != nil {
		return Item{}, false
	}
	if err := tx.Commit(); err != nil {
		return Item{}, false
	}
	committed = true
	var item Item
	if err := json.Unmarshal([]byte(payload), &item); err != nil {
		// The row is gone; a corrupt payload cannot be retried.
		return Item{}, false
	}
	return item, true
}

func (q *PostgresItemQueue) Depth() int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	var depth int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", quoteIdentifier(q.tableName))
	if err := q.db.QueryRowContext(ctx, query, q.queueKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresItemQueue) Capacity() int {
	return q.capacity
}

func (q *PostgresItemQueue) Close() error {
	if q.db == nil {
		return nil
	}
	return q.db.Close()
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(strings.TrimSpace(identifier), `"`, `""`) + `"`
}

func queueLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(tableName))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(queueKey))
	return int64(hasher.Sum64())
}
