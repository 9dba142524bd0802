package listwatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/adcsync/internal/metrics"
	"github.com/agentworkforce/adcsync/internal/portalsync"
	"github.com/agentworkforce/adcsync/internal/remote"
)

const (
	DefaultMaxAttempts = 5
	DefaultRetryDelay  = 30 * time.Second
	defaultRecentLimit = 50
)

type Upserter interface {
	Upsert(ctx context.Context, req portalsync.Request) (portalsync.Result, error)
}

type RunnerOptions struct {
	Engine      Upserter
	Queue       ItemQueue
	Workers     int
	MaxAttempts int
	RetryDelay  time.Duration
	RecentLimit int
	Logger      logrus.FieldLogger
}

// Outcome is the record of one processed item kept for the status API.
type Outcome struct {
	ItemID  string            `json:"itemId"`
	Path    string            `json:"path"`
	Source  string            `json:"source"`
	Attempt int               `json:"attempt"`
	Result  portalsync.Result `json:"result"`
	Error   string            `json:"error,omitempty"`
	At      time.Time         `json:"at"`
}

type RunnerStats struct {
	QueueDepth    int   `json:"queueDepth"`
	QueueCapacity int   `json:"queueCapacity"`
	Processed     int64 `json:"processed"`
	Failed        int64 `json:"failed"`
	Retried       int64 `json:"retried"`
}

// Runner drains the item queue into the upsert engine. Retryable failures
// go back on the queue after RetryDelay until MaxAttempts is reached. A
// login failure stops the runner.
type Runner struct {
	engine      Upserter
	queue       ItemQueue
	workers     int
	maxAttempts int
	retryDelay  time.Duration
	recentLimit int
	logger      logrus.FieldLogger

	processed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64

	mu      sync.Mutex
	recent  []Outcome
	retries sync.WaitGroup
}

func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Engine == nil {
		return nil, errors.New("upsert engine is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("item queue is required")
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	recentLimit := opts.RecentLimit
	if recentLimit <= 0 {
		recentLimit = defaultRecentLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Runner{
		engine:      opts.Engine,
		queue:       opts.Queue,
		workers:     workers,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		recentLimit: recentLimit,
		logger:      logger,
	}, nil
}

// Emit queues an item. It is the EmitFunc handed to sources.
func (r *Runner) Emit(ctx context.Context, item Item) error {
	if !r.queue.Enqueue(ctx, item) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return errors.New("item rejected by queue")
	}
	metrics.ItemEmitted(item.Source)
	metrics.SetQueueDepth(r.queue.Depth())
	return nil
}

func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.workers; i++ {
		g.Go(func() error {
			return r.work(ctx)
		})
	}
	err := g.Wait()
	r.retries.Wait()
	return err
}

func (r *Runner) work(ctx context.Context) error {
	for {
		item, ok := r.queue.Dequeue(ctx)
		if !ok {
			return nil
		}
		metrics.SetQueueDepth(r.queue.Depth())
		if err := r.Process(ctx, item); err != nil {
			return err
		}
	}
}

// Process runs one item through the engine. Only fatal errors are returned.
func (r *Runner) Process(ctx context.Context, item Item) error {
	logger := r.logger.WithFields(logrus.Fields{
		"path":    item.Path,
		"source":  item.Source,
		"attempt": item.Attempt,
	})
	res, err := r.engine.Upsert(ctx, item.Request())
	r.record(item, res, err)
	if err == nil {
		r.processed.Add(1)
		return nil
	}
	switch {
	case errors.Is(err, remote.ErrLoginFailed):
		r.failed.Add(1)
		logger.WithError(err).Error("portal login failed, stopping")
		return err
	case ctx.Err() != nil:
		// Shutting down mid-upload; keep the item for the next run.
		if !r.queue.TryEnqueue(item) {
			logger.Warn("dropping in-flight item on shutdown")
		}
		return nil
	case remote.IsRetryable(err) && item.Attempt+1 < r.maxAttempts:
		r.retried.Add(1)
		metrics.ItemRetried()
		logger.WithError(err).WithField("retry_in", r.retryDelay).Warn("upsert failed, will retry")
		r.scheduleRetry(ctx, item)
		return nil
	default:
		r.failed.Add(1)
		logger.WithError(err).Error("upsert failed, dropping item")
		return nil
	}
}

func (r *Runner) scheduleRetry(ctx context.Context, item Item) {
	item.Attempt++
	r.retries.Add(1)
	go func() {
		defer r.retries.Done()
		if err := sleepContext(ctx, r.retryDelay); err != nil {
			r.queue.TryEnqueue(item)
			return
		}
		if !r.queue.Enqueue(ctx, item) {
			r.queue.TryEnqueue(item)
		}
	}()
}

func (r *Runner) record(item Item, res portalsync.Result, err error) {
	outcome := Outcome{
		ItemID:  item.ID,
		Path:    item.Path,
		Source:  item.Source,
		Attempt: item.Attempt,
		Result:  res,
		At:      time.Now().UTC(),
	}
	if err != nil {
		outcome.Error = err.Error()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recent = append(r.recent, outcome)
	if len(r.recent) > r.recentLimit {
		r.recent = append([]Outcome(nil), r.recent[len(r.recent)-r.recentLimit:]...)
	}
}

// Recent returns the latest outcomes, newest last.
func (r *Runner) Recent() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.recent...)
}

func (r *Runner) Stats() RunnerStats {
	return RunnerStats{
		QueueDepth:    r.queue.Depth(),
		QueueCapacity: r.queue.Capacity(),
		Processed:     r.processed.Load(),
		Failed:        r.failed.Load(),
		Retried:       r.retried.Load(),
	}
}
