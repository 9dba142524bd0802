package portalsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/adcsync/internal/metrics"
	"github.com/agentworkforce/adcsync/internal/remote"
)

const (
	DefaultChunkSize    = 20 << 20
	DefaultChunkRetries = 3
)

type EngineOptions struct {
	Session  remote.Session
	Governor *Governor
	// ChunkSize overrides the session's preferred chunk size.
	ChunkSize    int
	ChunkRetries int
	RetryInitial time.Duration
	RetryMax     time.Duration
	Logger       logrus.FieldLogger
}

// Request asks for the local payload to be present at Path.
type Request struct {
	Path             string
	Payload          []byte
	LocalModified    time.Time
	RevisionOverride *int64
	CurrentRevision  *int64
}

type Result struct {
	Path     string        `json:"path"`
	Stale    bool          `json:"stale"`
	Reason   Reason        `json:"reason,omitempty"`
	Replaced bool          `json:"replaced"`
	Uploaded bool          `json:"uploaded"`
	Size     int64         `json:"size"`
	Chunks   int           `json:"chunks"`
	Duration time.Duration `json:"duration"`
}

type CheckRequest struct {
	Path             string
	LocalSize        int64
	LocalModified    time.Time
	RevisionOverride *int64
	CurrentRevision  *int64
}

type CheckResult struct {
	Path   string              `json:"path"`
	Stale  bool                `json:"stale"`
	Reason Reason              `json:"reason"`
	Remote *remote.FileSummary `json:"remote,omitempty"`
}

type Engine struct {
	session      remote.Session
	governor     *Governor
	resolver     *Resolver
	chunkSize    int
	chunkRetries int
	retryInitial time.Duration
	retryMax     time.Duration
	logger       logrus.FieldLogger
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Session == nil {
		return nil, errors.New("portal session is required")
	}
	governor := opts.Governor
	if governor == nil {
		governor = NewGovernor(DefaultLocalLimit)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	retries := opts.ChunkRetries
	if retries == 0 {
		retries = DefaultChunkRetries
	}
	if retries < 0 {
		retries = 0
	}
	initial := opts.RetryInitial
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	maxDelay := opts.RetryMax
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	resolver := NewResolver(opts.Session, logger)
	resolver.onMkdir = func(string) { metrics.FolderCreated() }
	return &Engine{
		session:      opts.Session,
		governor:     governor,
		resolver:     resolver,
		chunkSize:    opts.ChunkSize,
		chunkRetries: retries,
		retryInitial: initial,
		retryMax:     maxDelay,
		logger:       logger,
	}, nil
}

func (e *Engine) Governor() *Governor {
	return e.governor
}

// Upsert makes the portal copy at req.Path match the payload when the
// staleness rules say it is out of date. A stale file is deleted before the
// new one is created, so a failure between the two leaves the path empty
// until the next attempt.
func (e *Engine) Upsert(ctx context.Context, req Request) (Result, error) {
	started := time.Now()
	res := Result{Path: req.Path, Size: int64(len(req.Payload))}
	path, err := ParsePath(req.Path)
	if err == nil {
		err = path.Validate()
	}
	if err != nil {
		metrics.ObserveUpsert(metrics.ResultRejected, time.Since(started))
		return res, err
	}
	res.Path = path.String()

	err = e.governor.Remote(ctx, func(ctx context.Context) error {
		return e.upsertLocked(ctx, path, req, &res)
	})
	res.Duration = time.Since(started)
	metrics.ObserveUpsert(upsertOutcome(res, err), res.Duration)
	return res, err
}

func (e *Engine) upsertLocked(ctx context.Context, path LogicalPath, req Request, res *Result) error {
	logger := e.logger.WithField("path", res.Path)
	found, err := e.resolver.Resolve(ctx, path)
	if err != nil {
		return err
	}
	res.Stale, res.Reason = Decide(StaleInput{
		LocalModified:    req.LocalModified,
		LocalSize:        res.Size,
		Remote:           found.File,
		RevisionOverride: req.RevisionOverride,
		CurrentRevision:  req.CurrentRevision,
	})
	if !res.Stale {
		logger.WithField("reason", res.Reason).Debug("portal copy is current")
		return nil
	}

	folder := found.Folder
	if found.File != nil {
		logger.WithField("reason", res.Reason).Info("replacing stale portal copy")
		if err := e.session.DeleteFile(ctx, found.File.Ref); err != nil {
			return remote.Wrap("delete", res.Path, remote.ErrRemoteUnavailable, err)
		}
		res.Replaced = true
		metrics.FileDeleted()

		// Deleting invalidates references handed out earlier.
		again, err := e.resolver.Resolve(ctx, path)
		if err != nil {
			return err
		}
		if again.File != nil {
			return remote.Errorf("upsert", res.Path, remote.ErrUnexpectedRemoteState, "file still listed after delete")
		}
		folder = again.Folder
	}

	chunks, err := e.upload(ctx, path, folder, req.Payload)
	res.Chunks = chunks
	if err != nil {
		return err
	}
	res.Uploaded = true
	logger.WithFields(logrus.Fields{"size": res.Size, "chunks": chunks}).Info("uploaded portal copy")
	return nil
}

// Check runs the staleness decision without changing anything except
// creating missing folders on the way.
func (e *Engine) Check(ctx context.Context, req CheckRequest) (CheckResult, error) {
	out := CheckResult{Path: req.Path}
	path, err := ParsePath(req.Path)
	if err == nil {
		err = path.Validate()
	}
	if err != nil {
		return out, err
	}
	out.Path = path.String()
	err = e.governor.Remote(ctx, func(ctx context.Context) error {
		found, err := e.resolver.Resolve(ctx, path)
		if err != nil {
			return err
		}
		out.Remote = found.File
		out.Stale, out.Reason = Decide(StaleInput{
			LocalModified:    req.LocalModified,
			LocalSize:        req.LocalSize,
			Remote:           found.File,
			RevisionOverride: req.RevisionOverride,
			CurrentRevision:  req.CurrentRevision,
		})
		return nil
	})
	return out, err
}

func (e *Engine) upload(ctx context.Context, path LogicalPath, folder remote.FolderRef, payload []byte) (int, error) {
	at := path.String()
	file, err := e.session.CreateFile(ctx, folder, path.Filename, int64(len(payload)))
	if err != nil {
		return 0, remote.Wrap("create file", at, remote.ErrUploadFailed, err)
	}
	size := e.effectiveChunkSize()
	total := chunkCount(len(payload), size)
	for i := 0; i < total; i++ {
		start := i * size
		end := min(start+size, len(payload))
		chunk := payload[start:end]
		if err := e.uploadChunk(ctx, file, i, total, chunk); err != nil {
			e.discardPartial(ctx, file, at)
			return i, &remote.OpError{Op: "upload chunk", Path: fmt.Sprintf("%s [%d/%d]", at, i+1, total), Kind: remote.ErrUploadFailed, Err: err}
		}
		metrics.ChunkUploaded(len(chunk))
	}
	return total, nil
}

func (e *Engine) uploadChunk(ctx context.Context, file remote.FileRef, index, total int, chunk []byte) error {
	attempt := func() error {
		err := e.session.UploadChunk(ctx, file, index, total, chunk)
		if err == nil {
			return nil
		}
		// A new session cannot continue an upload started by the old one.
		if errors.Is(err, remote.ErrSessionExpired) || errors.Is(err, remote.ErrUnexpectedRemoteState) || !remote.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.retryInitial
	policy.MaxInterval = e.retryMax
	policy.MaxElapsedTime = 0
	notify := func(err error, wait time.Duration) {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"file":  file.Filename(),
			"chunk": index,
			"wait":  wait.String(),
		}).Warn("chunk upload failed, retrying")
	}
	return backoff.RetryNotify(attempt, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(e.chunkRetries)), ctx), notify)
}

// discardPartial removes a file whose upload did not finish. Left in place
// its declared size would match the next attempt and hide the missing data.
func (e *Engine) discardPartial(ctx context.Context, file remote.FileRef, at string) {
	if err := e.session.DeleteFile(ctx, file); err != nil {
		e.logger.WithError(err).WithField("path", at).Warn("could not remove partially uploaded file")
	}
}

func (e *Engine) effectiveChunkSize() int {
	if e.chunkSize > 0 {
		return e.chunkSize
	}
	if sizer, ok := e.session.(remote.ChunkSizer); ok {
		if size := sizer.ChunkSize(); size > 0 {
			return size
		}
	}
	return DefaultChunkSize
}

func chunkCount(length, size int) int {
	if length == 0 {
		return 1
	}
	return (length + size - 1) / size
}

func upsertOutcome(res Result, err error) string {
	switch {
	case err != nil:
		return metrics.ResultFailed
	case res.Replaced:
		return metrics.ResultReplaced
	case res.Uploaded:
		return metrics.ResultUploaded
	default:
		return metrics.ResultSkipped
	}
}
