package remote

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

type HandleOptions struct {
	Backend     Backend
	Credentials Credentials
	Clock       clockwork.Clock
	Logger      logrus.FieldLogger
	// OnConnect is called after every successful (re)connect.
	OnConnect func(generation int)
}

// Handle owns the live portal session for the whole process. Holders keep the
// Handle, never the session underneath it, so a refresh is visible to all of
// them. Handle implements Session itself, checking freshness before every
// call.
type Handle struct {
	opts   HandleOptions
	clock  clockwork.Clock
	logger logrus.FieldLogger

	mu          sync.Mutex
	session     Session
	connectedAt time.Time
	generation  int
	invalid     bool
}

var _ Session = (*Handle)(nil)

func NewHandle(opts HandleOptions) (*Handle, error) {
	if opts.Backend.Connect == nil {
		return nil, errors.New("portal backend connector is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handle{
		opts:   opts,
		clock:  clock,
		logger: logger.WithField("backend", opts.Backend.Name),
	}, nil
}

// Connect establishes the first session. Calling it on a connected Handle is
// a no-op.
func (h *Handle) Connect(ctx context.Context) error {
	_, err := h.EnsureFresh(ctx)
	return err
}

// EnsureFresh returns a usable session, replacing the current one when there
// is none, when it was invalidated, or when it is older than the backend's
// MaxAge. The old session is torn down before the new one is created.
func (h *Handle) EnsureFresh(ctx context.Context) (Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session != nil && !h.invalid && !h.expiredLocked() {
		return h.session, nil
	}
	if h.session != nil {
		reason := "invalidated"
		if !h.invalid {
			reason = "expired"
		}
		h.logger.WithFields(logrus.Fields{
			"generation": h.generation,
			"age":        h.clock.Since(h.connectedAt).Round(time.Second).String(),
		}).Infof("replacing portal session (%s)", reason)
		if err := h.session.Close(); err != nil {
			h.logger.WithError(err).Warn("closing portal session failed")
		}
		h.session = nil
	}
	session, err := h.opts.Backend.Connect(ctx, h.opts.Credentials)
	if err != nil {
		kind := ErrLoginFailed
		// Once logged in, a portal that cannot be reached is retried on the
		// next call. Rejected credentials stay fatal.
		if h.generation > 0 && KindOf(err) == ErrRemoteUnavailable {
			kind = ErrRemoteUnavailable
			h.logger.WithError(err).Warn("portal unreachable while logging in again")
		}
		return nil, &OpError{Op: "connect", Path: h.opts.Credentials.Repository, Kind: kind, Err: err}
	}
	h.session = session
	h.connectedAt = h.clock.Now()
	h.invalid = false
	h.generation++
	h.logger.WithField("generation", h.generation).Info("portal session established")
	if h.opts.OnConnect != nil {
		h.opts.OnConnect(h.generation)
	}
	return session, nil
}

func (h *Handle) expiredLocked() bool {
	maxAge := h.opts.Backend.MaxAge
	if maxAge <= 0 {
		return false
	}
	return h.clock.Since(h.connectedAt) >= maxAge
}

// Invalidate forces the next call to log in again.
func (h *Handle) Invalidate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.invalid = true
}

func (h *Handle) Generation() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.generation
}

func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil {
		return nil
	}
	err := h.session.Close()
	h.session = nil
	return err
}

func (h *Handle) ChunkSize() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sizer, ok := h.session.(ChunkSizer); ok {
		return sizer.ChunkSize()
	}
	return 0
}

func (h *Handle) observe(err error) {
	if err != nil && forcesReconnect(err) {
		h.logger.WithError(err).Warn("portal session marked for reconnect")
		h.Invalidate()
	}
}

func (h *Handle) ListFolders(ctx context.Context, parent FolderRef) ([]FolderSummary, error) {
	session, err := h.EnsureFresh(ctx)
	if err != nil {
		return nil, err
	}
	out, err := session.ListFolders(ctx, parent)
	h.observe(err)
	return out, err
}

func (h *Handle) ListFiles(ctx context.Context, folder FolderRef) ([]FileSummary, error) {
	session, err := h.EnsureFresh(ctx)
	if err != nil {
		return nil, err
	}
	out, err := session.ListFiles(ctx, folder)
	h.observe(err)
	return out, err
}

func (h *Handle) CreateFolder(ctx context.Context, parent FolderRef, name string) (FolderRef, error) {
	session, err := h.EnsureFresh(ctx)
	if err != nil {
		return FolderRef{}, err
	}
	out, err := session.CreateFolder(ctx, parent, name)
	h.observe(err)
	return out, err
}

func (h *Handle) CreateFile(ctx context.Context, folder FolderRef, filename string, size int64) (FileRef, error) {
	session, err := h.EnsureFresh(ctx)
	if err != nil {
		return FileRef{}, err
	}
	out, err := session.CreateFile(ctx, folder, filename, size)
	h.observe(err)
	return out, err
}

func (h *Handle) UploadChunk(ctx context.Context, file FileRef, index, total int, chunk []byte) error {
	session, err := h.EnsureFresh(ctx)
	if err != nil {
		return err
	}
	err = session.UploadChunk(ctx, file, index, total, chunk)
	h.observe(err)
	return err
}

func (h *Handle) DeleteFile(ctx context.Context, file FileRef) error {
	session, err := h.EnsureFresh(ctx)
	if err != nil {
		return err
	}
	err = session.DeleteFile(ctx, file)
	h.observe(err)
	return err
}
