package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSession struct {
	id      int
	closed  bool
	listErr error
}

func (s *stubSession) ListFolders(context.Context, FolderRef) ([]FolderSummary, error) {
	return []FolderSummary{{Name: "trellis"}}, s.listErr
}

func (s *stubSession) ListFiles(context.Context, FolderRef) ([]FileSummary, error) {
	return nil, s.listErr
}

func (s *stubSession) CreateFolder(_ context.Context, _ FolderRef, name string) (FolderRef, error) {
	return FolderRef{ID: name, Name: name}, nil
}

func (s *stubSession) CreateFile(_ context.Context, folder FolderRef, filename string, _ int64) (FileRef, error) {
	base, typ := SplitName(filename)
	return FileRef{ID: filename, Name: base, Type: typ, Folder: folder}, nil
}

func (s *stubSession) UploadChunk(context.Context, FileRef, int, int, []byte) error { return nil }
func (s *stubSession) DeleteFile(context.Context, FileRef) error                   { return nil }
func (s *stubSession) ChunkSize() int                                               { return 42 }

func (s *stubSession) Close() error {
	s.closed = true
	return nil
}

type connectRecorder struct {
	sessions []*stubSession
	err      error
}

func (r *connectRecorder) connect(context.Context, Credentials) (Session, error) {
	if r.err != nil {
		return nil, r.err
	}
	s := &stubSession{id: len(r.sessions) + 1}
	r.sessions = append(r.sessions, s)
	return s, nil
}

func newTestHandle(t *testing.T, rec *connectRecorder, maxAge time.Duration, clock clockwork.Clock) *Handle {
	t.Helper()
	h, err := NewHandle(HandleOptions{
		Backend: Backend{Name: "test", Connect: rec.connect, MaxAge: maxAge},
		Clock:   clock,
	})
	require.NoError(t, err)
	return h
}

func TestHandleRefreshBoundary(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := &connectRecorder{}
	h := newTestHandle(t, rec, 15*time.Minute, clock)
	ctx := context.Background()

	first, err := h.EnsureFresh(ctx)
	require.NoError(t, err)

	clock.Advance(14*time.Minute + 59*time.Second)
	same, err := h.EnsureFresh(ctx)
	require.NoError(t, err)
	assert.Same(t, first, same)
	assert.Equal(t, 1, h.Generation())

	clock.Advance(2 * time.Second)
	replaced, err := h.EnsureFresh(ctx)
	require.NoError(t, err)
	assert.NotSame(t, first, replaced)
	assert.Equal(t, 2, h.Generation())
	assert.True(t, rec.sessions[0].closed, "expired session should be torn down")
	assert.False(t, rec.sessions[1].closed)
}

func TestHandleWithoutMaxAgeNeverExpires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := &connectRecorder{}
	h := newTestHandle(t, rec, 0, clock)

	require.NoError(t, h.Connect(context.Background()))
	clock.Advance(72 * time.Hour)
	_, err := h.ListFolders(context.Background(), Root())
	require.NoError(t, err)
	assert.Len(t, rec.sessions, 1)
}

func TestHandleInvalidatesOnSessionErrors(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := &connectRecorder{}
	h := newTestHandle(t, rec, 15*time.Minute, clock)
	ctx := context.Background()

	require.NoError(t, h.Connect(ctx))
	rec.sessions[0].listErr = Errorf("list", "trellis", ErrUnexpectedRemoteState, "row vanished")

	_, err := h.ListFiles(ctx, FolderRef{ID: "1", Name: "trellis"})
	require.ErrorIs(t, err, ErrUnexpectedRemoteState)

	_, err = h.ListFiles(ctx, FolderRef{ID: "1", Name: "trellis"})
	require.NoError(t, err)
	assert.Len(t, rec.sessions, 2)
	assert.True(t, rec.sessions[0].closed)
}

func TestHandleReportsLoginFailure(t *testing.T) {
	rec := &connectRecorder{err: Errorf("login", "", ErrSessionExpired, "displayed username mismatch")}
	h := newTestHandle(t, rec, time.Minute, clockwork.NewFakeClock())

	err := h.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoginFailed)
	assert.Equal(t, ErrLoginFailed, KindOf(err))
	assert.False(t, IsRetryable(err))
}

func TestHandleChunkSizeFromSession(t *testing.T) {
	rec := &connectRecorder{}
	h := newTestHandle(t, rec, 0, clockwork.NewFakeClock())
	assert.Equal(t, 0, h.ChunkSize())
	require.NoError(t, h.Connect(context.Background()))
	assert.Equal(t, 42, h.ChunkSize())
	require.NoError(t, h.Close())
	assert.True(t, rec.sessions[0].closed)
}

func TestHandleOnConnectGeneration(t *testing.T) {
	var seen []int
	rec := &connectRecorder{}
	h, err := NewHandle(HandleOptions{
		Backend:   Backend{Name: "test", Connect: rec.connect},
		OnConnect: func(gen int) { seen = append(seen, gen) },
	})
	require.NoError(t, err)
	require.NoError(t, h.Connect(context.Background()))
	h.Invalidate()
	require.NoError(t, h.Connect(context.Background()))
	assert.Equal(t, []int{1, 2}, seen)
}

func TestNewHandleRequiresConnector(t *testing.T) {
	_, err := NewHandle(HandleOptions{})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrLoginFailed))
}

func TestHandleReloginUnreachableIsRetryable(t *testing.T) {
	rec := &connectRecorder{}
	clock := clockwork.NewFakeClock()
	h := newTestHandle(t, rec, 15*time.Minute, clock)
	require.NoError(t, h.Connect(context.Background()))

	clock.Advance(16 * time.Minute)
	rec.err = Wrap("open login page", "", ErrRemoteUnavailable, errors.New("dial tcp: connection reset"))
	_, err := h.ListFolders(context.Background(), Root())
	require.Error(t, err)
	assert.Equal(t, ErrRemoteUnavailable, KindOf(err))
	assert.False(t, errors.Is(err, ErrLoginFailed))
	assert.True(t, IsRetryable(err))

	rec.err = nil
	_, err = h.ListFolders(context.Background(), Root())
	require.NoError(t, err)
	assert.Equal(t, 2, h.Generation())
}

func TestHandleReloginRejectedIsLoginFailure(t *testing.T) {
	rec := &connectRecorder{}
	clock := clockwork.NewFakeClock()
	h := newTestHandle(t, rec, 15*time.Minute, clock)
	require.NoError(t, h.Connect(context.Background()))

	clock.Advance(16 * time.Minute)
	rec.err = Errorf("login", "", ErrSessionExpired, "portal shows user %q", "someone-else")
	_, err := h.ListFolders(context.Background(), Root())
	assert.ErrorIs(t, err, ErrLoginFailed)
	assert.False(t, IsRetryable(err))
}

func TestHandleFirstConnectUnreachableIsLoginFailure(t *testing.T) {
	rec := &connectRecorder{err: Wrap("open login page", "", ErrRemoteUnavailable, errors.New("no such host"))}
	h := newTestHandle(t, rec, 0, clockwork.NewFakeClock())

	err := h.Connect(context.Background())
	assert.ErrorIs(t, err, ErrLoginFailed)
}
