package adcapi

import (
	"context"
	"errors"

	"github.com/agentworkforce/adcsync/internal/remote"
)

const (
	BackendName = "api"
	ChunkSize   = 20 << 20
)

func init() {
	remote.RegisterBackend(remote.Backend{Name: BackendName, Connect: Connect})
}

// Session adapts Client to remote.Session. API tokens do not expire while
// the process runs.
type Session struct {
	client *Client
}

var (
	_ remote.Session    = (*Session)(nil)
	_ remote.ChunkSizer = (*Session)(nil)
)

func Connect(ctx context.Context, creds remote.Credentials) (remote.Session, error) {
	client, err := NewClient(ClientOptions{BaseURL: creds.BaseURL})
	if err != nil {
		return nil, err
	}
	return NewSession(ctx, client, creds)
}

// NewSession logs client in and selects the configured repository.
func NewSession(ctx context.Context, client *Client, creds remote.Credentials) (*Session, error) {
	if err := client.Login(ctx, creds.Username, creds.Password); err != nil {
		return nil, remote.Wrap("login", creds.Username, classify(err), err)
	}
	if err := client.SelectRepository(ctx, creds.Repository); err != nil {
		kind := classify(err)
		if errors.Is(err, ErrRepositoryNotFound) {
			kind = remote.ErrUnexpectedRemoteState
		}
		return nil, remote.Wrap("select repository", creds.Repository, kind, err)
	}
	return &Session{client: client}, nil
}

func (s *Session) ListFolders(ctx context.Context, parent remote.FolderRef) ([]remote.FolderSummary, error) {
	folders, err := s.client.Folders(ctx, parent.ID)
	if err != nil {
		return nil, remote.Wrap("list folders", parent.Name, classify(err), err)
	}
	out := make([]remote.FolderSummary, 0, len(folders))
	for _, f := range folders {
		out = append(out, remote.FolderSummary{
			Name: f.Name,
			Ref:  remote.FolderRef{ID: f.ID, Name: f.Name, Level: parent.Level + 1},
		})
	}
	return out, nil
}

func (s *Session) ListFiles(ctx context.Context, folder remote.FolderRef) ([]remote.FileSummary, error) {
	// Files never live directly in the repository.
	if folder.IsRoot() {
		return nil, nil
	}
	files, err := s.client.Files(ctx, folder.ID)
	if err != nil {
		return nil, remote.Wrap("list files", folder.Name, classify(err), err)
	}
	out := make([]remote.FileSummary, 0, len(files))
	for _, f := range files {
		out = append(out, remote.FileSummary{
			Ref:      remote.FileRef{ID: f.ID, Name: f.Name, Type: f.Type, Folder: folder},
			Name:     f.Name,
			Type:     f.Type,
			Size:     f.Size,
			Modified: s.client.parseModified(f.Modified),
		})
	}
	return out, nil
}

func (s *Session) CreateFolder(ctx context.Context, parent remote.FolderRef, name string) (remote.FolderRef, error) {
	if parent.IsRoot() {
		return remote.FolderRef{}, remote.Errorf("create folder", name, remote.ErrMissingParent,
			"top-level folders must already exist in the repository")
	}
	id, err := s.client.CreateFolder(ctx, name, parent.ID)
	if err != nil {
		return remote.FolderRef{}, remote.Wrap("create folder", name, classify(err), err)
	}
	return remote.FolderRef{ID: id, Name: name, Level: parent.Level + 1}, nil
}

func (s *Session) CreateFile(ctx context.Context, folder remote.FolderRef, filename string, size int64) (remote.FileRef, error) {
	base, fileType := remote.SplitName(filename)
	id, err := s.client.CreateFile(ctx, folder.ID, base, fileType, size)
	if err != nil {
		return remote.FileRef{}, remote.Wrap("create file", filename, classify(err), err)
	}
	return remote.FileRef{ID: id, Name: base, Type: fileType, Folder: folder}, nil
}

func (s *Session) UploadChunk(ctx context.Context, file remote.FileRef, index, total int, chunk []byte) error {
	err := s.client.UploadChunk(ctx, file.ID, index, total, chunk)
	if err == nil {
		return nil
	}
	kind := remote.ErrUploadFailed
	switch {
	case isAuthFailure(err):
		kind = remote.ErrSessionExpired
	case isTransport(err):
		kind = remote.ErrRemoteUnavailable
	}
	return remote.Wrap("upload chunk", file.Filename(), kind, err)
}

func (s *Session) DeleteFile(ctx context.Context, file remote.FileRef) error {
	if err := s.client.DeleteFile(ctx, file.ID); err != nil {
		return remote.Wrap("delete file", file.Filename(), classify(err), err)
	}
	return nil
}

func (s *Session) ChunkSize() int {
	return ChunkSize
}

func (s *Session) Close() error {
	s.client.token = ""
	return nil
}

func classify(err error) error {
	var shape *ResponseShapeError
	switch {
	case errors.As(err, &shape):
		return remote.ErrUnexpectedRemoteState
	case isAuthFailure(err):
		return remote.ErrSessionExpired
	default:
		return remote.ErrRemoteUnavailable
	}
}

func isTransport(err error) bool {
	var httpErr *HTTPError
	var shape *ResponseShapeError
	return !errors.As(err, &httpErr) && !errors.As(err, &shape)
}
