package remote

import "context"

// Session is the set of operations the sync engine needs from the portal.
// Implementations are not safe for concurrent use; callers serialize access.
type Session interface {
	ListFolders(ctx context.Context, parent FolderRef) ([]FolderSummary, error)
	ListFiles(ctx context.Context, folder FolderRef) ([]FileSummary, error)
	CreateFolder(ctx context.Context, parent FolderRef, name string) (FolderRef, error)
	// CreateFile registers an empty file of the given size. Content follows
	// through UploadChunk with indexes 0..total-1 in order.
	CreateFile(ctx context.Context, folder FolderRef, filename string, size int64) (FileRef, error)
	UploadChunk(ctx context.Context, file FileRef, index, total int, chunk []byte) error
	DeleteFile(ctx context.Context, file FileRef) error
	Close() error
}

// ChunkSizer is implemented by sessions that dictate the upload chunk size.
type ChunkSizer interface {
	ChunkSize() int
}

// Connector logs in and returns a ready session.
type Connector func(ctx context.Context, creds Credentials) (Session, error)
