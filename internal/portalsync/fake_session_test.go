package portalsync

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/adcsync/internal/remote"
)

type fakeFolder struct {
	id       string
	name     string
	level    int
	children []*fakeFolder
	files    []*fakeFile
}

type fakeFile struct {
	id       string
	name     string
	typ      string
	size     int64
	modified time.Time
	data     []byte
	chunks   int
}

// fakeSession is an in-memory portal that records every call.
type fakeSession struct {
	mu      sync.Mutex
	root    *fakeFolder
	byID    map[string]*fakeFolder
	nextID  int
	calls   []string
	now     time.Time
	chunk   int
	noRoot  bool

	// failUpload makes the first failUpload chunk uploads fail.
	failUpload  int
	failKind    error
	keepDeleted bool
}

func newFakeSession() *fakeSession {
	root := &fakeFolder{level: -1}
	return &fakeSession{
		root: root,
		byID: map[string]*fakeFolder{"": root},
		now:  time.Date(2024, 2, 10, 12, 0, 0, 0, time.UTC),
	}
}

func (s *fakeSession) record(format string, args ...any) {
	s.calls = append(s.calls, fmt.Sprintf(format, args...))
}

func (s *fakeSession) callLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeSession) resetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

func (s *fakeSession) count(prefix string) int {
	n := 0
	for _, call := range s.callLog() {
		if strings.HasPrefix(call, prefix) {
			n++
		}
	}
	return n
}

func (s *fakeSession) id() string {
	s.nextID++
	return strconv.Itoa(s.nextID)
}

// mkdirs seeds folders without recording calls.
func (s *fakeSession) mkdirs(path ...string) *fakeFolder {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.root
	for _, name := range path {
		var next *fakeFolder
		for _, child := range current.children {
			if child.name == name {
				next = child
			}
		}
		if next == nil {
			next = &fakeFolder{id: s.id(), name: name, level: current.level + 1}
			current.children = append(current.children, next)
			s.byID[next.id] = next
		}
		current = next
	}
	return current
}

// seedFile stores a file without recording calls.
func (s *fakeSession) seedFile(folder *fakeFolder, filename string, size int64, modified time.Time) *fakeFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	base, typ := remote.SplitName(filename)
	f := &fakeFile{id: s.id(), name: base, typ: typ, size: size, modified: modified}
	folder.files = append(folder.files, f)
	return f
}

func (s *fakeSession) folder(ref remote.FolderRef) (*fakeFolder, error) {
	f, ok := s.byID[ref.ID]
	if !ok {
		return nil, remote.Errorf("lookup", ref.Name, remote.ErrUnexpectedRemoteState, "unknown folder %q", ref.ID)
	}
	return f, nil
}

func (s *fakeSession) ListFolders(_ context.Context, parent remote.FolderRef) ([]remote.FolderSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("ListFolders %s", parent.Name)
	f, err := s.folder(parent)
	if err != nil {
		return nil, err
	}
	out := make([]remote.FolderSummary, 0, len(f.children))
	for _, child := range f.children {
		out = append(out, remote.FolderSummary{Name: child.name, Ref: remote.FolderRef{ID: child.id, Name: child.name, Level: child.level}})
	}
	return out, nil
}

func (s *fakeSession) ListFiles(_ context.Context, folder remote.FolderRef) ([]remote.FileSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("ListFiles %s", folder.Name)
	f, err := s.folder(folder)
	if err != nil {
		return nil, err
	}
	out := make([]remote.FileSummary, 0, len(f.files))
	for _, file := range f.files {
		out = append(out, remote.FileSummary{
			Ref:      remote.FileRef{ID: file.id, Name: file.name, Type: file.typ, Folder: folder},
			Name:     file.name,
			Type:     file.typ,
			Size:     file.size,
			Modified: file.modified,
		})
	}
	return out, nil
}

func (s *fakeSession) CreateFolder(_ context.Context, parent remote.FolderRef, name string) (remote.FolderRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("CreateFolder %s", name)
	if parent.IsRoot() && s.noRoot {
		return remote.FolderRef{}, remote.Errorf("create folder", name, remote.ErrMissingParent, "repository level")
	}
	f, err := s.folder(parent)
	if err != nil {
		return remote.FolderRef{}, err
	}
	child := &fakeFolder{id: s.id(), name: name, level: f.level + 1}
	f.children = append(f.children, child)
	s.byID[child.id] = child
	return remote.FolderRef{ID: child.id, Name: name, Level: child.level}, nil
}

func (s *fakeSession) CreateFile(_ context.Context, folder remote.FolderRef, filename string, size int64) (remote.FileRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("CreateFile %s %d", filename, size)
	f, err := s.folder(folder)
	if err != nil {
		return remote.FileRef{}, err
	}
	base, typ := remote.SplitName(filename)
	file := &fakeFile{id: s.id(), name: base, typ: typ, size: size, modified: s.now}
	f.files = append(f.files, file)
	return remote.FileRef{ID: file.id, Name: base, Type: typ, Folder: folder}, nil
}

func (s *fakeSession) UploadChunk(_ context.Context, file remote.FileRef, index, total int, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("UploadChunk %s %d/%d", file.Filename(), index, total)
	if s.failUpload > 0 {
		s.failUpload--
		kind := s.failKind
		if kind == nil {
			kind = remote.ErrUploadFailed
		}
		return remote.Errorf("upload", file.Filename(), kind, "chunk %d rejected", index)
	}
	f := s.findFile(file.ID)
	if f == nil {
		return remote.Errorf("upload", file.Filename(), remote.ErrUploadFailed, "no such file")
	}
	if index != f.chunks {
		return remote.Errorf("upload", file.Filename(), remote.ErrUploadFailed, "chunk %d out of order", index)
	}
	f.chunks++
	f.data = append(f.data, chunk...)
	return nil
}

func (s *fakeSession) DeleteFile(_ context.Context, file remote.FileRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("DeleteFile %s", file.Filename())
	if s.keepDeleted {
		return nil
	}
	for _, folder := range s.byID {
		for i, f := range folder.files {
			if f.id == file.ID {
				folder.files = append(folder.files[:i], folder.files[i+1:]...)
				return nil
			}
		}
	}
	return remote.Errorf("delete", file.Filename(), remote.ErrUnexpectedRemoteState, "no such file")
}

func (s *fakeSession) ChunkSize() int { return s.chunk }
func (s *fakeSession) Close() error   { return nil }

func (s *fakeSession) findFile(id string) *fakeFile {
	for _, folder := range s.byID {
		for _, f := range folder.files {
			if f.id == id {
				return f
			}
		}
	}
	return nil
}

func (s *fakeSession) lookup(path string) *fakeFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	segments := strings.Split(path, "/")
	current := s.root
	for _, name := range segments[:len(segments)-1] {
		var next *fakeFolder
		for _, child := range current.children {
			if child.name == name {
				next = child
			}
		}
		if next == nil {
			return nil
		}
		current = next
	}
	base, typ := remote.SplitName(segments[len(segments)-1])
	for _, f := range current.files {
		if f.name == base && f.typ == typ {
			return f
		}
	}
	return nil
}
