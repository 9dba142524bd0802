package portalsync

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/adcsync/internal/remote"
)

// Resolution is where a logical path lives on the portal. File is nil when
// the folder chain exists but the file does not.
type Resolution struct {
	Path   LogicalPath
	Folder remote.FolderRef
	File   *remote.FileSummary
}

// Resolver walks logical paths on a session, creating folders that do not
// exist yet. Creation is not guarded against concurrent creators; callers
// hold the governor's remote gate.
type Resolver struct {
	session remote.Session
	logger  logrus.FieldLogger
	onMkdir func(path string)
}

func NewResolver(session remote.Session, logger logrus.FieldLogger) *Resolver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Resolver{session: session, logger: logger}
}

func (r *Resolver) Resolve(ctx context.Context, path LogicalPath) (Resolution, error) {
	folder, err := r.ResolveFolder(ctx, path.Folders)
	if err != nil {
		return Resolution{}, err
	}
	files, err := r.session.ListFiles(ctx, folder)
	if err != nil {
		return Resolution{}, remote.Wrap("list files", path.Dir(), remote.ErrRemoteUnavailable, err)
	}
	base, fileType := remote.SplitName(path.Filename)
	res := Resolution{Path: path, Folder: folder}
	for i := range files {
		if files[i].Name == base && files[i].Type == fileType {
			found := files[i]
			res.File = &found
			break
		}
	}
	return res, nil
}

// ResolveFolder returns the folder at the end of the chain, creating every
// missing link from the first absent one down.
func (r *Resolver) ResolveFolder(ctx context.Context, folders []string) (remote.FolderRef, error) {
	current := remote.Root()
	walked := make([]string, 0, len(folders))
	for _, name := range folders {
		walked = append(walked, name)
		at := strings.Join(walked, "/")

		children, err := r.session.ListFolders(ctx, current)
		if err != nil {
			return remote.FolderRef{}, remote.Wrap("list folders", at, remote.ErrRemoteUnavailable, err)
		}
		next, ok := findFolder(children, name)
		if !ok {
			r.logger.WithField("path", at).Info("creating missing portal folder")
			next, err = r.session.CreateFolder(ctx, current, name)
			if err != nil {
				return remote.FolderRef{}, remote.Wrap("create folder", at, remote.ErrMissingParent, err)
			}
			if r.onMkdir != nil {
				r.onMkdir(at)
			}
		}
		current = next
	}
	return current, nil
}

func findFolder(children []remote.FolderSummary, name string) (remote.FolderRef, bool) {
	for _, child := range children {
		if child.Name == name {
			return child.Ref, true
		}
	}
	return remote.FolderRef{}, false
}
