package listwatch

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/agentworkforce/adcsync/internal/portalsync"
)

const DirSourceName = "spool"

type DirSourceOptions struct {
	Root string
	// BasePath prefixes every logical path, e.g. "trellis/spool".
	BasePath string
	Gate     Gate
	// Watch keeps the source running after the initial scan and emits files
	// as they are written.
	Watch bool
	// Quiet is how long a file must go without writes before it is emitted.
	Quiet  time.Duration
	Logger logrus.FieldLogger
}

// DirSource turns files under a spool directory into items. A file at
// <root>/a/b.csv becomes <base>/a/b.csv with hyphens replaced in every
// segment.
type DirSource struct {
	root   string
	base   string
	gate   Gate
	watch  bool
	quiet  time.Duration
	logger logrus.FieldLogger
}

func NewDirSource(opts DirSourceOptions) (*DirSource, error) {
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		return nil, ErrInvalidInput
	}
	base := strings.Trim(strings.TrimSpace(opts.BasePath), "/")
	if base == "" {
		return nil, ErrInvalidInput
	}
	quiet := opts.Quiet
	if quiet <= 0 {
		quiet = 500 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &DirSource{
		root:   filepath.Clean(root),
		base:   base,
		gate:   opts.Gate,
		watch:  opts.Watch,
		quiet:  quiet,
		logger: logger.WithField("source", DirSourceName),
	}, nil
}

func (s *DirSource) Name() string {
	return DirSourceName
}

func (s *DirSource) Run(ctx context.Context, emit EmitFunc) error {
	if !s.watch {
		return s.Scan(ctx, emit)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			s.logger.WithError(err).Warn("failed to close spool watcher")
		}
	}()
	// Watch before scanning so files written during the scan are not missed.
	dirs, err := s.dirs(s.root)
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return err
		}
	}
	if err := s.Scan(ctx, emit); err != nil {
		return err
	}
	return s.watchLoop(ctx, watcher, emit)
}

func (s *DirSource) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, emit EmitFunc) error {
	dirty := map[string]time.Time{}
	ticker := time.NewTicker(s.quiet / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			info, err := fs.Stat(ev.Name)
			if err != nil {
				continue
			}
			if info.IsDir() {
				dirs, err := s.dirs(ev.Name)
				if err != nil {
					s.logger.WithError(err).Warn("failed to list new spool directory")
					continue
				}
				for _, dir := range dirs {
					if err := watcher.Add(dir); err != nil {
						s.logger.WithError(err).WithField("dir", dir).Warn("failed to watch spool directory")
					}
				}
				if err := s.scanDir(ctx, ev.Name, emit); err != nil {
					return err
				}
				continue
			}
			dirty[ev.Name] = time.Now()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.WithError(err).Warn("spool watcher error")
		case now := <-ticker.C:
			var ready []string
			for name, at := range dirty {
				if now.Sub(at) >= s.quiet {
					ready = append(ready, name)
					delete(dirty, name)
				}
			}
			for _, name := range ready {
				if err := s.emitFile(ctx, name, emit); err != nil {
					return err
				}
			}
		}
	}
}

// Scan emits every file currently under the spool directory.
func (s *DirSource) Scan(ctx context.Context, emit EmitFunc) error {
	return s.scanDir(ctx, s.root, emit)
}

func (s *DirSource) scanDir(ctx context.Context, dir string, emit EmitFunc) error {
	var files []string
	err := afero.Walk(fs, dir, func(name string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && !skipSpoolFile(info.Name()) {
			files = append(files, name)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, name := range files {
		if err := s.emitFile(ctx, name, emit); err != nil {
			return err
		}
	}
	return nil
}

func (s *DirSource) dirs(root string) ([]string, error) {
	var dirs []string
	err := afero.Walk(fs, root, func(name string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			dirs = append(dirs, name)
		}
		return nil
	})
	return dirs, err
}

func (s *DirSource) emitFile(ctx context.Context, name string, emit EmitFunc) error {
	if skipSpoolFile(filepath.Base(name)) {
		return nil
	}
	logical, err := s.LogicalPath(name)
	if err != nil {
		s.logger.WithError(err).WithField("file", name).Warn("skipping file outside spool")
		return nil
	}
	var (
		data []byte
		info os.FileInfo
	)
	read := func(context.Context) error {
		var err error
		if info, err = fs.Stat(name); err != nil {
			return err
		}
		data, err = afero.ReadFile(fs, name)
		return err
	}
	if s.gate != nil {
		err = s.gate.Local(ctx, read)
	} else {
		err = read(ctx)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Files can vanish between the event and the read.
		s.logger.WithError(err).WithField("file", name).Warn("failed to read spool file")
		return nil
	}
	return emit(ctx, Item{
		ID:            uuid.NewString(),
		Path:          logical,
		Payload:       data,
		LocalModified: info.ModTime(),
		Source:        DirSourceName,
	})
}

// LogicalPath maps a file under the spool root to its portal path.
func (s *DirSource) LogicalPath(name string) (string, error) {
	rel, err := filepath.Rel(s.root, name)
	if err != nil {
		return "", err
	}
	if rel == "." || strings.HasPrefix(rel, "..") {
		return "", ErrInvalidInput
	}
	return portalsync.SanitizePath(path.Join(s.base, filepath.ToSlash(rel))), nil
}

func skipSpoolFile(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp")
}
