package portalsync

import (
	"strings"

	"github.com/agentworkforce/adcsync/internal/remote"
)

// LogicalPath is a slash separated portal path: at least one folder followed
// by a filename.
type LogicalPath struct {
	Folders  []string
	Filename string
}

func ParsePath(raw string) (LogicalPath, error) {
	trimmed := strings.Trim(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return LogicalPath{}, remote.Errorf("parse", raw, remote.ErrInvalidPath, "empty path")
	}
	segments := strings.Split(trimmed, "/")
	if len(segments) < 2 {
		return LogicalPath{}, remote.Errorf("parse", raw, remote.ErrInvalidPath, "need a folder and a filename")
	}
	for _, segment := range segments {
		if strings.TrimSpace(segment) == "" {
			return LogicalPath{}, remote.Errorf("parse", raw, remote.ErrInvalidPath, "empty segment")
		}
	}
	return LogicalPath{
		Folders:  segments[:len(segments)-1],
		Filename: segments[len(segments)-1],
	}, nil
}

// Validate rejects names the portal cannot store. Hyphens are silently
// rewritten by the portal and would never match on the next lookup.
func (p LogicalPath) Validate() error {
	for _, segment := range p.Segments() {
		if strings.Contains(segment, "-") {
			return remote.Errorf("validate", p.String(), remote.ErrInvalidName, "segment %q contains a hyphen", segment)
		}
	}
	return nil
}

func (p LogicalPath) Segments() []string {
	out := make([]string, 0, len(p.Folders)+1)
	out = append(out, p.Folders...)
	return append(out, p.Filename)
}

func (p LogicalPath) Dir() string {
	return strings.Join(p.Folders, "/")
}

func (p LogicalPath) String() string {
	return strings.Join(p.Segments(), "/")
}

// SanitizeSegment makes a name acceptable to the portal.
func SanitizeSegment(segment string) string {
	return strings.ReplaceAll(segment, "-", "_")
}

// SanitizePath applies SanitizeSegment to every segment of a slash separated
// path.
func SanitizePath(raw string) string {
	segments := strings.Split(raw, "/")
	for i, segment := range segments {
		segments[i] = SanitizeSegment(segment)
	}
	return strings.Join(segments, "/")
}
