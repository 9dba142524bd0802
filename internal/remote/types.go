package remote

import (
	"strings"
	"time"
)

// FolderRef identifies a folder on the portal. The zero value refers to the
// repository root. IDs are backend specific and only valid for the session
// that produced them.
type FolderRef struct {
	ID    string
	Name  string
	Level int
}

func Root() FolderRef {
	return FolderRef{Level: -1}
}

func (f FolderRef) IsRoot() bool {
	return f.ID == ""
}

type FileRef struct {
	ID     string
	Name   string
	Type   string
	Folder FolderRef
}

// Filename returns the full name of the file including its type suffix.
func (f FileRef) Filename() string {
	return JoinName(f.Name, f.Type)
}

type FolderSummary struct {
	Name string
	Ref  FolderRef
}

// FileSummary is what a listing reports about one file. Size is -1 and
// Modified is zero when the backend could not report them.
type FileSummary struct {
	Ref      FileRef
	Name     string
	Type     string
	Size     int64
	Modified time.Time
}

type Credentials struct {
	BaseURL    string
	LoginURL   string
	Username   string
	Password   string
	Repository string
}

// SplitName splits a filename into its base name and type, the type being
// everything after the last dot. Names without a dot have an empty type.
func SplitName(filename string) (string, string) {
	idx := strings.LastIndex(filename, ".")
	if idx < 0 {
		return filename, ""
	}
	return filename[:idx], filename[idx+1:]
}

func JoinName(base, fileType string) string {
	if fileType == "" {
		return base
	}
	return base + "." + fileType
}
