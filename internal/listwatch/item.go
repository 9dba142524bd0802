package listwatch

import (
	"context"
	"errors"
	"time"

	"github.com/agentworkforce/adcsync/internal/portalsync"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Item is one payload waiting to be placed on the portal.
type Item struct {
	ID               string    `json:"id"`
	Path             string    `json:"path"`
	Payload          []byte    `json:"payload"`
	LocalModified    time.Time `json:"localModified"`
	RevisionOverride *int64    `json:"revisionOverride,omitempty"`
	CurrentRevision  *int64    `json:"currentRevision,omitempty"`
	Source           string    `json:"source"`
	Attempt          int       `json:"attempt"`
}

func (i Item) Request() portalsync.Request {
	return portalsync.Request{
		Path:             i.Path,
		Payload:          i.Payload,
		LocalModified:    i.LocalModified,
		RevisionOverride: i.RevisionOverride,
		CurrentRevision:  i.CurrentRevision,
	}
}

// EmitFunc hands an item to the pending queue. It blocks while the queue is
// full and fails only when ctx ends.
type EmitFunc func(ctx context.Context, item Item) error

// Source produces items until ctx is cancelled.
type Source interface {
	Name() string
	Run(ctx context.Context, emit EmitFunc) error
}

// Checker answers staleness questions without uploading.
type Checker interface {
	Check(ctx context.Context, req portalsync.CheckRequest) (portalsync.CheckResult, error)
}

// Gate bounds concurrent local work such as feed fetches and file reads.
type Gate interface {
	Local(ctx context.Context, fn func(context.Context) error) error
}
