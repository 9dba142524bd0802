package portalsync

import (
	"time"

	"github.com/agentworkforce/adcsync/internal/remote"
)

// StaleInput is everything the staleness decision looks at. Zero
// LocalModified and nil revisions mean the value is not known.
type StaleInput struct {
	LocalModified    time.Time
	LocalSize        int64
	Remote           *remote.FileSummary
	RevisionOverride *int64
	CurrentRevision  *int64
}

// Reason names the rule that decided a staleness check.
type Reason string

const (
	ReasonMissing          Reason = "missing"
	ReasonRemoteNewer      Reason = "remote-newer"
	ReasonSameSize         Reason = "same-size"
	ReasonRevisionOverride Reason = "revision-override"
	ReasonChanged          Reason = "changed"
)

// IsStale reports whether the remote copy must be replaced. Rules are checked
// in order and the first match wins. Equal sizes count as unchanged even
// when content differs.
func IsStale(in StaleInput) bool {
	stale, _ := Decide(in)
	return stale
}

func Decide(in StaleInput) (bool, Reason) {
	if in.Remote == nil {
		return true, ReasonMissing
	}
	if !in.Remote.Modified.IsZero() && !in.LocalModified.IsZero() && in.Remote.Modified.After(in.LocalModified) {
		return false, ReasonRemoteNewer
	}
	if in.Remote.Size >= 0 && in.Remote.Size == in.LocalSize {
		return false, ReasonSameSize
	}
	if in.RevisionOverride != nil && in.CurrentRevision != nil && *in.CurrentRevision <= *in.RevisionOverride {
		return false, ReasonRevisionOverride
	}
	return true, ReasonChanged
}

// Rev returns a pointer to n for optional revision fields.
func Rev(n int64) *int64 {
	return &n
}
