package adcweb

import (
	"math"
	"strings"

	"github.com/agentworkforce/adcsync/internal/remote"
)

type NodeState int

const (
	StateUnknown NodeState = iota
	StateClosedFolder
	StateOpenFolder
	StateFile
)

func (s NodeState) String() string {
	switch s {
	case StateClosedFolder:
		return "closed-folder"
	case StateOpenFolder:
		return "open-folder"
	case StateFile:
		return "file"
	default:
		return "unknown"
	}
}

func (s NodeState) IsFolder() bool {
	return s == StateClosedFolder || s == StateOpenFolder
}

// IconStyles maps computed style values of a row's icon element to node
// states. Values are compared after whitespace normalization.
type IconStyles struct {
	ClosedFolder []string `json:"closedFolder,omitempty"`
	OpenFolder   []string `json:"openFolder,omitempty"`
	File         []string `json:"file,omitempty"`
}

// Classify decides a row's state from its icon's computed style, falling
// back to the tree widget's icon class tokens.
func (s IconStyles) Classify(probe RowProbe) (NodeState, error) {
	if style := normalizeStyle(probe.IconStyle); style != "" {
		switch {
		case containsStyle(s.ClosedFolder, style):
			return StateClosedFolder, nil
		case containsStyle(s.OpenFolder, style):
			return StateOpenFolder, nil
		case containsStyle(s.File, style):
			return StateFile, nil
		}
	}
	for _, token := range strings.Fields(probe.NodeClass) {
		code, ok := strings.CutPrefix(token, "fancytree-ico-")
		if !ok || code == "" {
			continue
		}
		if !strings.Contains(code, "f") {
			return StateFile, nil
		}
		if strings.HasPrefix(code, "e") {
			return StateOpenFolder, nil
		}
		return StateClosedFolder, nil
	}
	return StateUnknown, remote.Errorf("classify row", probe.Title, remote.ErrUnexpectedRemoteState,
		"unrecognized icon style %q with classes %q", probe.IconStyle, probe.NodeClass)
}

func containsStyle(values []string, style string) bool {
	for _, v := range values {
		if normalizeStyle(v) == style {
			return true
		}
	}
	return false
}

func normalizeStyle(style string) string {
	return strings.Join(strings.Fields(strings.ToLower(style)), " ")
}

// levelOf converts a row's rendered indentation into a depth, top-level
// rows being depth zero.
func levelOf(indent, unit float64) int {
	if unit <= 0 {
		unit = DefaultIndentUnit
	}
	return int(math.Round(indent / unit))
}
