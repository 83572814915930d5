package agent

import "strings"

// DoneDetector decides whether an agent reply announces task completion.
type DoneDetector interface {
	Done(reply string) bool
}

// MarkerDetector reports completion when a reply contains any of the
// configured done markers. Markers are protocol tokens the system prompt
// instructs the agent to emit verbatim, so matching is case-sensitive;
// prose like "the subtask completed" must not trip it.
type MarkerDetector struct {
	markers []string
}

// NewMarkerDetector creates a MarkerDetector for the given markers.
func NewMarkerDetector(markers []string) *MarkerDetector {
	kept := make([]string, 0, len(markers))
	for _, m := range markers {
		if m = strings.TrimSpace(m); m != "" {
			kept = append(kept, m)
		}
	}
	return &MarkerDetector{markers: kept}
}

// Done implements DoneDetector.
func (d *MarkerDetector) Done(reply string) bool {
	for _, m := range d.markers {
		if strings.Contains(reply, m) {
			return true
		}
	}
	return false
}
