package logs

import (
	"strings"
	"sync/atomic"
)

// LiveMessage is the line of the event synthesized when a deployment completes.
const LiveMessage = "Your deployment is live 🎉"

// DefaultMarker is the substring that signals a successful build.
const DefaultMarker = "Done"

// Detector recognises the terminal-success marker in a log line.
type Detector struct {
	Marker string
}

// NewDetector returns a Detector for marker, falling back to DefaultMarker.
func NewDetector(marker string) Detector {
	if marker == "" {
		marker = DefaultMarker
	}
	return Detector{Marker: marker}
}

// Matches reports whether line carries the marker. Synthesized events never match.
func (d Detector) Matches(line string) bool {
	if d.Marker == "" || line == LiveMessage {
		return false
	}
	return strings.Contains(line, d.Marker)
}

// completion is the per-deployment pending -> completed state machine.
type completion struct {
	done atomic.Bool
}

// complete moves pending -> completed and reports whether this call did it.
func (c *completion) complete() bool { return c.done.CompareAndSwap(false, true) }

// revert returns to pending after a failed synthesis.
func (c *completion) revert() { c.done.Store(false) }

func (c *completion) seal() { c.done.Store(true) }

func (c *completion) completed() bool { return c.done.Load() }
