package transfer

import (
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle position of a download item.
type State int

const (
	StateQueued State = iota
	StateDownloading
	StatePaused
	StateCompleted
	StateFailed
	StateCancelled
)

var stateNames = map[State]string{
	StateQueued:      "queued",
	StateDownloading: "downloading",
	StatePaused:      "paused",
	StateCompleted:   "completed",
	StateFailed:      "failed",
	StateCancelled:   "cancelled",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}

	return "unknown"
}

// MarshalText renders the state by name so JSON payloads and the history table stay readable.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	parsed, ok := ParseState(string(text))
	if !ok {
		return fmt.Errorf("unknown download state %q", text)
	}

	*s = parsed

	return nil
}

// ParseState is the inverse of State.String.
func ParseState(name string) (State, bool) {
	for s, n := range stateNames {
		if strings.EqualFold(n, name) {
			return s, true
		}
	}

	return 0, false
}

// IsTerminal reports whether no further automatic transition can happen.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// transitions lists every edge of the download state machine.
var transitions = map[State][]State{
	StateQueued:      {StateDownloading, StateCancelled},
	StateDownloading: {StatePaused, StateCompleted, StateFailed, StateCancelled},
	StatePaused:      {StateQueued, StateCancelled},
	StateFailed:      {StateQueued, StateCancelled},
	StateCancelled:   {StateQueued},
	StateCompleted:   {},
}

// CanTransition reports whether moving from s to next is a legal edge.
func (s State) CanTransition(next State) bool {
	for _, to := range transitions[s] {
		if to == next {
			return true
		}
	}

	return false
}

// Item is a point-in-time view of one file download.
type Item struct {
	ID             string
	OwnerID        string
	FileName       string
	URL            string
	Path           string
	TotalSize      int64
	DownloadedSize int64
	State          State
	ErrorMessage   string
	Speed          float64 // bytes per second
	ETA            *time.Duration
	CreatedAt      time.Time
}

// ItemID builds the composite key used to address a download.
func ItemID(ownerID, fileName string) string {
	return ownerID + "/" + fileName
}

// SanitizeOwner flattens an owner id into a single directory name.
func SanitizeOwner(ownerID string) string {
	return strings.NewReplacer("/", "_", "\\", "_").Replace(ownerID)
}

// Progress returns the completed fraction in [0, 1], or 0 when the size is unknown.
func (i Item) Progress() float64 {
	if i.TotalSize <= 0 {
		return 0
	}

	return min(1.0, float64(i.DownloadedSize)/float64(i.TotalSize))
}

func (i Item) IsActive() bool {
	return i.State == StateDownloading
}

func (i Item) IsFinished() bool {
	return i.State.IsTerminal()
}

// ResetStats clears the sampled transfer rate.
func (i *Item) ResetStats() {
	i.Speed = 0
	i.ETA = nil
}
