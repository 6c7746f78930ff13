package capsnet

import (
	"fmt"
	"strings"
)

// Mode determines how a Model chooses the capsules it
// feeds to its reconstruction network.
type Mode int

const (
	// Train masks capsules with the true labels.
	Train Mode = iota

	// Test masks capsules with the longest capsules.
	Test

	// Play perturbs capsules with noise, then masks them
	// with the true labels.
	Play
)

// ParseMode parses a Mode from its name.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "train":
		return Train, nil
	case "test":
		return Test, nil
	case "play":
		return Play, nil
	default:
		return 0, fmt.Errorf("mode not recognized: %s", s)
	}
}

// String returns the name of the mode.
func (m Mode) String() string {
	switch m {
	case Train:
		return "train"
	case Test:
		return "test"
	case Play:
		return "play"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

func (m Mode) valid() bool {
	return m == Train || m == Test || m == Play
}
