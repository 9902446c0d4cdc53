package turn

import (
	"fmt"
	"strings"
)

// InterlockPolicy decides what happens to the microphone while the avatar speaks.
type InterlockPolicy int

const (
	// SuspendMicWhileSpeaking stops recognition for as long as the avatar
	// has speech in flight or queued.
	SuspendMicWhileSpeaking InterlockPolicy = iota
	// BargeInAllowed keeps recognition running so the user can talk over
	// the avatar.
	BargeInAllowed
)

func (p InterlockPolicy) String() string {
	switch p {
	case SuspendMicWhileSpeaking:
		return "suspend_mic"
	case BargeInAllowed:
		return "barge_in"
	default:
		return "unknown"
	}
}

// ParseInterlockPolicy accepts "suspend_mic" and "barge_in". Empty selects
// SuspendMicWhileSpeaking.
func ParseInterlockPolicy(s string) (InterlockPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "suspend_mic", "suspend":
		return SuspendMicWhileSpeaking, nil
	case "barge_in", "bargein":
		return BargeInAllowed, nil
	default:
		return SuspendMicWhileSpeaking, fmt.Errorf("turn: unknown interlock policy %q", s)
	}
}
