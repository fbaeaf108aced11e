package receiver

import "fmt"

// State is the lifecycle state of one stream session. Transitions are
// driven by the network read loop, except Steady→Stalled which is set by
// the playback callback when it runs dry for longer than the configured
// tolerance.
type State uint32

const (
	// StateUninitialized is a session that has not received its first
	// data packet yet.
	StateUninitialized State = iota

	// StatePrefilling accumulates frames without playing until the
	// prefill target is reached.
	StatePrefilling

	// StateSteady plays back while the ring is continuously fed.
	StateSteady

	// StateStalled is set by the playback callback after a sustained
	// underrun; the next packet restarts prefilling with a doubled
	// target.
	StateStalled

	// StateDraining accepts no new frames and plays out whatever is
	// buffered; the session is removed once empty or timed out.
	StateDraining
)

func (st State) String() string {
	switch st {
	case StateUninitialized:
		return "uninitialized"
	case StatePrefilling:
		return "prefilling"
	case StateSteady:
		return "steady"
	case StateStalled:
		return "stalled"
	case StateDraining:
		return "draining"
	default:
		return fmt.Sprintf("state(%d)", uint32(st))
	}
}
