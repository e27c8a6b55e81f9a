package caristo

// State represents the current state of a Pipeline.
type State int32

const (
	// StateIdle indicates no cycle is running. The pipeline is waiting for
	// the next notification.
	StateIdle State = iota

	// StateScanning indicates the collector is reading the fleet.
	StateScanning

	// StateApplying indicates the output tree is being written.
	StateApplying

	// StateStopped indicates the pipeline has shut down and starts no new
	// cycles.
	StateStopped
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateApplying:
		return "applying"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
