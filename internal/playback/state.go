package playback

// State is the lifecycle state of a playback session.
type State int

const (
	StateIdle State = iota
	StateLoading
	StatePlaying
	StatePaused
	StateFinished
	StateCancelled
)

// String returns the wire name of the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateFinished:
		return "finished"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether no further transitions are possible. Any tick or
// event targeting a terminal session is stale and must be dropped.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateCancelled
}
