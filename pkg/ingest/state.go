package ingest

// State is a channel lifecycle state.
type State int

const (
	// StateOpen accepts appends.
	StateOpen State = iota
	// StateClosing waits for commits to catch up; appends are rejected.
	StateClosing
	// StateClosed is terminal: commits caught up and the channel was dropped.
	StateClosed
	// StateFailed is terminal: a request failed after retries. The failure
	// is available from Channel.State.
	StateFailed
	// StateTimedOut is terminal: commits did not catch up before the close deadline.
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed || s == StateTimedOut
}
