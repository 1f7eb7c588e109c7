package transcribe

import (
	"errors"
	"fmt"
)

// State is a Worker's lifecycle stage.
type State int

const (
	// StateUninitialized is a constructed worker that holds no resources.
	StateUninitialized State = iota
	// StateInitializing covers opening the engine session and warming it up.
	StateInitializing
	// StateRunning means the loop is consuming recordings.
	StateRunning
	// StateStopping means shutdown was requested; no new work is accepted.
	StateStopping
	// StateTerminated means the loop has exited and the session is closed.
	// A terminated worker may be started again.
	StateTerminated
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Active reports whether the worker holds or is acquiring an engine session.
func (s State) Active() bool {
	return s == StateInitializing || s == StateRunning || s == StateStopping
}

var (
	// ErrAlreadyActive is returned by Start when the worker is not
	// Uninitialized or Terminated.
	ErrAlreadyActive = errors.New("transcribe: worker already active")

	// ErrNotRunning is returned when audio is submitted to a worker that is
	// not Running.
	ErrNotRunning = errors.New("transcribe: worker not running")

	// ErrShutdownTimeout is returned by Shutdown when the loop did not exit
	// in time. The worker is unrecoverable afterwards.
	ErrShutdownTimeout = errors.New("transcribe: shutdown timed out")

	// ErrUnrecoverable is returned by Start after a shutdown timeout: the
	// previous engine call may still be running and the session is not safe
	// to reuse.
	ErrUnrecoverable = errors.New("transcribe: worker is unrecoverable")
)

// transitions lists the legal next states. Terminated → Initializing is the
// restart edge; everything else only moves forward.
var transitions = map[State][]State{
	StateUninitialized: {StateInitializing},
	StateInitializing:  {StateRunning, StateStopping, StateTerminated},
	StateRunning:       {StateStopping},
	StateStopping:      {StateTerminated},
	StateTerminated:    {StateInitializing},
}

// transition validates from → to.
func transition(from, to State) error {
	for _, s := range transitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("transcribe: illegal state transition %s -> %s", from, to)
}
