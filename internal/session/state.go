package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/FranksOps/prospect/internal/storage"
)

// State is the lifecycle position of a scrape session.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateStreaming
	StateCompleted
	StateErrored
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further stream processing happens in s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateErrored || s == StateCancelled
}

var (
	// ErrBusy is returned by Run while another run is in flight on the same session.
	ErrBusy = errors.New("session already running")
	// ErrStreamEnded is returned when the body ends before a complete or error event.
	ErrStreamEnded = errors.New("stream ended before completion")
)

// defaultStreamError stands in for an error event with no message.
const defaultStreamError = "The scraper service reported an error."

// StreamError carries an error event sent by the backend.
type StreamError struct {
	Message string
}

func newStreamError(msg string) *StreamError {
	if strings.TrimSpace(msg) == "" {
		msg = defaultStreamError
	}
	return &StreamError{Message: msg}
}

func (e *StreamError) Error() string {
	return "scrape failed: " + e.Message
}

// Progress describes an in-flight scrape for display.
type Progress struct {
	Current    int
	Total      int
	Message    string
	TotalFound int
	Done       bool
}

// Snapshot is a copy of a session's observable state.
type Snapshot struct {
	State      State
	SearchTerm string
	// Progress is nil once the display has been cleared after completion.
	Progress *Progress
	Records  []storage.BusinessRecord
	// Err is set in StateErrored.
	Err error
	// Saved is the count reported by the forwarder; -1 until known.
	Saved      int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Observer receives a snapshot after every state change. Calls are made
// synchronously and in order from the goroutine running the session, except
// the final progress clear, which comes from a timer goroutine.
type Observer func(Snapshot)
