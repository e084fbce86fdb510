package remote

import (
	"errors"
	"fmt"
)

// Kind categorizes failures talking to the dashboard backend.
type Kind string

const (
	KindTransport Kind = "transport" // request could not be sent or the connection dropped
	KindStatus    Kind = "status"    // backend answered with a non-2xx status
	KindDecode    Kind = "decode"    // response body did not have the expected shape
	KindRejected  Kind = "rejected"  // backend answered 2xx but reported success=false
)

// ErrInvalidRequest is returned before any network call for unusable input.
var ErrInvalidRequest = errors.New("invalid scrape request")

// Error is a structured failure from the backend client.
type Error struct {
	Kind Kind
	// Op is the endpoint operation, "scrape" or "save".
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// UserMessage returns the text shown in the error banner.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindTransport:
		return "Could not reach the scraper service. Check your connection and try again."
	case KindStatus:
		return fmt.Sprintf("Scraper service rejected the request (%s).", e.Message)
	case KindDecode:
		return "Received an invalid response from the scraper service."
	case KindRejected:
		if e.Message != "" {
			return e.Message
		}
		return "The scraper service reported a failure."
	default:
		return e.Message
	}
}

// KindOf returns the Kind of err if it wraps an *Error.
func KindOf(err error) (Kind, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return "", false
}
