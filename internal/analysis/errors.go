package analysis

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
)

// ValidationError is a precondition failure caught before any network
// activity. Message is shown to the user as-is.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Precondition failures.
var (
	ErrNoAOI       = &ValidationError{Message: "Please select an AOI (Area of Interest) on the map to proceed"}
	ErrNoDateRange = &ValidationError{Message: "Please select a date range to proceed"}
)

// ErrBusy is returned by Submit while a submission is in flight.
var ErrBusy = eris.New("analysis: a submission is already in progress")

// ChannelError is a progress-channel failure: an explicit error message from
// the service, or a connection that could not be opened or broke.
type ChannelError struct {
	Message string
	Err     error
}

func (e *ChannelError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "WebSocket communication error"
}

func (e *ChannelError) Unwrap() error { return e.Err }

// RequestError is a failed analysis request. StatusCode is zero for
// transport failures.
type RequestError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *RequestError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("Request failed with status code %d", e.StatusCode)
	}
	return "An unexpected error occurred."
}

func (e *RequestError) Unwrap() error { return e.Err }

// userMessage returns the text shown for a failed submission.
func userMessage(err error) string {
	if err == nil {
		return ""
	}
	var ce *ChannelError
	if errors.As(err, &ce) {
		return ce.Error()
	}
	var re *RequestError
	if errors.As(err, &re) {
		return re.Error()
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Error()
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "An unexpected error occurred."
}
