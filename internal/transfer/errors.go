package transfer

import (
	"errors"
	"fmt"
)

// ErrInvalidItem is returned when a download cannot be addressed from the given owner and file name.
var ErrInvalidItem = errors.New("invalid download item")

// TransportError represents failures talking to the remote server: unexpected HTTP
// status codes, connection failures, interrupted streams and timeouts.
type TransportError struct {
	URL        string // The URL being fetched
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Reason     string // Human-readable explanation of the failure
	Err        error  // Underlying error, if any
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transport error for %s (HTTP %d): %s", e.URL, e.StatusCode, e.Reason)
	}

	return fmt.Sprintf("transport error for %s: %s", e.URL, e.Reason)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// FilesystemError represents failures creating directories or opening, writing or
// deleting the destination file.
type FilesystemError struct {
	Op   string // The operation that failed (e.g., "mkdir", "open", "write", "remove")
	Path string // The path involved
	Err  error  // Underlying error, if any
}

func (e *FilesystemError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("filesystem error during %s of '%s': %v", e.Op, e.Path, e.Err)
	}

	return fmt.Sprintf("filesystem error during %s of '%s'", e.Op, e.Path)
}

func (e *FilesystemError) Unwrap() error {
	return e.Err
}

// CallbackError represents a panic raised by a host notification hook.
type CallbackError struct {
	Hook      string // "state_change" or "progress"
	ItemID    string // The download being reported when the hook failed
	Recovered any    // The recovered panic value
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("%s hook failed for %s: %v", e.Hook, e.ItemID, e.Recovered)
}

func (e *CallbackError) Unwrap() error {
	if err, ok := e.Recovered.(error); ok {
		return err
	}

	return nil
}
