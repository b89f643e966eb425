package offcourse

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the offcourse package.
var (
	// ErrClosed is returned when operations are attempted on a closed client
	// or store.
	ErrClosed = errors.New("store is closed")

	// ErrNotFound is returned when a cached document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrStorageFull is returned when the local store cannot accept a write
	// for lack of space. Callers may evict non-essential documents and retry.
	ErrStorageFull = errors.New("local storage full")

	// ErrStorageCorrupt is returned when local data corruption is detected.
	ErrStorageCorrupt = errors.New("local storage corrupt")

	// ErrNetworkUnavailable is returned for transient connectivity failures.
	// Operations failing with it are retried and never surfaced to the user.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrBackendRejected is returned when the backend refuses an operation
	// outright (validation failure, expired auth). Not retryable.
	ErrBackendRejected = errors.New("backend rejected operation")

	// ErrSyncInProgress is returned by a sync trigger that was coalesced into
	// an already running cycle. Benign; the in-flight cycle covers it.
	ErrSyncInProgress = errors.New("sync already in progress")
)

// StoreErrorType categorizes local store errors.
type StoreErrorType int

const (
	// StoreErrorTypeUnknown is an unclassified store error.
	StoreErrorTypeUnknown StoreErrorType = iota
	// StoreErrorTypeRead indicates a read failure.
	StoreErrorTypeRead
	// StoreErrorTypeWrite indicates a write failure.
	StoreErrorTypeWrite
	// StoreErrorTypeFull indicates the store is out of space.
	StoreErrorTypeFull
	// StoreErrorTypeCorruption indicates data corruption.
	StoreErrorTypeCorruption
)

// StoreError provides detailed information about local store failures.
type StoreError struct {
	Type    StoreErrorType
	Message string
	Path    string
	Cause   error
}

func (e *StoreError) Error() string {
	if e.Path != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s [%s]: %v", e.Message, e.Path, e.Cause)
		}
		return fmt.Sprintf("%s [%s]", e.Message, e.Path)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for StoreError.
func (e *StoreError) Is(target error) bool {
	switch e.Type {
	case StoreErrorTypeFull:
		return target == ErrStorageFull
	case StoreErrorTypeCorruption:
		return target == ErrStorageCorrupt
	}
	return false
}

// newStoreError creates a new StoreError.
func newStoreError(errType StoreErrorType, message, path string, cause error) *StoreError {
	return &StoreError{
		Type:    errType,
		Message: message,
		Path:    path,
		Cause:   cause,
	}
}

// BackendError describes a failed backend call with enough detail to decide
// between transparent retry and dropping the operation.
type BackendError struct {
	StatusCode int
	Endpoint   string
	Message    string
	Cause      error
}

func (e *BackendError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("backend %s: status %d: %s", e.Endpoint, e.StatusCode, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("backend %s: %v", e.Endpoint, e.Cause)
	}
	return fmt.Sprintf("backend %s: %s", e.Endpoint, e.Message)
}

func (e *BackendError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for BackendError. Server-side and transport
// failures match ErrNetworkUnavailable; client-side rejections match
// ErrBackendRejected. Timeouts (408) and throttling (429) count as
// transient, not rejections.
func (e *BackendError) Is(target error) bool {
	switch target {
	case ErrNetworkUnavailable:
		return e.StatusCode == 0 || e.StatusCode >= 500 ||
			e.StatusCode == 408 || e.StatusCode == 429
	case ErrBackendRejected:
		return e.StatusCode >= 400 && e.StatusCode < 500 &&
			e.StatusCode != 408 && e.StatusCode != 429
	}
	return false
}

// OpError wraps a queued operation failure with its idempotency key so the
// UI error handler can identify the dropped mutation.
type OpError struct {
	OpID string
	Kind OpKind
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("operation %s (%s): %v", e.OpID, e.Kind, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}
