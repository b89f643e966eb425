package offcourse

import (
	"errors"
	"net/http"
	"regexp"
	"strings"
	"sync"
)

// HTTPDoer is an interface for making HTTP requests.
// It is implemented by *http.Client and can be mocked in tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Validation errors
var (
	ErrInvalidEntityID = errors.New("invalid entity id")
	ErrInvalidKind     = errors.New("invalid operation kind")
)

// entityIDRegex validates entity ids: alphanumeric, underscores, dashes, dots.
// Must start with a letter or digit.
var entityIDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.\-]*$`)

// maxEntityIDLen is the maximum allowed entity id length
const maxEntityIDLen = 256

// ValidateEntityID validates a course, module, lesson, or quiz identifier.
func ValidateEntityID(id string) error {
	if id == "" {
		return ErrInvalidEntityID
	}
	if len(id) > maxEntityIDLen {
		return ErrInvalidEntityID
	}
	// Check for path traversal attempts
	if strings.Contains(id, "..") || strings.HasPrefix(id, "/") {
		return ErrInvalidEntityID
	}
	if !entityIDRegex.MatchString(id) {
		return ErrInvalidEntityID
	}
	return nil
}

// closedFlag is a one-way latch guarding closed components.
type closedFlag struct {
	mu     sync.Mutex
	closed bool
}

// set latches the flag and reports whether this call flipped it.
func (f *closedFlag) set() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.closed = true
	return true
}

func (f *closedFlag) isSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
