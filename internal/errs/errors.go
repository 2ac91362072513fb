package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrBackendUnavailable covers network, auth, quota and 5xx/429 failures of a classifier call.
	ErrBackendUnavailable = errors.New("backend_unavailable")
	// ErrBackendTimeout is returned when a classifier call exceeds its deadline.
	ErrBackendTimeout = errors.New("backend_timeout")
	// ErrNoMatches is the terminal "nothing to extract" outcome. It is not a failure.
	ErrNoMatches = errors.New("no_matches")
	// ErrUnparseable means a batch result could not be read as structured data at all.
	ErrUnparseable = errors.New("unparseable_result")
)

// ConfigurationError represents invalid run configuration or unreadable input.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %s", e.Message)
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
}

// Config is a shorthand constructor for ConfigurationError.
func Config(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// MalformedVerdict describes a single match entry that was dropped.
type MalformedVerdict struct {
	Index  int
	Page   string
	Reason string
}

func (e *MalformedVerdict) Error() string {
	if e.Page == "" {
		return fmt.Sprintf("malformed verdict #%d: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("malformed verdict #%d (page %s): %s", e.Index, e.Page, e.Reason)
}

// HTTPError represents a non-2xx status from a remote backend.
type HTTPError struct {
	StatusCode int
	Body       string
	Provider   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d from %s: %s", e.StatusCode, e.Provider, e.Body)
}

// Unavailable wraps cause so that errors.Is(err, ErrBackendUnavailable) holds.
func Unavailable(provider string, cause error) error {
	return fmt.Errorf("%s: %w: %w", provider, ErrBackendUnavailable, cause)
}

// Timeout wraps cause so that errors.Is(err, ErrBackendTimeout) holds.
func Timeout(provider string, cause error) error {
	return fmt.Errorf("%s: %w: %w", provider, ErrBackendTimeout, cause)
}

func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
