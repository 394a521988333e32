package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrNoItem is returned by a Source when nothing exists at the requested key.
	// It ends the unit of work without counting as a failure.
	ErrNoItem = errors.New("no item at key")
	// ErrTerminal marks a remote failure that must not be retried.
	ErrTerminal = errors.New("terminal remote error")
)

// StatusError reports a non-2xx HTTP response from a remote site.
type StatusError struct {
	Code int
	URL  string
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
	}
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("unexpected status %d from %s: %s", e.Code, e.URL, body)
}

// Transient reports whether the status is worth retrying.
func (e *StatusError) Transient() bool {
	return e.Code >= http.StatusInternalServerError || e.Code == http.StatusTooManyRequests
}

// Terminal wraps err so IsTerminal reports true for it.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTerminal, err)
}

// IsTerminal reports whether err must not be retried.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTerminal) || errors.Is(err, ErrNoItem) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return !statusErr.Transient()
	}
	return false
}

// IsTransient reports whether err should be retried by the retry policy.
func IsTransient(err error) bool {
	if err == nil || IsTerminal(err) {
		return false
	}
	// A per-call deadline is retried; a canceled run is not.
	return !errors.Is(err, context.Canceled)
}
