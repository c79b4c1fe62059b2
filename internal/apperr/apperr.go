// Package apperr defines the closed set of error kinds shared by the
// Allocator, Store, Coordinator, and Fan-out Server, and the single place
// that maps them onto HTTP status codes.
package apperr

import (
	"errors"
	"net/http"
)

var (
	// ErrAlreadyExists is returned when a unique constraint would be violated
	// by a non-idempotent insert (e.g. a venue code that is already taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidCode is returned when a venue code fails the 4-char
	// alphanumeric rule.
	ErrInvalidCode = errors.New("invalid venue code")

	// ErrInvalidArgs is returned for any other malformed input.
	ErrInvalidArgs = errors.New("invalid arguments")

	// ErrNotFound is returned when a venue, batch, image, or hostname does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrExhausted is returned when a hostname pool has no available entries.
	ErrExhausted = errors.New("pool exhausted")

	// ErrInsufficientPool is returned when a KXP2 batch is created for more
	// devices than the pool currently has available.
	ErrInsufficientPool = errors.New("insufficient pool")

	// ErrConflict is returned when a serializable transaction lost a race
	// after exhausting its retry budget.
	ErrConflict = errors.New("conflict")

	// ErrInternal is a catch-all for store/programming failures that should
	// surface as 500s without leaking internal detail.
	ErrInternal = errors.New("internal error")
)

// StatusCode maps an error produced anywhere in the core to the HTTP status
// an outer handler should respond with. It is the single place both HTTP
// surfaces consult, so the mapping is made once instead of duplicated in
// every handler's switch statement.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ErrConflict):
		// Transient I/O (spec.md §7): a serializable transaction that lost a
		// race and exhausted its retry budget, not a client-caused conflict.
		return http.StatusInternalServerError
	case errors.Is(err, ErrInvalidCode), errors.Is(err, ErrInvalidArgs):
		return http.StatusBadRequest
	case errors.Is(err, ErrExhausted), errors.Is(err, ErrInsufficientPool):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
