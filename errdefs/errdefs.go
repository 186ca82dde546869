// Package errdefs defines the error taxonomy shared by the proxy packages.
//
// Registry operations return ErrAlreadyExists / ErrNotFound directly.
// Processors wrap ErrProtocolViolation with the offending detail:
//
//	return nil, fmt.Errorf("%w: unsupported version %d", errdefs.ErrProtocolViolation, v)
//
// Callers test with errors.Is.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyExists      = errors.New("already exists")
	ErrNotFound           = errors.New("not found")
	ErrProtocolViolation  = errors.New("protocol violation")
	ErrClosed             = errors.New("closed")
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// ConnError wraps an I/O error with the operation and connection it happened on.
type ConnError struct {
	Op   string
	Conn string
	Err  error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Conn, e.Err)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}

// IsAlreadyExists reports whether err is (or wraps) ErrAlreadyExists.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
