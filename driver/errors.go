// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package driver // import "go.opentelemetry.io/cpuprof/driver"

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidOperation is returned for requests that are not allowed in
	// the current session state.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrNotConfigured is returned by Start without any configuration.
	ErrNotConfigured = errors.New("no sampling configuration")
	// ErrNoOutput is returned by Start if samples have nowhere to go.
	ErrNoOutput = errors.New("no output set")
	// ErrInvalidArgument is returned for malformed configurations.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNoClient is returned for unknown client IDs.
	ErrNoClient = errors.New("no such client")
	// ErrTooManyClients is returned if all client slots are taken.
	ErrTooManyClients = errors.New("too many clients")
)

// ErrorCode is the last error of a client session.
type ErrorCode uint32

const (
	Success ErrorCode = iota
	Error
	InvalidArg
	FileWriteError
	InvalidOperation
	BufferNotAllocated
	CriticalError
)

func (c ErrorCode) String() string {
	switch c {
	case Success:
		return "success"
	case Error:
		return "error"
	case InvalidArg:
		return "invalid argument"
	case FileWriteError:
		return "file write error"
	case InvalidOperation:
		return "invalid operation"
	case BufferNotAllocated:
		return "insufficient memory"
	case CriticalError:
		return "critical error"
	default:
		return fmt.Sprintf("ErrorCode(%d)", uint32(c))
	}
}

// codeOf maps an error returned by a session operation to its error code.
func codeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrInvalidArgument):
		return InvalidArg
	case errors.Is(err, ErrInvalidOperation), errors.Is(err, ErrNotConfigured),
		errors.Is(err, ErrNoOutput):
		return InvalidOperation
	default:
		return Error
	}
}
