package main

import (
	"errors"

	"github.com/loykin/stackup/internal/service"
	"github.com/loykin/stackup/internal/volume"
)

// Exit codes:
//
//	0 success
//	1 validation error (bad config, unknown service, bad usage)
//	2 runtime failure (a service failed to start or stop)
//	3 partial failure (some services succeeded, some did not)
const (
	exitOK      = 0
	exitUsage   = 1
	exitRuntime = 2
	exitPartial = 3
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

// codeFor maps an error to the process exit code. Joined errors from
// start-all/stop-all count as partial failure.
func codeFor(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if multi, ok := err.(interface{ Unwrap() []error }); ok && len(multi.Unwrap()) > 1 {
		return exitPartial
	}
	if errors.Is(err, service.ErrUnknownService) || errors.Is(err, volume.ErrNotFound) {
		return exitUsage
	}
	return exitRuntime
}
