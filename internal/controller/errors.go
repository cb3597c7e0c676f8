package controller

import (
	"errors"
	"fmt"
)

// ErrRemoved is returned for operations on an instance already removed.
var ErrRemoved = errors.New("service removed")

// ErrNotSettled is returned by Remove when the instance is not in a
// terminal state.
var ErrNotSettled = errors.New("service not stopped or crashed")

// StartError wraps a runtime-level launch failure for one service.
type StartError struct {
	Name string
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start %q: %v", e.Name, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }
