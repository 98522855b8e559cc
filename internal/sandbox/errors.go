package sandbox

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindRuntime     Kind = "runtime"
	KindPanic       Kind = "panic"
	KindCanceled    Kind = "canceled"
	KindDisabled    Kind = "disabled"
	KindNotCompiled Kind = "not_compiled"
)

var (
	ErrTimeout     = errors.New("script timed out")
	ErrDisabled    = errors.New("script is disabled")
	ErrNotCompiled = errors.New("script is not compiled")
)

// Error is returned for every invocation that did not produce a result.
type Error struct {
	Kind   Kind
	Script string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("script %q: %s: %v", e.Script, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Counted reports whether the failure was charged to the script.
func (e *Error) Counted() bool {
	switch e.Kind {
	case KindTimeout, KindRuntime, KindPanic:
		return true
	default:
		return false
	}
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}
