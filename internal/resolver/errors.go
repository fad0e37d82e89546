package resolver

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceUnavailable is returned when the PAC source could not be fetched.
	ErrSourceUnavailable = errors.New("PAC source unavailable")

	// ErrScriptCompile is returned when the engine rejected the fetched script.
	ErrScriptCompile = errors.New("PAC script compile error")
)

// LoadError wraps a loader failure. It matches both ErrSourceUnavailable
// and the underlying cause with errors.Is.
type LoadError struct {
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrSourceUnavailable, e.Source, e.Err)
}

func (e *LoadError) Unwrap() []error {
	return []error{ErrSourceUnavailable, e.Err}
}

// CompileError wraps an engine failure. It matches ErrScriptCompile.
type CompileError struct {
	Source string
	Err    error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrScriptCompile, e.Source, e.Err)
}

func (e *CompileError) Unwrap() []error {
	return []error{ErrScriptCompile, e.Err}
}
