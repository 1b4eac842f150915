package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Evaluation errors (unwind with Go panic/recover to the eval boundary)
// ---------------------------------------------------------------------------

// RError is an evaluation error. It is raised by panicking inside the
// interpreter loop and recovered by Thread.Eval, which restores the frame
// stack before returning it.
type RError struct {
	Message string
	// Call is the deparsed call that was active, when known.
	Call string
}

func (e *RError) Error() string {
	if e.Call != "" {
		return fmt.Sprintf("Error in %s : %s", e.Call, e.Message)
	}
	return "Error: " + e.Message
}

func errorf(format string, args ...any) *RError {
	return &RError{Message: fmt.Sprintf(format, args...)}
}

// AsRError extracts an evaluation error from err.
func AsRError(err error) (*RError, bool) {
	var re *RError
	ok := errors.As(err, &re)
	return re, ok
}

// Messages raised by the interpreter.
const (
	msgNAInCondition   = "NA where TRUE/FALSE needed"
	msgConditionLength = "Need single element logical in conditional jump"
	msgCycle           = "an environment cannot be its own ancestor"
	msgClosureAssign   = "Assignment to function members is not yet implemented"
	msgNoExternal      = "can't find external function"
	msgNotFunction     = "attempt to apply non-function"
	msgUnusedArgs      = "unused argument(s)"
	msgOutOfBounds     = "subscript out of bounds"
	msgNonNumeric      = "non-numeric argument to binary operator"
	msgNonNumericUnary = "invalid argument to unary operator"
	msgRecursive       = "promise already under evaluation: recursive default argument reference or earlier problems?"
	msgOverflow        = "NAs produced by integer overflow"
	msgStaleEnv        = "environment has been collected"
)

func objectNotFound(name string) *RError {
	return errorf("object '%s' not found", name)
}

func missingArgument(name string) *RError {
	return errorf("argument \"%s\" is missing, with no default", name)
}

// ---------------------------------------------------------------------------
// Warnings
// ---------------------------------------------------------------------------

// Warning is a non-fatal condition recorded during evaluation.
type Warning struct {
	Message string
	Call    string
}

func (w Warning) String() string {
	if w.Call != "" {
		return fmt.Sprintf("Warning in %s : %s", w.Call, w.Message)
	}
	return "Warning: " + w.Message
}

// warn records a warning on the thread and logs it.
func (t *Thread) warn(msg string) {
	w := Warning{Message: msg}
	if f := t.top(); f != nil {
		w.Call = f.proto.Name
	}
	t.warnings = append(t.warnings, w)
	vmLog.Warningf("%s", w)
}

// Warnings returns the warnings recorded since the last call to
// ClearWarnings.
func (t *Thread) Warnings() []Warning {
	return t.warnings
}

// ClearWarnings drops recorded warnings.
func (t *Thread) ClearWarnings() {
	t.warnings = nil
}
