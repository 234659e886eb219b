package domain

import (
	"errors"
	"fmt"
)

var (
	ErrProjectNotFound = errors.New("ar project not found")
	ErrItemNotFound    = errors.New("ar project item not found")
	ErrInvalidStatus   = errors.New("invalid project status")
)

// Error kinds. A *CompileError matches its kind with errors.Is.
var (
	ErrValidation            = errors.New("validation error")
	ErrUnreadableMedia       = errors.New("unreadable media")
	ErrTranscodingTimeout    = errors.New("transcoding timeout")
	ErrDescriptorCompilation = errors.New("descriptor compilation failure")
	ErrCompilationTimeout    = errors.New("compilation timeout")
	ErrPersistence           = errors.New("persistence error")
	ErrNotification          = errors.New("notification failure")
)

// CompileError carries the kind of failure, the operation that raised it
// and the underlying cause.
type CompileError struct {
	Kind error
	Op   string
	Err  error
}

func NewError(kind error, op string, err error) *CompileError {
	return &CompileError{Kind: kind, Op: op, Err: err}
}

// Validationf builds a ValidationError with a formatted message.
func Validationf(format string, args ...interface{}) *CompileError {
	return &CompileError{Kind: ErrValidation, Err: fmt.Errorf(format, args...)}
}

func (e *CompileError) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	default:
		return e.Kind.Error()
	}
}

func (e *CompileError) Unwrap() error { return e.Err }

func (e *CompileError) Is(target error) bool {
	return e.Kind == target
}

// IsRecoverable reports whether the pipeline may substitute a fallback and
// continue instead of failing the run.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrTranscodingTimeout)
}
