package channel

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the category of a failure reported by a child process.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindArgumentParse means the child could not make sense of its arguments.
	KindArgumentParse
	// KindLoad means the requested code could not be found or loaded.
	KindLoad
	// KindInvalidType means the requested code was found but has the wrong shape.
	KindInvalidType
	// KindInvalidExecute means the requested code could not be invoked.
	KindInvalidExecute
	// KindExecution means the task itself failed.
	KindExecution
	// KindInternal means the host or the protocol failed.
	KindInternal
	// KindDisconnect means the child went away without reporting an outcome.
	KindDisconnect
)

var errorKindNames = map[ErrorKind]string{
	KindArgumentParse:  "ArgumentParseError",
	KindLoad:           "LoadError",
	KindInvalidType:    "InvalidTypeError",
	KindInvalidExecute: "InvalidExecuteError",
	KindExecution:      "ExecutionError",
	KindInternal:       "InternalError",
	KindDisconnect:     "DisconnectError",
}

var errorKindDescriptions = map[ErrorKind]string{
	KindArgumentParse:  "argument parse error",
	KindLoad:           "code load error",
	KindInvalidType:    "invalid task type",
	KindInvalidExecute: "invalid execute",
	KindExecution:      "execution error",
	KindInternal:       "internal error",
	KindDisconnect:     "child ended unexpectedly",
}

// String returns the type name used for the kind in error descriptors.
func (k ErrorKind) String() string {
	if s, ok := errorKindNames[k]; ok {
		return s
	}
	return "UnknownError"
}

// Description returns a short human readable description of the kind.
func (k ErrorKind) Description() string {
	if s, ok := errorKindDescriptions[k]; ok {
		return s
	}
	return "unknown error"
}

// ErrorKindFor maps a terminal message kind to the error kind it reports.
func ErrorKindFor(k Kind) ErrorKind {
	switch k {
	case ExecuteError:
		return KindExecution
	case LoadError:
		return KindLoad
	case InvalidTypeError:
		return KindInvalidType
	case InvalidExecuteError:
		return KindInvalidExecute
	case ArgumentParseError:
		return KindArgumentParse
	case InternalError:
		return KindInternal
	}
	return KindUnknown
}

// MessageKindFor is the inverse of ErrorKindFor. Kinds with no message of their own map to InternalError.
func MessageKindFor(k ErrorKind) Kind {
	switch k {
	case KindExecution:
		return ExecuteError
	case KindLoad:
		return LoadError
	case KindInvalidType:
		return InvalidTypeError
	case KindInvalidExecute:
		return InvalidExecuteError
	case KindArgumentParse:
		return ArgumentParseError
	}
	return InternalError
}

// Error is a typed failure of a child process run.
type Error struct {
	Kind ErrorKind
	// Target is the optional text that came with the failure, usually the descriptor of the code involved.
	Target string
	Err    error
}

// NewError builds an Error of the given kind wrapping err.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf builds an Error of the given kind with a formatted cause.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	s := e.Kind.Description()
	if e.Target != "" {
		s += fmt.Sprintf(" (%s)", e.Target)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorType implements the descriptor naming convention.
func (e *Error) ErrorType() string { return e.Kind.String() }

// Is matches another *Error of the same kind, so errors.Is(err, &Error{Kind: KindExecution}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Target == "" && t.Err == nil
}

// RemoteError is an error received from the peer whose type is not in the trusted set.
type RemoteError struct {
	Type    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return e.Type
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *RemoteError) ErrorType() string { return e.Type }

// GenericErrorType is used for errors that don't declare a type name.
const GenericErrorType = "Error"

const (
	canceledType         = "Canceled"
	deadlineExceededType = "DeadlineExceeded"
)

// DescribeError builds the descriptor for err, or nil if err is nil.
// The type name comes from the first error in the chain with an ErrorType() string method,
// then from the context errors, and is GenericErrorType otherwise.
func DescribeError(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{Type: GenericErrorType, Message: err.Error()}
	var typed interface{ ErrorType() string }
	switch {
	case errors.As(err, &typed):
		info.Type = typed.ErrorType()
		// the type name already carries the category, keep only the cause
		switch e := typed.(type) {
		case *Error:
			info.Message = e.Target
			if e.Err != nil {
				info.Message = e.Err.Error()
			}
		case *RemoteError:
			info.Message = e.Message
		}
	case errors.Is(err, context.Canceled):
		info.Type = canceledType
	case errors.Is(err, context.DeadlineExceeded):
		info.Type = deadlineExceededType
	}
	return info
}

// Err rebuilds an error from the descriptor.
// Only the trusted type names produce typed errors; every other name produces a *RemoteError.
func (i *ErrorInfo) Err() error {
	if i == nil {
		return nil
	}
	switch i.Type {
	case canceledType:
		return fmt.Errorf("%w: %s", context.Canceled, i.Message)
	case deadlineExceededType:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, i.Message)
	}
	for k, name := range errorKindNames {
		if name == i.Type {
			var cause error
			if i.Message != "" {
				cause = errors.New(i.Message)
			}
			return &Error{Kind: k, Err: cause}
		}
	}
	return &RemoteError{Type: i.Type, Message: i.Message}
}

// ErrorFromMessage builds the typed error reported by a terminal error message.
func ErrorFromMessage(m Message) *Error {
	e := &Error{Kind: ErrorKindFor(m.Kind), Target: m.TextOr("")}
	if m.Error != nil {
		e.Err = m.Error.Err()
	}
	return e
}
