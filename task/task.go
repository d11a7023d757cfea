// Package task defines what code run inside a child process looks like.
//
// A child runs exactly one of three shapes: a Method, a Task, or a Service.
// Methods and synchronous Tasks are done when they return. AsyncReturn and AsyncThread
// Tasks keep the child alive until the parent asks them to stop, or, for AsyncThread,
// until the worker returns on its own.
package task

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrInvalidArgument is returned (possibly wrapped) by code that can't be invoked with the argument it was given.
// The host reports it as an invalid execute rather than as a failure of the task.
var ErrInvalidArgument = errors.New("invalid argument")

// Mode selects how the host drives a Task.
type Mode int

const (
	// Synchronous tasks run to completion inside Execute. End is never called.
	Synchronous Mode = iota
	// AsyncReturn tasks return from Execute but are not done until End returns.
	// The host calls End once the parent asks the task to stop.
	AsyncReturn
	// AsyncThread tasks run Execute on a dedicated worker goroutine.
	// The task finishes when Execute returns, or when End is called and Execute notices and returns.
	AsyncThread
)

func (m Mode) String() string {
	switch m {
	case Synchronous:
		return "synchronous"
	case AsyncReturn:
		return "async-return"
	case AsyncThread:
		return "async-thread"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Shape names which of Method, Task and Service a child runs. It is passed on the child's command line.
type Shape string

const (
	ShapeMethod  Shape = "method"
	ShapeTask    Shape = "task"
	ShapeService Shape = "service"
)

// ParseShape parses a shape name.
func ParseShape(s string) (Shape, error) {
	switch sh := Shape(s); sh {
	case ShapeMethod, ShapeTask, ShapeService:
		return sh, nil
	}
	return "", fmt.Errorf("unknown shape %q", s)
}

// Reporter sends progress to the parent. It is safe for concurrent use.
type Reporter interface {
	Progress(text string)
	Progressf(format string, args ...any)
}

// Method is a plain function invoked once with the free-form argument.
// It can report progress through ReporterFrom(ctx).
type Method func(ctx context.Context, arg string) (string, error)

type reporterKey struct{}

// WithReporter returns a context carrying r.
func WithReporter(ctx context.Context, r Reporter) context.Context {
	return context.WithValue(ctx, reporterKey{}, r)
}

// ReporterFrom returns the Reporter carried by ctx, or a NopReporter if there is none.
func ReporterFrom(ctx context.Context) Reporter {
	if r, ok := ctx.Value(reporterKey{}).(Reporter); ok {
		return r
	}
	return NopReporter{}
}

// Task is a unit of work whose lifetime is negotiated with the parent.
type Task interface {
	Mode() Mode
	// Execute runs the work and returns its optional result.
	// For AsyncThread tasks ctx is canceled when the parent asks the task to stop.
	Execute(ctx context.Context, arg string, r Reporter) (string, error)
	// End asks the task to wind down. See Mode for when it is called.
	End() error
}

// Service is code hosted behind an HTTP listener in the child until the parent stops it.
type Service interface {
	// Call handles one request. Payload and the returned value are JSON documents.
	Call(ctx context.Context, method string, payload []byte) ([]byte, error)
}

// HTTPService is implemented by services that want to serve extra routes of their own.
type HTTPService interface {
	Service
	Handler() http.Handler
}

// NopReporter discards progress.
type NopReporter struct{}

func (NopReporter) Progress(string)          {}
func (NopReporter) Progressf(string, ...any) {}

// Func adapts a function into a Synchronous Task.
type Func func(ctx context.Context, arg string, r Reporter) (string, error)

func (f Func) Mode() Mode { return Synchronous }

func (f Func) Execute(ctx context.Context, arg string, r Reporter) (string, error) {
	return f(ctx, arg, r)
}

func (f Func) End() error { return nil }
