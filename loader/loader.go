// Package loader resolves the code a child process runs from a location and a descriptor.
package loader

import (
	"errors"
	"fmt"
	"strings"

	"github.com/guseggert/childproc/task"
)

var (
	// ErrNotFound means nothing matches the location and descriptor.
	ErrNotFound = errors.New("not found")
	// ErrShape means the descriptor resolved to code of a different shape than requested.
	ErrShape = errors.New("wrong shape")
)

// Target is resolved code. Each accessor fails with ErrShape if the code can't be used that way.
// A Target may implement io.Closer, in which case the host closes it before exiting.
type Target interface {
	Descriptor() string
	Method() (task.Method, error)
	Task() (task.Task, error)
	Service() (task.Service, error)
}

type Loader interface {
	Load(location, descriptor string) (Target, error)
}

// Mux routes a location of the form "scheme:rest" to the loader registered for scheme,
// and every other location to Default.
type Mux struct {
	Default Loader
	schemes map[string]Loader
}

func NewMux(def Loader) *Mux {
	return &Mux{Default: def, schemes: map[string]Loader{}}
}

// Handle registers l for locations starting with scheme + ":".
func (m *Mux) Handle(scheme string, l Loader) *Mux {
	m.schemes[scheme] = l
	return m
}

func (m *Mux) Load(location, descriptor string) (Target, error) {
	if scheme, rest, ok := strings.Cut(location, ":"); ok {
		if l, ok := m.schemes[scheme]; ok {
			return l.Load(rest, descriptor)
		}
	}
	if m.Default == nil {
		return nil, fmt.Errorf("%w: no loader for location %q", ErrNotFound, location)
	}
	return m.Default.Load(location, descriptor)
}

func shapeErr(descriptor, want string) error {
	return fmt.Errorf("%w: %q is not a %s", ErrShape, descriptor, want)
}
