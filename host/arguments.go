package host

import (
	"fmt"

	"github.com/guseggert/childproc/task"
)

// DefaultLocation is the location used when none is set. Loaders that ignore the location,
// like the registry of code compiled into the child, accept it.
const DefaultLocation = "builtin"

// Arguments is the command line of a child process.
type Arguments struct {
	// Location tells the child's loader where to find the code.
	Location string
	// In and Out identify the inherited channel endpoints, from the child's point of view.
	In  string
	Out string

	Shape      task.Shape
	Descriptor string
	// Argument is the task argument, or the listen address of a service.
	Argument string
}

func (a Arguments) Validate() error {
	if a.In == "" || a.Out == "" {
		return fmt.Errorf("missing channel endpoints")
	}
	if _, err := task.ParseShape(string(a.Shape)); err != nil {
		return err
	}
	if a.Descriptor == "" {
		return fmt.Errorf("missing descriptor")
	}
	return nil
}

// Args returns the arguments in the order the child expects them.
func (a Arguments) Args() []string {
	location := a.Location
	if location == "" {
		location = DefaultLocation
	}
	return []string{location, a.In, a.Out, string(a.Shape), a.Descriptor, a.Argument}
}
