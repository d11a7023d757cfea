package host

import "fmt"

// Status is where a Process is in its lifecycle.
//
//	NotStarted -> Starting -> Executing -> [Stopping ->] Stopped | Error
//
// Stopped and Error are terminal. A run that fails before the child reports it started goes
// straight from Starting to Error.
type Status int

const (
	NotStarted Status = iota
	Starting
	Executing
	Stopping
	Stopped
	Error
)

func (s Status) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Starting:
		return "Starting"
	case Executing:
		return "Executing"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	case Error:
		return "Error"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Terminal reports whether no transition can follow s.
func (s Status) Terminal() bool {
	return s == Stopped || s == Error
}

// StatusChange is passed to status handlers for each transition.
type StatusChange struct {
	From Status
	To   Status
}

func (c StatusChange) String() string {
	return fmt.Sprintf("%s->%s", c.From, c.To)
}
