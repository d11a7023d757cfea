package channel

import "fmt"

// Kind identifies the type of a message.
type Kind uint8

const (
	HostStarted Kind = iota + 1
	Progress
	RequestTerminate
	SignalTerminate
	HostFinished
	ExecuteError
	LoadError
	InvalidTypeError
	InvalidExecuteError
	ArgumentParseError
	InternalError
)

var kindNames = map[Kind]string{
	HostStarted:         "HostStarted",
	Progress:            "Progress",
	RequestTerminate:    "RequestTerminate",
	SignalTerminate:     "SignalTerminate",
	HostFinished:        "HostFinished",
	ExecuteError:        "ExecuteError",
	LoadError:           "LoadError",
	InvalidTypeError:    "InvalidTypeError",
	InvalidExecuteError: "InvalidExecuteError",
	ArgumentParseError:  "ArgumentParseError",
	InternalError:       "InternalError",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Valid reports whether k is one of the known message kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// IsError reports whether messages of this kind carry a failure.
func (k Kind) IsError() bool {
	switch k {
	case ExecuteError, LoadError, InvalidTypeError, InvalidExecuteError, ArgumentParseError, InternalError:
		return true
	}
	return false
}

// IsTerminal reports whether a message of this kind ends a run.
func (k Kind) IsTerminal() bool {
	return k == HostFinished || k.IsError()
}

// ErrorInfo describes an error that crossed the channel.
// Type names the semantic category of the error, not a Go type.
type ErrorInfo struct {
	Type    string
	Message string
}

// Message is a single frame exchanged on the channel.
// Text and Error are optional; nil means absent, which is distinct from an empty string.
type Message struct {
	Kind  Kind
	Text  *string
	Error *ErrorInfo
}

// NewMessage builds a message with no payload.
func NewMessage(kind Kind) Message {
	return Message{Kind: kind}
}

// NewTextMessage builds a message carrying text.
func NewTextMessage(kind Kind, text string) Message {
	return Message{Kind: kind, Text: &text}
}

// NewErrorMessage builds a message carrying a description of err.
// A nil err produces a message without a descriptor.
func NewErrorMessage(kind Kind, err error) Message {
	return Message{Kind: kind, Error: DescribeError(err)}
}

// WithText returns a copy of m carrying text.
func (m Message) WithText(text string) Message {
	m.Text = &text
	return m
}

// TextOr returns the text payload, or def if there is none.
func (m Message) TextOr(def string) string {
	if m.Text == nil {
		return def
	}
	return *m.Text
}

func (m Message) String() string {
	s := m.Kind.String()
	if m.Text != nil {
		s += fmt.Sprintf(" text=%q", *m.Text)
	}
	if m.Error != nil {
		s += fmt.Sprintf(" error=%s: %q", m.Error.Type, m.Error.Message)
	}
	return s
}
