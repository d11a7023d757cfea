package channel

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// firstExtraFD is the descriptor number of the first entry of exec.Cmd.ExtraFiles in the child.
const firstExtraFD = 3

// Pipes holds the parent's channel and the child's pipe ends before the child is spawned.
type Pipes struct {
	// Parent is the parent's end of the channel.
	Parent *Channel
	// ChildIn is the read end the child receives parent->child frames on.
	ChildIn *os.File
	// ChildOut is the write end the child sends child->parent frames on.
	ChildOut *os.File
}

// OpenPipes creates the two OS pipes backing a parent/child channel.
func OpenPipes(opts ...Option) (*Pipes, error) {
	toChildR, toChildW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating parent->child pipe: %w", err)
	}
	fromChildR, fromChildW, err := os.Pipe()
	if err != nil {
		toChildR.Close()
		toChildW.Close()
		return nil, fmt.Errorf("creating child->parent pipe: %w", err)
	}
	return &Pipes{
		Parent:   New(fromChildR, toChildW, opts...),
		ChildIn:  toChildR,
		ChildOut: fromChildW,
	}, nil
}

// ExtraFiles returns the files to pass as exec.Cmd.ExtraFiles.
func (p *Pipes) ExtraFiles() []*os.File {
	return []*os.File{p.ChildIn, p.ChildOut}
}

// Endpoints returns the identifiers the child passes to FromEndpoints, matching ExtraFiles.
func (p *Pipes) Endpoints() (in string, out string) {
	return strconv.Itoa(firstExtraFD), strconv.Itoa(firstExtraFD + 1)
}

// CloseChildEnds closes the parent's copies of the child's ends.
// This must happen once the child has started, otherwise the parent never sees end-of-stream when the child exits.
func (p *Pipes) CloseChildEnds() error {
	return errors.Join(p.ChildIn.Close(), p.ChildOut.Close())
}

// Close closes everything, for use when the child could not be started.
func (p *Pipes) Close() error {
	return errors.Join(p.CloseChildEnds(), p.Parent.Close())
}

// FromEndpoints opens the channel in a child process from inherited descriptor numbers.
func FromEndpoints(in, out string, opts ...Option) (*Channel, error) {
	inFile, err := openEndpoint(in, "channel-in")
	if err != nil {
		return nil, fmt.Errorf("opening inbound endpoint: %w", err)
	}
	outFile, err := openEndpoint(out, "channel-out")
	if err != nil {
		inFile.Close()
		return nil, fmt.Errorf("opening outbound endpoint: %w", err)
	}
	return New(inFile, outFile, opts...), nil
}

func openEndpoint(id, name string) (*os.File, error) {
	fd, err := strconv.Atoi(id)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint %q: %w", id, err)
	}
	if fd < firstExtraFD {
		return nil, fmt.Errorf("endpoint %d is a standard stream", fd)
	}
	// inherited descriptors are blocking, which would stop Close from interrupting a pending read
	if err := setNonblock(fd); err != nil {
		return nil, fmt.Errorf("setting endpoint %d non-blocking: %w", fd, err)
	}
	f := os.NewFile(uintptr(fd), name)
	if f == nil {
		return nil, fmt.Errorf("endpoint %d is not a valid descriptor", fd)
	}
	return f, nil
}

// NewPipePair returns two connected channels backed by OS pipes within one process.
func NewPipePair(opts ...Option) (*Channel, *Channel, error) {
	aR, bW, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	bR, aW, err := os.Pipe()
	if err != nil {
		aR.Close()
		bW.Close()
		return nil, nil, err
	}
	return New(aR, aW, opts...), New(bR, bW, opts...), nil
}
