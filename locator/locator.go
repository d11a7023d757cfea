// Package locator finds the child executable to spawn for a required bitness.
package locator

import (
	"errors"
	"fmt"
	"os"

	"github.com/guseggert/childproc/internal/files"
)

// ErrNotFound means no executable satisfies the requested bitness.
var ErrNotFound = errors.New("no suitable child executable")

type Locator interface {
	Locate(b Bitness) (string, error)
}

// LocatorFunc adapts a function into a Locator.
type LocatorFunc func(b Bitness) (string, error)

func (f LocatorFunc) Locate(b Bitness) (string, error) { return f(b) }

// Static picks from configured candidate paths. Paths listed under Any are probed for their bitness.
// When any bitness will do, native paths are tried first, then the other word size, then Any.
type Static struct {
	Paths map[Bitness][]string
}

func (s *Static) Locate(b Bitness) (string, error) {
	var candidates []string
	if b == Any {
		candidates = append(candidates, s.Paths[Native]...)
		for _, bits := range []Bitness{Bits64, Bits32, Any} {
			if bits != Native {
				candidates = append(candidates, s.Paths[bits]...)
			}
		}
	} else {
		candidates = append(candidates, s.Paths[b]...)
		candidates = append(candidates, s.Paths[Any]...)
	}
	for _, p := range candidates {
		if err := check(p, b); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: bitness %s among %d configured paths", ErrNotFound, b, len(candidates))
}

// FindUp searches Dir and its parents for an executable called Name.
type FindUp struct {
	Name string
	// Dir defaults to the working directory.
	Dir string
}

func (f *FindUp) Locate(b Bitness) (string, error) {
	dir := f.Dir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("getting wd: %w", err)
		}
		dir = wd
	}
	p := files.FindUp(f.Name, dir)
	if p == "" {
		return "", fmt.Errorf("%w: %q not found above %s", ErrNotFound, f.Name, dir)
	}
	if err := check(p, b); err != nil {
		return "", err
	}
	return p, nil
}

// Self locates the running executable, for children built into the parent binary.
type Self struct{}

func (Self) Locate(b Bitness) (string, error) {
	if !Native.Satisfies(b) {
		return "", fmt.Errorf("%w: running executable is %s-bit, need %s", ErrNotFound, Native, b)
	}
	p, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("finding running executable: %w", err)
	}
	return p, nil
}

// Chain tries each locator in order and returns the first success.
type Chain []Locator

func (c Chain) Locate(b Bitness) (string, error) {
	var errs []error
	for _, l := range c {
		p, err := l.Locate(b)
		if err == nil {
			return p, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("%w: no locators configured", ErrNotFound)
	}
	return "", errors.Join(errs...)
}

func check(path string, b Bitness) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if !fi.Mode().IsRegular() || fi.Mode().Perm()&0111 == 0 {
		return fmt.Errorf("%w: %s is not an executable file", ErrNotFound, path)
	}
	if b == Any {
		return nil
	}
	bits, err := ProbeBitness(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if !bits.Satisfies(b) {
		return fmt.Errorf("%w: %s is %s-bit, need %s", ErrNotFound, path, bits, b)
	}
	return nil
}
