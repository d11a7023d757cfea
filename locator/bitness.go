package locator

import (
	"debug/elf"
	"debug/macho"
	"debug/pe"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Bitness is the word size a child executable must be built for.
type Bitness int

const (
	// Any accepts an executable of any word size.
	Any    Bitness = 0
	Bits32 Bitness = 32
	Bits64 Bitness = 64
)

// Native is the word size of the running process.
const Native = Bitness(strconv.IntSize)

func (b Bitness) String() string {
	switch b {
	case Any:
		return "any"
	case Bits32:
		return "32"
	case Bits64:
		return "64"
	default:
		return fmt.Sprintf("Bitness(%d)", int(b))
	}
}

// Satisfies reports whether an executable of word size b meets requirement req.
func (b Bitness) Satisfies(req Bitness) bool {
	return req == Any || b == req
}

// ParseBitness parses "any", "32", "64", "x86", "x64", "amd64", "386" and similar.
func ParseBitness(s string) (Bitness, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any":
		return Any, nil
	case "32", "x86", "386", "i386", "arm":
		return Bits32, nil
	case "64", "x64", "amd64", "x86_64", "arm64", "aarch64":
		return Bits64, nil
	case "native":
		return Native, nil
	}
	return Any, fmt.Errorf("unknown bitness %q", s)
}

// UnmarshalText lets Bitness be used directly in config files and flags.
func (b *Bitness) UnmarshalText(text []byte) error {
	v, err := ParseBitness(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

var errUnknownFormat = errors.New("unrecognized executable format")

// ProbeBitness reads the header of the executable at path and returns its word size.
// ELF, PE and Mach-O binaries are recognized.
func ProbeBitness(path string) (Bitness, error) {
	if f, err := elf.Open(path); err == nil {
		defer f.Close()
		switch f.Class {
		case elf.ELFCLASS32:
			return Bits32, nil
		case elf.ELFCLASS64:
			return Bits64, nil
		}
		return Any, fmt.Errorf("%s: unknown ELF class %s", path, f.Class)
	}
	if f, err := pe.Open(path); err == nil {
		defer f.Close()
		switch f.OptionalHeader.(type) {
		case *pe.OptionalHeader32:
			return Bits32, nil
		case *pe.OptionalHeader64:
			return Bits64, nil
		}
		return Any, fmt.Errorf("%s: PE file without optional header", path)
	}
	if f, err := macho.Open(path); err == nil {
		defer f.Close()
		if f.Magic == macho.Magic64 {
			return Bits64, nil
		}
		return Bits32, nil
	}
	return Any, fmt.Errorf("%s: %w", path, errUnknownFormat)
}
