package channel

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

const (
	flagText  byte = 1 << 0
	flagError byte = 1 << 1

	// MaxStringLen bounds every string in a frame, so a corrupt length can't make the reader allocate unbounded memory.
	MaxStringLen = 1 << 20
)

// ErrMalformed is returned when a frame can't be decoded.
var ErrMalformed = errors.New("malformed frame")

// ErrInvalidText is returned by Send when a string in the message is not valid UTF-8.
// Nothing is written, and the channel stays usable.
var ErrInvalidText = errors.New("string is not valid UTF-8")

func encodeMessage(m Message) ([]byte, error) {
	if !m.Kind.Valid() {
		return nil, fmt.Errorf("encoding message: unknown kind %d", uint8(m.Kind))
	}
	var flags byte
	if m.Text != nil {
		flags |= flagText
	}
	if m.Error != nil {
		flags |= flagError
	}

	var buf bytes.Buffer
	buf.WriteByte(flags)
	buf.WriteByte(byte(m.Kind))
	if m.Text != nil {
		if err := writeString(&buf, *m.Text); err != nil {
			return nil, fmt.Errorf("encoding text: %w", err)
		}
	}
	if m.Error != nil {
		if err := writeString(&buf, m.Error.Type); err != nil {
			return nil, fmt.Errorf("encoding error type: %w", err)
		}
		if err := writeString(&buf, m.Error.Message); err != nil {
			return nil, fmt.Errorf("encoding error message: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > MaxStringLen {
		return fmt.Errorf("string of %d bytes exceeds limit of %d", len(s), MaxStringLen)
	}
	if !utf8.ValidString(s) {
		return ErrInvalidText
	}
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(s)))
	buf.Write(lenBuf[:n])
	buf.WriteString(s)
	return nil
}

// decodeMessage reads one frame. It returns io.EOF only when the stream ends cleanly between frames.
func decodeMessage(r *bufio.Reader) (Message, error) {
	flags, err := r.ReadByte()
	if err != nil {
		return Message{}, err
	}
	kindByte, err := r.ReadByte()
	if err != nil {
		return Message{}, unexpectedEOF(err)
	}
	if flags&^(flagText|flagError) != 0 {
		return Message{}, fmt.Errorf("%w: unknown flags %#x", ErrMalformed, flags)
	}
	m := Message{Kind: Kind(kindByte)}
	if !m.Kind.Valid() {
		return Message{}, fmt.Errorf("%w: unknown kind %d", ErrMalformed, kindByte)
	}
	if flags&flagText != 0 {
		s, err := readString(r)
		if err != nil {
			return Message{}, fmt.Errorf("reading text: %w", err)
		}
		m.Text = &s
	}
	if flags&flagError != 0 {
		typ, err := readString(r)
		if err != nil {
			return Message{}, fmt.Errorf("reading error type: %w", err)
		}
		msg, err := readString(r)
		if err != nil {
			return Message{}, fmt.Errorf("reading error message: %w", err)
		}
		m.Error = &ErrorInfo{Type: typ, Message: msg}
	}
	return m, nil
}

func readString(r *bufio.Reader) (string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return "", unexpectedEOF(err)
	}
	if n > MaxStringLen {
		return "", fmt.Errorf("%w: string length %d exceeds limit", ErrMalformed, n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", unexpectedEOF(err)
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: invalid UTF-8", ErrMalformed)
	}
	return string(b), nil
}

func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
