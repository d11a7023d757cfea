package channel

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeBytes(b []byte) (Message, error) {
	return decodeMessage(bufio.NewReader(bytes.NewReader(b)))
}

func TestFrameLayout(t *testing.T) {
	b, err := encodeMessage(NewTextMessage(Progress, "hi"))
	require.NoError(t, err)
	assert.Equal(t, []byte{flagText, byte(Progress), 2, 'h', 'i'}, b)

	b, err = encodeMessage(NewMessage(SignalTerminate))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, byte(SignalTerminate)}, b)
}

func TestDecodeMalformed(t *testing.T) {
	hugeLen := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(hugeLen, MaxStringLen+1)

	cases := []struct {
		name   string
		frame  []byte
		expErr error
	}{
		{
			name:   "empty stream",
			frame:  nil,
			expErr: io.EOF,
		},
		{
			name:   "missing kind",
			frame:  []byte{0},
			expErr: io.ErrUnexpectedEOF,
		},
		{
			name:   "unknown kind",
			frame:  []byte{0, 200},
			expErr: ErrMalformed,
		},
		{
			name:   "unknown flag",
			frame:  []byte{0x80, byte(HostStarted)},
			expErr: ErrMalformed,
		},
		{
			name:   "truncated text",
			frame:  []byte{flagText, byte(Progress), 5, 'a'},
			expErr: io.ErrUnexpectedEOF,
		},
		{
			name:   "oversized text",
			frame:  append([]byte{flagText, byte(Progress)}, hugeLen[:n]...),
			expErr: ErrMalformed,
		},
		{
			name:   "invalid utf-8",
			frame:  []byte{flagText, byte(Progress), 1, 0xff},
			expErr: ErrMalformed,
		},
		{
			name:   "missing error message",
			frame:  []byte{flagError, byte(ExecuteError), 1, 'E'},
			expErr: io.ErrUnexpectedEOF,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := decodeBytes(c.frame)
			assert.ErrorIs(t, err, c.expErr)
		})
	}
}

func TestEncodeRejects(t *testing.T) {
	_, err := encodeMessage(Message{Kind: Kind(99)})
	assert.Error(t, err)

	_, err = encodeMessage(NewTextMessage(Progress, strings.Repeat("x", MaxStringLen+1)))
	assert.Error(t, err)

	_, err = encodeMessage(NewTextMessage(HostFinished, "\xff\xfe"))
	assert.ErrorIs(t, err, ErrInvalidText)

	_, err = encodeMessage(Message{Kind: ExecuteError, Error: &ErrorInfo{Type: "Error", Message: "bad \xc3"}})
	assert.ErrorIs(t, err, ErrInvalidText)
}

func TestDecodeBackToBackFrames(t *testing.T) {
	var stream []byte
	for _, m := range []Message{NewMessage(HostStarted), NewTextMessage(HostFinished, "7")} {
		b, err := encodeMessage(m)
		require.NoError(t, err)
		stream = append(stream, b...)
	}

	r := bufio.NewReader(bytes.NewReader(stream))
	m, err := decodeMessage(r)
	require.NoError(t, err)
	assert.Equal(t, HostStarted, m.Kind)

	m, err = decodeMessage(r)
	require.NoError(t, err)
	assert.Equal(t, "7", m.TextOr(""))

	_, err = decodeMessage(r)
	assert.ErrorIs(t, err, io.EOF)
}
