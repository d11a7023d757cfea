package locator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func other() Bitness {
	if Native == Bits64 {
		return Bits32
	}
	return Bits64
}

func testExecutable(t *testing.T) string {
	p, err := os.Executable()
	require.NoError(t, err)
	return p
}

func TestProbeBitness(t *testing.T) {
	bits, err := ProbeBitness(testExecutable(t))
	require.NoError(t, err)
	assert.Equal(t, Native, bits)

	script := filepath.Join(t.TempDir(), "script.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"), 0755))
	_, err = ProbeBitness(script)
	assert.ErrorIs(t, err, errUnknownFormat)
}

func TestParseBitness(t *testing.T) {
	cases := map[string]Bitness{
		"":       Any,
		"any":    Any,
		"x86":    Bits32,
		"32":     Bits32,
		"x64":    Bits64,
		"AMD64":  Bits64,
		"native": Native,
	}
	for in, exp := range cases {
		got, err := ParseBitness(in)
		require.NoError(t, err, in)
		assert.Equal(t, exp, got, in)
	}
	_, err := ParseBitness("16")
	assert.Error(t, err)
}

func TestStatic(t *testing.T) {
	exe := testExecutable(t)
	script := filepath.Join(t.TempDir(), "script.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"), 0755))

	s := &Static{Paths: map[Bitness][]string{
		Native: {"/does/not/exist", exe},
		Any:    {script},
	}}

	p, err := s.Locate(Native)
	require.NoError(t, err)
	assert.Equal(t, exe, p)

	p, err = s.Locate(Any)
	require.NoError(t, err)
	assert.Equal(t, exe, p)

	// the native binary and the unprobeable script can't satisfy the other word size
	_, err = s.Locate(other())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStaticAnyOrder(t *testing.T) {
	dir := t.TempDir()
	foreign := filepath.Join(dir, "foreign")
	generic := filepath.Join(dir, "generic")
	for _, p := range []string{foreign, generic} {
		require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"), 0755))
	}
	s := &Static{Paths: map[Bitness][]string{
		Any:     {generic},
		other(): {foreign},
	}}
	for i := 0; i < 20; i++ {
		p, err := s.Locate(Any)
		require.NoError(t, err)
		assert.Equal(t, foreign, p)
	}

	s.Paths[Native] = []string{testExecutable(t)}
	p, err := s.Locate(Any)
	require.NoError(t, err)
	assert.Equal(t, testExecutable(t), p)
}

func TestFindUpAndChain(t *testing.T) {
	root := t.TempDir()
	deep := filepath.Join(root, "x", "y")
	require.NoError(t, os.MkdirAll(deep, 0777))
	script := filepath.Join(root, "taskhost")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"), 0755))

	f := &FindUp{Name: "taskhost", Dir: deep}
	p, err := f.Locate(Any)
	require.NoError(t, err)
	assert.Equal(t, script, p)

	_, err = f.Locate(Native)
	assert.ErrorIs(t, err, ErrNotFound)

	c := Chain{f, Self{}}
	p, err = c.Locate(Native)
	require.NoError(t, err)
	assert.Equal(t, testExecutable(t), p)

	_, err = Chain{f, Self{}}.Locate(other())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = Chain{}.Locate(Any)
	assert.ErrorIs(t, err, ErrNotFound)
}
