package task

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseShape(t *testing.T) {
	for _, s := range []Shape{ShapeMethod, ShapeTask, ShapeService} {
		got, err := ParseShape(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseShape("Method")
	assert.EqualError(t, err, `unknown shape "Method"`)
}

func TestFunc(t *testing.T) {
	var f Task = Func(func(ctx context.Context, arg string, r Reporter) (string, error) {
		r.Progressf("got %s", arg)
		return arg + "!", nil
	})
	assert.Equal(t, Synchronous, f.Mode())
	res, err := f.Execute(context.Background(), "hi", NopReporter{})
	require.NoError(t, err)
	assert.Equal(t, "hi!", res)
	assert.NoError(t, f.End())
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "async-thread", AsyncThread.String())
	assert.Equal(t, "Mode(7)", Mode(7).String())
}
