package host

import (
	"testing"

	"github.com/guseggert/childproc/task"
	"github.com/stretchr/testify/assert"
)

func TestArguments(t *testing.T) {
	args := Arguments{In: "3", Out: "4", Shape: task.ShapeTask, Descriptor: "countdown", Argument: "3"}
	assert.NoError(t, args.Validate())
	assert.Equal(t, []string{DefaultLocation, "3", "4", "task", "countdown", "3"}, args.Args())

	args.Location = "lua:script.lua"
	args.Argument = ""
	assert.Equal(t, []string{"lua:script.lua", "3", "4", "task", "countdown", ""}, args.Args())
}

func TestArgumentsValidate(t *testing.T) {
	valid := Arguments{In: "3", Out: "4", Shape: task.ShapeMethod, Descriptor: "echo"}
	cases := []struct {
		name   string
		modify func(a *Arguments)
	}{
		{name: "no in endpoint", modify: func(a *Arguments) { a.In = "" }},
		{name: "no out endpoint", modify: func(a *Arguments) { a.Out = "" }},
		{name: "no shape", modify: func(a *Arguments) { a.Shape = "" }},
		{name: "unknown shape", modify: func(a *Arguments) { a.Shape = "class" }},
		{name: "no descriptor", modify: func(a *Arguments) { a.Descriptor = "" }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			a := valid
			c.modify(&a)
			assert.Error(t, a.Validate())
		})
	}
}

func TestStatus(t *testing.T) {
	assert.Equal(t, "Starting->Executing", StatusChange{From: Starting, To: Executing}.String())
	assert.Equal(t, "Status(42)", Status(42).String())
	for _, s := range []Status{NotStarted, Starting, Executing, Stopping} {
		assert.False(t, s.Terminal(), s.String())
	}
	assert.True(t, Stopped.Terminal())
	assert.True(t, Error.Terminal())
}
