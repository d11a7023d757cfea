package loader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/guseggert/childproc/task"
	lua "github.com/yuin/gopher-lua"
)

// Lua resolves descriptors to global functions of a Lua script. The location is the script path.
//
// A function is invoked as fn(arg) and its return value, converted to a string, is the result.
// Scripts run with the base, table, string and math libraries only, and can call the global
// progress(text) to report progress.
type Lua struct{}

func (Lua) Load(location, descriptor string) (Target, error) {
	if _, err := os.Stat(location); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: script %q", ErrNotFound, location)
		}
		return nil, fmt.Errorf("reading script %q: %w", location, err)
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	openSafeLibraries(L)

	if err := L.DoFile(location); err != nil {
		L.Close()
		return nil, fmt.Errorf("loading script %q: %w", location, err)
	}

	fn := L.GetGlobal(descriptor)
	if fn == lua.LNil {
		L.Close()
		return nil, fmt.Errorf("%w: function %q in %q", ErrNotFound, descriptor, location)
	}
	return &luaTarget{L: L, fn: fn, descriptor: descriptor}, nil
}

// openSafeLibraries leaves out io, os, debug and package.
func openSafeLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

type luaTarget struct {
	// L is not goroutine-safe
	mut        sync.Mutex
	L          *lua.LState
	fn         lua.LValue
	descriptor string
	closed     bool
}

func (t *luaTarget) Descriptor() string { return t.descriptor }

func (t *luaTarget) Method() (task.Method, error) {
	if t.fn.Type() != lua.LTFunction {
		return nil, shapeErr(t.descriptor, "function")
	}
	return func(ctx context.Context, arg string) (string, error) {
		return t.call(ctx, arg, task.ReporterFrom(ctx))
	}, nil
}

func (t *luaTarget) Task() (task.Task, error) {
	if t.fn.Type() != lua.LTFunction {
		return nil, shapeErr(t.descriptor, "function")
	}
	return task.Func(t.call), nil
}

func (t *luaTarget) Service() (task.Service, error) {
	return nil, shapeErr(t.descriptor, "service")
}

func (t *luaTarget) call(ctx context.Context, arg string, r task.Reporter) (res string, err error) {
	t.mut.Lock()
	defer t.mut.Unlock()
	if t.closed {
		return "", errors.New("lua state closed")
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("lua panic: %v", rec)
		}
	}()

	t.L.SetContext(ctx)
	defer t.L.RemoveContext()
	t.L.SetGlobal("progress", t.L.NewFunction(func(L *lua.LState) int {
		r.Progress(L.CheckString(1))
		return 0
	}))

	err = t.L.CallByParam(lua.P{Fn: t.fn, NRet: 1, Protect: true}, lua.LString(arg))
	if err != nil {
		return "", fmt.Errorf("calling %q: %w", t.descriptor, err)
	}
	ret := t.L.Get(-1)
	t.L.Pop(1)

	switch ret.Type() {
	case lua.LTNil:
		return "", nil
	case lua.LTString, lua.LTNumber, lua.LTBool:
		return ret.String(), nil
	default:
		return "", fmt.Errorf("%q returned a %s, expected a string", t.descriptor, ret.Type())
	}
}

func (t *luaTarget) Close() error {
	t.mut.Lock()
	defer t.mut.Unlock()
	if !t.closed {
		t.closed = true
		t.L.Close()
	}
	return nil
}
