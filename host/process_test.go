package host

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/childproc/channel"
	"github.com/guseggert/childproc/internal/net"
	"github.com/guseggert/childproc/loader"
	"github.com/guseggert/childproc/locator"
	"github.com/guseggert/childproc/server"
	"github.com/guseggert/childproc/service"
	"github.com/guseggert/childproc/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// childEnv makes the test binary act as the child executable.
const childEnv = "CHILDPROC_HOST_TEST_CHILD"

var logger *zap.Logger

func TestMain(m *testing.M) {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	logger = l

	if os.Getenv(childEnv) != "" {
		os.Exit(server.Main(childLoader(), os.Args[1:],
			server.WithLogger(l.Sugar()),
			server.WithJoinTimeout(2*time.Second),
		))
	}
	os.Exit(m.Run())
}

type asyncTask struct {
	mode    task.Mode
	execute func(ctx context.Context, arg string, r task.Reporter) (string, error)
}

func (t *asyncTask) Mode() task.Mode { return t.mode }

func (t *asyncTask) Execute(ctx context.Context, arg string, r task.Reporter) (string, error) {
	return t.execute(ctx, arg, r)
}

func (t *asyncTask) End() error { return nil }

type echoService struct{}

func (echoService) Call(ctx context.Context, method string, payload []byte) ([]byte, error) {
	if method == "fail" {
		return nil, errors.New("asked to fail")
	}
	return payload, nil
}

func childLoader() loader.Loader {
	reg := loader.NewRegistry().
		RegisterMethod("seven", func(ctx context.Context, arg string) (string, error) {
			return "7", nil
		}).
		RegisterMethod("fail", func(ctx context.Context, arg string) (string, error) {
			return "", errors.New("task failed")
		}).
		RegisterMethod("crash", func(ctx context.Context, arg string) (string, error) {
			os.Exit(3)
			return "", nil
		}).
		RegisterMethod("stdout", func(ctx context.Context, arg string) (string, error) {
			os.Stdout.WriteString(arg + "\n")
			return "", nil
		}).
		RegisterTask("progress", func() (task.Task, error) {
			return task.Func(func(ctx context.Context, arg string, r task.Reporter) (string, error) {
				for _, s := range strings.Split(arg, ",") {
					r.Progress(s)
				}
				return "done", nil
			}), nil
		}).
		RegisterTask("self-finish", func() (task.Task, error) {
			return &asyncTask{
				mode: task.AsyncThread,
				execute: func(ctx context.Context, arg string, r task.Reporter) (string, error) {
					time.Sleep(20 * time.Millisecond)
					return "finished", nil
				},
			}, nil
		}).
		RegisterTask("until-stopped", func() (task.Task, error) {
			return &asyncTask{
				mode: task.AsyncThread,
				execute: func(ctx context.Context, arg string, r task.Reporter) (string, error) {
					r.Progress("waiting")
					<-ctx.Done()
					return "stopped", nil
				},
			}, nil
		}).
		RegisterTask("slow-start", func() (task.Task, error) {
			time.Sleep(500 * time.Millisecond)
			return &asyncTask{
				mode: task.AsyncThread,
				execute: func(ctx context.Context, arg string, r task.Reporter) (string, error) {
					<-ctx.Done()
					return "stopped", nil
				},
			}, nil
		}).
		RegisterTask("async-return", func() (task.Task, error) {
			return &asyncTask{
				mode: task.AsyncReturn,
				execute: func(ctx context.Context, arg string, r task.Reporter) (string, error) {
					return "returned", nil
				},
			}, nil
		}).
		RegisterService("echo", func() (task.Service, error) {
			return echoService{}, nil
		})
	return loader.NewMux(reg).Handle("lua", loader.Lua{})
}

type recorder struct {
	m        sync.Mutex
	changes  []StatusChange
	progress []string
}

func (r *recorder) status(c StatusChange) {
	r.m.Lock()
	defer r.m.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) onProgress(s string) {
	r.m.Lock()
	defer r.m.Unlock()
	r.progress = append(r.progress, s)
}

func (r *recorder) statuses() []Status {
	r.m.Lock()
	defer r.m.Unlock()
	statuses := []Status{NotStarted}
	for _, c := range r.changes {
		statuses = append(statuses, c.To)
	}
	return statuses
}

func newProcess(t *testing.T, opts ...Option) (*Process, *recorder) {
	return newProcessAt(t, locator.Self{}, opts...)
}

func newProcessAt(t *testing.T, loc locator.Locator, opts ...Option) (*Process, *recorder) {
	rec := &recorder{}
	opts = append([]Option{
		WithLogger(logger),
		WithEnv(childEnv + "=1"),
		WithKillTimeout(5 * time.Second),
		WithStatusHandler(rec.status),
		WithProgressHandler(rec.onProgress),
	}, opts...)
	p, err := New(loc, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p, rec
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSynchronousMethod(t *testing.T) {
	ctx := testCtx(t)
	p, rec := newProcess(t, WithMethod("seven", ""))

	require.NoError(t, p.Start(ctx, false))
	status, err := p.WaitForCompletion(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stopped, status)
	assert.NoError(t, p.Err())

	res, ok := p.Result()
	assert.True(t, ok)
	assert.Equal(t, "7", res)

	require.NoError(t, p.Close())
	assert.Equal(t, []Status{NotStarted, Starting, Executing, Stopped}, rec.statuses())
	code, exited := p.ExitCode()
	assert.True(t, exited)
	assert.Equal(t, server.ExitOK, code)
	assert.NotZero(t, p.PID())
}

func TestExecutionError(t *testing.T) {
	ctx := testCtx(t)
	p, rec := newProcess(t, WithMethod("fail", ""))

	require.NoError(t, p.Start(ctx, false))
	res, err := p.WaitForResult(ctx)
	assert.Empty(t, res)
	require.Error(t, err)
	assert.ErrorIs(t, err, &channel.Error{Kind: channel.KindExecution})
	assert.Equal(t, Error, p.Status())

	var remote *channel.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "task failed", remote.Message)

	require.NoError(t, p.Close())
	assert.Equal(t, []Status{NotStarted, Starting, Executing, Error}, rec.statuses())
	code, _ := p.ExitCode()
	assert.Equal(t, server.ExitFailed, code)
}

func TestProgress(t *testing.T) {
	ctx := testCtx(t)
	p, rec := newProcess(t, WithTask("progress", "a,b,c"))

	require.NoError(t, p.Start(ctx, false))
	res, err := p.WaitForResult(ctx)
	require.NoError(t, err)
	assert.Equal(t, "done", res)

	require.NoError(t, p.Close())
	assert.Equal(t, []string{"a", "b", "c"}, rec.progress)
}

func TestAsyncThreadFinishesWithoutStop(t *testing.T) {
	ctx := testCtx(t)
	p, rec := newProcess(t, WithTask("self-finish", ""))

	require.NoError(t, p.Start(ctx, false))
	status, err := p.WaitForCompletion(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stopped, status)
	res, _ := p.Result()
	assert.Equal(t, "finished", res)

	require.NoError(t, p.Close())
	assert.Equal(t, []Status{NotStarted, Starting, Executing, Stopped}, rec.statuses())
}

func TestAsyncThreadStop(t *testing.T) {
	ctx := testCtx(t)
	p, rec := newProcess(t, WithTask("until-stopped", ""))

	require.NoError(t, p.Start(ctx, true))
	assert.Equal(t, Executing, p.Status())

	require.NoError(t, p.Stop())
	status, err := p.WaitForCompletion(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stopped, status)
	res, _ := p.Result()
	assert.Equal(t, "stopped", res)

	require.NoError(t, p.Close())
	assert.Equal(t, []Status{NotStarted, Starting, Executing, Stopping, Stopped}, rec.statuses())
	assert.Equal(t, []string{"waiting"}, rec.progress)
}

func TestStopWhileStarting(t *testing.T) {
	ctx := testCtx(t)
	p, rec := newProcess(t, WithTask("slow-start", ""))

	// the child is spawned but still loading its task, so it hasn't reported in
	require.NoError(t, p.Start(ctx, false))
	require.NoError(t, p.Stop())
	assert.Equal(t, Starting, p.Status())

	status, err := p.WaitForCompletion(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stopped, status)
	res, _ := p.Result()
	assert.Equal(t, "stopped", res)

	require.NoError(t, p.Close())
	assert.Equal(t, []Status{NotStarted, Starting, Executing, Stopped}, rec.statuses())
}

func TestStopBeforeSpawn(t *testing.T) {
	ctx := testCtx(t)
	locating := make(chan struct{})
	release := make(chan struct{})
	loc := locator.LocatorFunc(func(b locator.Bitness) (string, error) {
		close(locating)
		<-release
		return locator.Self{}.Locate(b)
	})
	p, rec := newProcessAt(t, loc, WithTask("until-stopped", ""))

	started := make(chan error, 1)
	go func() { started <- p.Start(ctx, false) }()

	<-locating
	assert.Equal(t, Starting, p.Status())
	require.NoError(t, p.Stop())
	assert.Equal(t, Starting, p.Status())
	close(release)
	require.NoError(t, <-started)

	status, err := p.WaitForCompletion(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stopped, status)
	res, _ := p.Result()
	assert.Equal(t, "stopped", res)

	require.NoError(t, p.Close())
	assert.Equal(t, []Status{NotStarted, Starting, Executing, Stopped}, rec.statuses())
}

func TestLogLevelSurvivesLaterLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	p, err := New(locator.Self{},
		WithLogLevel(zapcore.WarnLevel),
		WithLogger(zap.New(core)),
		WithMethod("seven", ""),
	)
	require.NoError(t, err)
	p.log.Info("hidden")
	p.log.Warn("shown")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "shown", logs.All()[0].Message)
	require.NoError(t, p.Close())
}

func TestAsyncReturnWaitsForStop(t *testing.T) {
	ctx := testCtx(t)
	p, _ := newProcess(t, WithTask("async-return", ""))

	require.NoError(t, p.Start(ctx, true))

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	status, err := p.WaitForCompletion(waitCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Executing, status)

	require.NoError(t, p.Stop())
	res, err := p.WaitForResult(ctx)
	require.NoError(t, err)
	assert.Equal(t, "returned", res)
}

func TestInvalidStateTransitions(t *testing.T) {
	ctx := testCtx(t)
	p, rec := newProcess(t, WithMethod("seven", ""))

	assert.ErrorIs(t, p.Stop(), ErrInvalidState)

	require.NoError(t, p.Start(ctx, false))
	assert.ErrorIs(t, p.Start(ctx, false), ErrInvalidState)

	_, err := p.WaitForCompletion(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, p.Stop(), ErrInvalidState)
	assert.Equal(t, Stopped, p.Status())

	require.NoError(t, p.Close())
	assert.NotContains(t, rec.statuses(), Stopping)
}

func TestLoadFailures(t *testing.T) {
	cases := []struct {
		name   string
		opt    Option
		kind   channel.ErrorKind
		target string
	}{
		{name: "not found", opt: WithMethod("missing", ""), kind: channel.KindLoad},
		{name: "wrong shape", opt: WithTask("seven", ""), kind: channel.KindInvalidType, target: "seven"},
		{name: "service shape", opt: WithService("seven", "127.0.0.1:0"), kind: channel.KindInvalidType, target: "seven"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			ctx := testCtx(t)
			p, rec := newProcess(t, c.opt)

			require.NoError(t, p.Start(ctx, true))
			status, err := p.WaitForCompletion(ctx)
			require.NoError(t, err)
			assert.Equal(t, Error, status)

			var typed *channel.Error
			require.ErrorAs(t, p.Err(), &typed)
			assert.Equal(t, c.kind, typed.Kind)
			assert.Equal(t, c.target, typed.Target)

			require.NoError(t, p.Close())
			assert.Equal(t, []Status{NotStarted, Starting, Error}, rec.statuses())
		})
	}
}

func TestChildCrash(t *testing.T) {
	ctx := testCtx(t)
	p, rec := newProcess(t, WithMethod("crash", ""))

	require.NoError(t, p.Start(ctx, false))
	status, err := p.WaitForCompletion(ctx)
	require.NoError(t, err)
	assert.Equal(t, Error, status)

	assert.ErrorIs(t, p.Err(), &channel.Error{Kind: channel.KindDisconnect})
	assert.ErrorContains(t, p.Err(), "child exited with code 3")

	require.NoError(t, p.Close())
	assert.Equal(t, []Status{NotStarted, Starting, Executing, Error}, rec.statuses())
}

func TestChildOutput(t *testing.T) {
	ctx := testCtx(t)
	var stdout strings.Builder
	p, _ := newProcess(t, WithMethod("stdout", "hello from the child"), WithOutput(&stdout, nil))

	require.NoError(t, p.Start(ctx, false))
	_, err := p.WaitForResult(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Close())
	assert.Equal(t, "hello from the child\n", stdout.String())
}

func TestLocatorFailure(t *testing.T) {
	ctx := testCtx(t)
	p, err := New(&locator.Static{}, WithLogger(logger), WithMethod("seven", ""))
	require.NoError(t, err)
	defer p.Close()

	err = p.Start(ctx, true)
	assert.ErrorIs(t, err, locator.ErrNotFound)
	assert.Equal(t, Error, p.Status())
	assert.ErrorIs(t, p.Err(), &channel.Error{Kind: channel.KindLoad})
}

func TestNewRequiresSomethingToRun(t *testing.T) {
	_, err := New(locator.Self{}, WithLogger(logger))
	assert.Error(t, err)
	_, err = New(locator.Self{}, WithLogger(logger), WithMethod("", ""))
	assert.Error(t, err)
}

func TestLua(t *testing.T) {
	ctx := testCtx(t)
	path := filepath.Join(t.TempDir(), "tasks.lua")
	require.NoError(t, os.WriteFile(path, []byte(`
function shout(arg)
  progress("shouting")
  return string.upper(arg)
end
`), 0644))

	p, rec := newProcess(t, WithLocation("lua:"+path), WithMethod("shout", "hi"))
	require.NoError(t, p.Start(ctx, false))
	res, err := p.WaitForResult(ctx)
	require.NoError(t, err)
	assert.Equal(t, "HI", res)

	require.NoError(t, p.Close())
	assert.Equal(t, []string{"shouting"}, rec.progress)
}

func TestService(t *testing.T) {
	ctx := testCtx(t)
	addr, err := net.LoopbackAddr()
	require.NoError(t, err)

	p, rec := newProcess(t, WithService("echo", addr))
	require.NoError(t, p.Start(ctx, true))

	client, err := service.NewClient(logger.Sugar(), addr)
	require.NoError(t, err)
	require.NoError(t, client.WaitForServer(ctx))

	var out []int
	require.NoError(t, client.Call(ctx, "anything", []int{1, 2}, &out))
	assert.Equal(t, []int{1, 2}, out)
	assert.True(t, service.IsServiceError(client.Call(ctx, "fail", nil, nil)))

	require.NoError(t, p.Stop())
	status, err := p.WaitForCompletion(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stopped, status)
	_, ok := p.Result()
	assert.False(t, ok)

	require.NoError(t, p.Close())
	assert.Equal(t, []Status{NotStarted, Starting, Executing, Stopping, Stopped}, rec.statuses())
	assert.Equal(t, []string{"listening on " + addr}, rec.progress)
}

func TestServiceWithCerts(t *testing.T) {
	ctx := testCtx(t)
	addr, err := net.LoopbackAddr()
	require.NoError(t, err)
	certs, err := service.GenerateCerts()
	require.NoError(t, err)

	p, _ := newProcess(t, WithService("echo", addr), WithServiceCerts(certs))
	require.NoError(t, p.Start(ctx, true))

	tlsConfig, err := certs.ClientTLSConfig()
	require.NoError(t, err)
	client, err := service.NewClient(logger.Sugar(), addr, service.WithClientTLS(tlsConfig))
	require.NoError(t, err)
	require.NoError(t, client.WaitForServer(ctx))

	var out string
	require.NoError(t, client.Call(ctx, "echo", "secure", &out))
	assert.Equal(t, "secure", out)

	require.NoError(t, p.Stop())
	_, err = p.WaitForResult(ctx)
	require.NoError(t, err)
}

func TestCloseStopsRunningChild(t *testing.T) {
	ctx := testCtx(t)
	p, _ := newProcess(t, WithTask("until-stopped", ""))
	require.NoError(t, p.Start(ctx, true))

	require.NoError(t, p.Close())
	assert.Equal(t, Stopped, p.Status())
	code, exited := p.ExitCode()
	assert.True(t, exited)
	assert.Equal(t, server.ExitOK, code)
}
