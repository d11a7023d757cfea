// Package host runs code in a child process and tracks it from the parent's side.
//
// A Process spawns the child executable found by a locator.Locator, hands it one end of a channel,
// and turns the messages coming back into status transitions, progress notifications, and a final
// result or error:
//
//	p, err := host.New(locator.Self{}, host.WithTask("sleep", "5s"), host.WithProgressHandler(print))
//	err = p.Start(ctx, true)
//	...
//	err = p.Stop()
//	status, err := p.WaitForCompletion(ctx)
//
// Notifications are delivered in order on a dedicated goroutine, never while the Process holds its lock.
// Handlers may call Stop, but must not block waiting for the Process.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/childproc/channel"
	"github.com/guseggert/childproc/locator"
	"github.com/guseggert/childproc/service"
	"github.com/guseggert/childproc/task"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ErrInvalidState is returned when an operation isn't allowed in the current status.
var ErrInvalidState = errors.New("invalid state")

// exitGrace is how long a disconnect waits for the exit status of the child before reporting without it.
const exitGrace = 500 * time.Millisecond

// Process is the parent's handle on one child process. It is safe for concurrent use.
type Process struct {
	log *zap.SugaredLogger
	id  string

	locator    locator.Locator
	bitness    locator.Bitness
	location   string
	shape      task.Shape
	descriptor string
	argument   string

	onStatus    func(StatusChange)
	onProgress  func(string)
	env         []string
	dir         string
	stdout      io.Writer
	stderr      io.Writer
	killTimeout time.Duration
	certs       *service.Certs
	logLevel    *zapcore.Level

	// mut guards everything below it
	mut      sync.Mutex
	status   Status
	err      *channel.Error
	result   *string
	ch       *channel.Channel
	cmd      *exec.Cmd
	exitCode int
	exitErr  error

	// stopPending is a Stop that came in before the channel was open
	stopPending bool

	// sendMu serializes Stop with the listener's reply to a terminate request
	sendMu sync.Mutex

	done         chan struct{}
	first        chan struct{}
	firstOnce    sync.Once
	exited       chan struct{}
	listenerDone chan struct{}
	notes        *dispatcher
	closeOnce    sync.Once
}

type Option func(p *Process)

func WithLogger(l *zap.Logger) Option {
	return func(p *Process) {
		p.log = l.Sugar()
	}
}

// WithLogLevel raises the minimum level of the logger, whichever logger is used.
func WithLogLevel(l zapcore.Level) Option {
	return func(p *Process) {
		p.logLevel = &l
	}
}

// WithBitness requires a child executable of the given bitness. The default is locator.Any.
func WithBitness(b locator.Bitness) Option {
	return func(p *Process) {
		p.bitness = b
	}
}

// WithLocation sets where the child's loader finds the code, such as "lua:/path/to/script.lua".
func WithLocation(location string) Option {
	return func(p *Process) {
		p.location = location
	}
}

// WithMethod runs the method named by descriptor with arg.
func WithMethod(descriptor, arg string) Option {
	return func(p *Process) {
		p.shape, p.descriptor, p.argument = task.ShapeMethod, descriptor, arg
	}
}

// WithTask runs the task named by descriptor with arg.
func WithTask(descriptor, arg string) Option {
	return func(p *Process) {
		p.shape, p.descriptor, p.argument = task.ShapeTask, descriptor, arg
	}
}

// WithService hosts the service named by descriptor, listening on listenAddr, until the process is stopped.
func WithService(descriptor, listenAddr string) Option {
	return func(p *Process) {
		p.shape, p.descriptor, p.argument = task.ShapeService, descriptor, listenAddr
	}
}

func WithStatusHandler(f func(StatusChange)) Option {
	return func(p *Process) {
		p.onStatus = f
	}
}

func WithProgressHandler(f func(string)) Option {
	return func(p *Process) {
		p.onProgress = f
	}
}

// WithEnv adds "key=value" entries to the child's environment, which otherwise is the parent's.
func WithEnv(env ...string) Option {
	return func(p *Process) {
		p.env = append(p.env, env...)
	}
}

func WithDir(dir string) Option {
	return func(p *Process) {
		p.dir = dir
	}
}

// WithOutput copies the child's stdout and stderr to the given writers, in addition to logging them.
// Either may be nil.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(p *Process) {
		p.stdout, p.stderr = stdout, stderr
	}
}

// WithKillTimeout sets how long Close waits for a running child to exit before killing it.
func WithKillTimeout(d time.Duration) Option {
	return func(p *Process) {
		p.killTimeout = d
	}
}

// WithServiceCerts passes the certificates to a hosted service, which then requires mTLS.
func WithServiceCerts(c *service.Certs) Option {
	return func(p *Process) {
		p.certs = c
	}
}

// New builds a Process. One of WithMethod, WithTask and WithService must be given.
func New(loc locator.Locator, opts ...Option) (*Process, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	p := &Process{
		log:          logger.Sugar(),
		id:           uuid.NewString(),
		locator:      loc,
		bitness:      locator.Any,
		killTimeout:  10 * time.Second,
		done:         make(chan struct{}),
		first:        make(chan struct{}),
		exited:       make(chan struct{}),
		listenerDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.shape == "" {
		return nil, errors.New("nothing to run: one of WithMethod, WithTask or WithService is required")
	}
	if p.descriptor == "" {
		return nil, errors.New("empty descriptor")
	}
	if p.logLevel != nil {
		p.log = p.log.WithOptions(zap.IncreaseLevel(*p.logLevel))
	}
	p.log = p.log.Named("host_process").With("ID", p.id)
	p.notes = newDispatcher(p.log.Named("dispatcher"))
	return p, nil
}

// ID identifies the process in logs, on both sides.
func (p *Process) ID() string { return p.id }

func (p *Process) Status() Status {
	p.mut.Lock()
	defer p.mut.Unlock()
	return p.status
}

// Err returns the error the run ended with, if it ended in Error. It is a *channel.Error.
func (p *Process) Err() error {
	p.mut.Lock()
	defer p.mut.Unlock()
	if p.err == nil {
		return nil
	}
	return p.err
}

// Result returns the result the run ended with, if it was Stopped and the child sent one.
func (p *Process) Result() (string, bool) {
	p.mut.Lock()
	defer p.mut.Unlock()
	if p.result == nil {
		return "", false
	}
	return *p.result, true
}

// PID returns the child's process ID, or 0 if it hasn't been spawned.
func (p *Process) PID() int {
	p.mut.Lock()
	defer p.mut.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// ExitCode returns the child's exit code once it has exited.
func (p *Process) ExitCode() (int, bool) {
	select {
	case <-p.exited:
	default:
		return 0, false
	}
	p.mut.Lock()
	defer p.mut.Unlock()
	return p.exitCode, p.cmd != nil
}

// Start spawns the child. It fails with ErrInvalidState unless the process has never been started.
// With waitForFirstMessage it returns only once the child has reported in, successfully or not,
// or has gone away. The outcome is in Status and Err.
func (p *Process) Start(ctx context.Context, waitForFirstMessage bool) error {
	if !p.transition([]Status{NotStarted}, Starting, nil) {
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidState, p.Status())
	}
	if err := p.spawn(); err != nil {
		p.fail(err)
		close(p.exited)
		close(p.listenerDone)
		return err
	}
	if !waitForFirstMessage {
		return nil
	}
	select {
	case <-p.first:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop asks the child to finish. It fails with ErrInvalidState unless the process is Starting or Executing.
// From Executing the status moves to Stopping; from Starting it is left alone, and the child sees the
// request once it is running. A Stop that comes in before the child is spawned is sent right after.
// The returned error is from sending the request.
func (p *Process) Stop() error {
	p.mut.Lock()
	moved := p.transitionLocked([]Status{Executing}, Stopping, nil)
	status := p.status
	p.mut.Unlock()
	if !moved && status != Starting {
		return fmt.Errorf("%w: cannot stop from %s", ErrInvalidState, status)
	}
	return p.sendTerminate()
}

// WaitForCompletion blocks until the run ends or ctx is done, and returns the status.
// An error is only returned for ctx; the run's own error is in Err.
func (p *Process) WaitForCompletion(ctx context.Context) (Status, error) {
	select {
	case <-p.done:
		return p.Status(), nil
	case <-ctx.Done():
		return p.Status(), ctx.Err()
	}
}

// WaitForResult blocks like WaitForCompletion and returns the result, or the error the run ended with.
func (p *Process) WaitForResult(ctx context.Context) (string, error) {
	if _, err := p.WaitForCompletion(ctx); err != nil {
		return "", err
	}
	if err := p.Err(); err != nil {
		return "", err
	}
	res, _ := p.Result()
	return res, nil
}

// Close releases the process. A child that is still running is asked to stop, and killed if it
// hasn't exited within the kill timeout. Pending notifications are delivered before Close returns.
func (p *Process) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.close()
	})
	return err
}

func (p *Process) close() error {
	var errs []error
	if status := p.Status(); status != NotStarted {
		if !status.Terminal() {
			if err := p.Stop(); err != nil {
				p.log.Debugf("stopping on close: %s", err)
			}
		}
		timer := time.NewTimer(p.killTimeout)
		select {
		case <-p.exited:
		case <-timer.C:
			p.log.Infow("child did not exit, killing it", "PID", p.PID())
			if err := p.kill(); err != nil {
				errs = append(errs, fmt.Errorf("killing child: %w", err))
			}
			<-p.exited
		}
		timer.Stop()

		p.mut.Lock()
		ch := p.ch
		p.mut.Unlock()
		if ch != nil {
			if err := ch.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing channel: %w", err))
			}
		}
		<-p.listenerDone
	}
	p.notes.close()
	return errors.Join(errs...)
}

func (p *Process) kill() error {
	p.mut.Lock()
	defer p.mut.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *Process) sendTerminate() error {
	p.mut.Lock()
	ch := p.ch
	if ch == nil {
		p.stopPending = true
		p.mut.Unlock()
		p.log.Debug("child not spawned yet, deferring terminate")
		return nil
	}
	p.mut.Unlock()

	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if err := ch.Send(channel.NewMessage(channel.SignalTerminate)); err != nil {
		return fmt.Errorf("sending terminate: %w", err)
	}
	return nil
}

// transition moves to status to if the current status is one of from, running capture under the lock.
// It reports whether the transition happened.
func (p *Process) transition(from []Status, to Status, capture func()) bool {
	p.mut.Lock()
	defer p.mut.Unlock()
	return p.transitionLocked(from, to, capture)
}

func (p *Process) transitionLocked(from []Status, to Status, capture func()) bool {
	if !slices.Contains(from, p.status) {
		return false
	}
	change := StatusChange{From: p.status, To: to}
	p.status = to
	if capture != nil {
		capture()
	}
	if to.Terminal() {
		close(p.done)
	}
	p.log.Infow("status changed", "From", change.From, "To", change.To)
	if p.onStatus != nil {
		p.notes.enqueue(func() { p.onStatus(change) })
	}
	return true
}

// fail ends the run with err, unless it has already ended.
func (p *Process) fail(err error) bool {
	var typed *channel.Error
	if !errors.As(err, &typed) {
		typed = channel.NewError(channel.KindInternal, err)
	}
	return p.transition([]Status{Starting, Executing, Stopping}, Error, func() {
		p.err = typed
	})
}

func (p *Process) progress(text string) {
	if p.onProgress != nil {
		p.notes.enqueue(func() { p.onProgress(text) })
	}
}

func (p *Process) markFirstMessage() {
	p.firstOnce.Do(func() { close(p.first) })
}
