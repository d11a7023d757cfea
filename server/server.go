// Package server runs inside a child process. It opens the channel to the parent, loads the requested
// code, runs it, and reports the outcome before exiting.
//
// A run goes through four steps: parse, execute, wait for signal, terminate. HostStarted is sent once
// parse succeeds and HostFinished once terminate has the final result. A failed step is reported as the
// matching error message and ends the run. In every case the channel is drained before the child exits,
// so the parent sees the last message.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/guseggert/childproc/channel"
	"github.com/guseggert/childproc/loader"
	"github.com/guseggert/childproc/service"
	"github.com/guseggert/childproc/task"
	"go.uber.org/zap"
)

const (
	// ExitOK means the run succeeded.
	ExitOK = 0
	// ExitFailed means the run failed and the failure was reported to the parent.
	ExitFailed = 1
	// ExitNoChannel means the channel to the parent could not be opened.
	ExitNoChannel = 2
)

// EnvProcessID carries the parent's ID for the child, used to correlate logs.
const EnvProcessID = "CHILDPROC_ID"

// Server drives child runs.
type Server struct {
	log    *zap.SugaredLogger
	loader loader.Loader

	joinTimeout  time.Duration
	drainTimeout time.Duration
	serviceOpts  []service.Option
}

type Option func(s *Server)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// WithJoinTimeout bounds how long a stopped AsyncThread worker is waited for before it is abandoned.
func WithJoinTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.joinTimeout = d
	}
}

// WithDrainTimeout bounds how long the child waits for the parent to read its last message.
func WithDrainTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.drainTimeout = d
	}
}

// WithServiceOptions sets options for the host of the service variant.
func WithServiceOptions(opts ...service.Option) Option {
	return func(s *Server) {
		s.serviceOpts = append(s.serviceOpts, opts...)
	}
}

func New(l loader.Loader, opts ...Option) *Server {
	s := &Server{
		log:          zap.NewNop().Sugar(),
		loader:       l,
		joinTimeout:  10 * time.Second,
		drainTimeout: 10 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Main runs the child described by args, the command line without the program name, and returns the exit code.
func Main(l loader.Loader, args []string, opts ...Option) int {
	return New(l, opts...).Run(context.Background(), args)
}

// Run opens the channel named by args and serves one run over it.
func (s *Server) Run(ctx context.Context, args []string) int {
	log := s.log
	if id := os.Getenv(EnvProcessID); id != "" {
		log = log.With("ProcessID", id)
	}
	if len(args) < 3 {
		log.Errorf("expected at least 3 arguments, got %d", len(args))
		return ExitNoChannel
	}
	ch, err := channel.FromEndpoints(args[1], args[2], channel.WithLogger(log.Named("channel")))
	if err != nil {
		log.Errorf("opening channel: %s", err)
		return ExitNoChannel
	}
	return s.serve(ctx, log, ch, args)
}

// Serve runs the lifecycle over an already open channel and returns the exit code.
// args has the same layout as for Run, but the endpoints in it are not opened. ch is closed on return.
func (s *Server) Serve(ctx context.Context, ch *channel.Channel, args []string) int {
	return s.serve(ctx, s.log, ch, args)
}

func (s *Server) serve(ctx context.Context, log *zap.SugaredLogger, ch *channel.Channel, args []string) int {
	sess := &session{
		server: s,
		log:    log.Named("host_server"),
		ch:     ch,
	}
	defer ch.Close()

	code := ExitOK
	if err := sess.run(ctx, args); err != nil {
		code = ExitFailed
		sess.report(err)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), s.drainTimeout)
	defer cancel()
	if err := ch.WaitForDrain(drainCtx); err != nil {
		sess.log.Debugf("draining channel: %s", err)
	}
	sess.closeTarget()
	sess.log.Debugw("run done", "ExitCode", code)
	return code
}

// variant is one of the three ways of running loaded code.
type variant interface {
	execute(ctx context.Context) error
	waitForSignal()
	// terminate returns the result to send with HostFinished, if any.
	terminate(ctx context.Context) (*string, error)
}

type session struct {
	server *Server
	log    *zap.SugaredLogger
	ch     *channel.Channel

	// sendMu serializes every send from the child, since progress may come from a worker goroutine
	sendMu sync.Mutex

	target     loader.Target
	descriptor string
	variant    variant
	// abandoned is set when a worker may still be using the target
	abandoned bool
}

func (s *session) send(m channel.Message) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.ch.Send(m)
}

func (s *session) Progress(text string) {
	if err := s.send(channel.NewTextMessage(channel.Progress, text)); err != nil {
		s.log.Debugf("dropping progress: %s", err)
	}
}

func (s *session) Progressf(format string, args ...any) {
	s.Progress(fmt.Sprintf(format, args...))
}

func (s *session) run(ctx context.Context, args []string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("recovered panic", "Panic", r)
			err = channel.Errorf(channel.KindInternal, "panic: %v", r)
		}
	}()

	if err := s.parse(args); err != nil {
		return err
	}
	if err := s.send(channel.NewMessage(channel.HostStarted)); err != nil {
		return fmt.Errorf("sending started: %w", err)
	}
	s.log.Debug("started")

	if err := s.variant.execute(ctx); err != nil {
		return s.executeErr(err)
	}
	s.variant.waitForSignal()
	result, err := s.variant.terminate(ctx)
	if err != nil {
		return s.executeErr(err)
	}

	finished := channel.NewMessage(channel.HostFinished)
	if result != nil {
		finished = finished.WithText(*result)
	}
	if err := s.send(finished); err != nil {
		if errors.Is(err, channel.ErrInvalidText) {
			return channel.NewError(channel.KindExecution, fmt.Errorf("sending result: %w", err))
		}
		return fmt.Errorf("sending finished: %w", err)
	}
	s.log.Debug("finished")
	return nil
}

func (s *session) executeErr(err error) error {
	var typed *channel.Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, task.ErrInvalidArgument) {
		return &channel.Error{Kind: channel.KindInvalidExecute, Target: s.descriptor, Err: err}
	}
	return channel.NewError(channel.KindExecution, err)
}

func (s *session) parse(args []string) error {
	if len(args) < 5 || len(args) > 6 {
		return channel.Errorf(channel.KindArgumentParse, "expected 5 or 6 arguments, got %d", len(args))
	}
	location, descriptor := args[0], args[4]
	shape, err := task.ParseShape(args[3])
	if err != nil {
		return channel.NewError(channel.KindArgumentParse, err)
	}
	if descriptor == "" {
		return channel.Errorf(channel.KindArgumentParse, "empty descriptor")
	}
	var arg string
	if len(args) == 6 {
		arg = args[5]
	}
	s.descriptor = descriptor
	s.log = s.log.With("Shape", shape, "Descriptor", descriptor)

	target, err := s.server.loader.Load(location, descriptor)
	if err != nil {
		return s.loadErr(err)
	}
	s.target = target

	switch shape {
	case task.ShapeMethod:
		m, err := target.Method()
		if err != nil {
			return s.loadErr(err)
		}
		s.variant = &methodHost{sess: s, method: m, arg: arg}
	case task.ShapeTask:
		t, err := target.Task()
		if err != nil {
			return s.loadErr(err)
		}
		s.variant = newTaskHost(s, t, arg)
	case task.ShapeService:
		svc, err := target.Service()
		if err != nil {
			return s.loadErr(err)
		}
		s.variant = &serviceHost{sess: s, svc: svc, listenAddr: arg}
	}
	return nil
}

func (s *session) loadErr(err error) error {
	if errors.Is(err, loader.ErrShape) {
		return &channel.Error{Kind: channel.KindInvalidType, Target: s.descriptor, Err: err}
	}
	return channel.NewError(channel.KindLoad, err)
}

// report sends err as the matching error message.
func (s *session) report(err error) {
	s.log.Infow("run failed", "Error", err)
	var typed *channel.Error
	if !errors.As(err, &typed) {
		typed = channel.NewError(channel.KindInternal, err)
	}
	// the parent's reader rejects invalid UTF-8, and this report is the last chance to be heard
	info := channel.DescribeError(typed.Err)
	if info != nil {
		info.Type = strings.ToValidUTF8(info.Type, "\uFFFD")
		info.Message = strings.ToValidUTF8(info.Message, "\uFFFD")
	}
	m := channel.Message{
		Kind:  channel.MessageKindFor(typed.Kind),
		Error: info,
	}
	if typed.Target != "" {
		m = m.WithText(strings.ToValidUTF8(typed.Target, "\uFFFD"))
	}
	if sendErr := s.send(m); sendErr != nil {
		s.log.Debugf("could not report failure: %s", sendErr)
	}
}

// waitForTerminate reads from the parent until it asks the child to stop.
// A lost parent counts as a request to stop.
func (s *session) waitForTerminate() {
	for {
		m, err := s.ch.Receive()
		if err != nil {
			s.log.Debugf("channel closed while waiting for terminate: %s", err)
			return
		}
		if m.Kind == channel.SignalTerminate {
			s.log.Debug("got terminate signal")
			return
		}
		s.log.Debugw("ignoring message while waiting for terminate", "Message", m)
	}
}

// protect turns a panic in task code into an error.
func protect(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return f()
}

func (s *session) closeTarget() {
	c, ok := s.target.(io.Closer)
	if !ok || s.abandoned {
		return
	}
	if err := c.Close(); err != nil {
		s.log.Debugf("closing target: %s", err)
	}
}
