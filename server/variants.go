package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guseggert/childproc/channel"
	"github.com/guseggert/childproc/service"
	"github.com/guseggert/childproc/task"
)

type methodHost struct {
	sess   *session
	method task.Method
	arg    string
	result string
}

func (h *methodHost) execute(ctx context.Context) error {
	return protect(func() (err error) {
		h.result, err = h.method(task.WithReporter(ctx, h.sess), h.arg)
		return err
	})
}

func (h *methodHost) waitForSignal() {}

func (h *methodHost) terminate(ctx context.Context) (*string, error) {
	return &h.result, nil
}

type taskHost struct {
	sess *session
	task task.Task
	mode task.Mode
	arg  string

	sig signal
	// result and err are written by whoever runs Execute, before done is closed for AsyncThread tasks
	result string
	err    error

	cancel context.CancelFunc
	done   chan struct{}
}

func newTaskHost(sess *session, t task.Task, arg string) *taskHost {
	return &taskHost{
		sess: sess,
		task: t,
		mode: t.Mode(),
		arg:  arg,
		done: make(chan struct{}),
	}
}

func (h *taskHost) run(ctx context.Context) {
	h.err = protect(func() (err error) {
		h.result, err = h.task.Execute(ctx, h.arg, h.sess)
		return err
	})
}

func (h *taskHost) execute(ctx context.Context) error {
	h.sess.log.Debugw("executing task", "Mode", h.mode)
	switch h.mode {
	case task.Synchronous, task.AsyncReturn:
		h.run(ctx)
		close(h.done)
		return h.err
	case task.AsyncThread:
		ctx, h.cancel = context.WithCancel(ctx)
		go h.work(ctx)
		return nil
	}
	return fmt.Errorf("%w: unknown mode %s", task.ErrInvalidArgument, h.mode)
}

func (h *taskHost) work(ctx context.Context) {
	defer close(h.done)
	h.run(ctx)

	state := stateWorkFinished
	if h.err != nil {
		state = stateWorkFailed
	}
	if !h.sig.claim(state) {
		// the parent already asked us to stop, and terminate takes it from here
		return
	}
	h.sess.log.Debugw("worker finished first", "State", state)
	// the parent only learns the task is done by being asked to stop it
	if err := h.sess.send(channel.NewMessage(channel.RequestTerminate)); err != nil {
		h.sess.log.Debugf("sending terminate request: %s", err)
	}
}

func (h *taskHost) waitForSignal() {
	if h.mode == task.Synchronous {
		return
	}
	h.sess.waitForTerminate()
	if !h.sig.claim(stateSignalReceived) {
		h.sess.log.Debugw("terminate signal arrived after the worker finished", "State", h.sig.load())
	}
}

func (h *taskHost) terminate(ctx context.Context) (*string, error) {
	switch h.mode {
	case task.Synchronous:
		return &h.result, nil
	case task.AsyncReturn:
		if err := protect(h.task.End); err != nil {
			return nil, fmt.Errorf("ending task: %w", err)
		}
		return &h.result, nil
	}

	switch state := h.sig.load(); state {
	case stateWorkFinished:
		<-h.done
		return &h.result, nil
	case stateWorkFailed:
		<-h.done
		return nil, h.err
	case stateSignalReceived:
		return h.stopWorker()
	default:
		return nil, channel.Errorf(channel.KindInternal, "terminating task in state %s", state)
	}
}

// stopWorker ends a running AsyncThread task and joins its worker.
// The worker is abandoned if End fails or it doesn't return within the join timeout.
func (h *taskHost) stopWorker() (*string, error) {
	h.cancel()
	if err := protect(h.task.End); err != nil {
		h.abandon()
		return nil, fmt.Errorf("ending task: %w", err)
	}

	timeout := h.sess.server.joinTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.done:
	case <-timer.C:
		h.abandon()
		return nil, fmt.Errorf("worker did not stop within %s", timeout)
	}

	if h.err != nil && !errors.Is(h.err, context.Canceled) {
		return nil, h.err
	}
	return &h.result, nil
}

func (h *taskHost) abandon() {
	h.sess.log.Warnw("abandoning task worker", "JoinTimeout", h.sess.server.joinTimeout)
	h.sess.abandoned = true
}

type serviceHost struct {
	sess       *session
	svc        task.Service
	listenAddr string
	host       *service.Host
}

func (h *serviceHost) execute(ctx context.Context) error {
	tlsConfig, err := service.ServerTLSConfigFromEnv()
	if err != nil {
		return channel.NewError(channel.KindInternal, fmt.Errorf("loading service TLS config: %w", err))
	}
	opts := []service.Option{
		service.WithLogger(h.sess.log.Named("service_host")),
		service.WithName(h.sess.descriptor),
	}
	if tlsConfig != nil {
		opts = append(opts, service.WithTLS(tlsConfig))
	}
	opts = append(opts, h.sess.server.serviceOpts...)

	h.host = service.NewHost(h.svc, h.listenAddr, opts...)
	if err := h.host.Start(); err != nil {
		return fmt.Errorf("starting service: %w", err)
	}
	h.sess.Progressf("listening on %s", h.host.Addr())
	return nil
}

func (h *serviceHost) waitForSignal() {
	h.sess.waitForTerminate()
}

func (h *serviceHost) terminate(ctx context.Context) (*string, error) {
	if err := h.host.Close(); err != nil {
		return nil, fmt.Errorf("stopping service: %w", err)
	}
	return nil, nil
}
