package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
)

// ErrClosed is returned by Send and Receive once the channel or its peer is gone.
var ErrClosed = errors.New("channel closed")

// Channel exchanges framed messages over an inbound and an outbound stream.
// Receive must only be called from one goroutine at a time, and Send is not serialized; see the package docs.
type Channel struct {
	log *zap.SugaredLogger

	in  io.ReadCloser
	out io.WriteCloser
	r   *bufio.Reader

	closed       atomic.Bool
	closeOnce    sync.Once
	closeOutOnce sync.Once
	closeOutErr  error
}

type Option func(c *Channel)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Channel) {
		c.log = l
	}
}

// New builds a channel that reads frames from in and writes frames to out.
// The channel owns both streams.
func New(in io.ReadCloser, out io.WriteCloser, opts ...Option) *Channel {
	c := &Channel{
		log: zap.NewNop().Sugar(),
		in:  in,
		out: out,
		r:   bufio.NewReader(in),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Send writes m to the peer. It returns an error wrapping ErrClosed if the peer is gone,
// in which case the channel is closed.
func (c *Channel) Send(m Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	b, err := encodeMessage(m)
	if err != nil {
		return err
	}
	// one Write per frame, so frames from serialized callers never interleave
	_, err = c.out.Write(b)
	if err != nil {
		if !isDisconnect(err) {
			c.log.Debugf("unexpected write error: %s", err)
		}
		c.Close()
		return fmt.Errorf("%w: sending %s: %v", ErrClosed, m.Kind, err)
	}
	c.log.Debugw("sent message", "Message", m)
	return nil
}

// Receive blocks until a message arrives. Any failure, including a clean close by the peer,
// returns an error wrapping ErrClosed and closes the channel.
func (c *Channel) Receive() (Message, error) {
	if c.closed.Load() {
		return Message{}, ErrClosed
	}
	m, err := decodeMessage(c.r)
	if err != nil {
		if !isDisconnect(err) {
			c.log.Debugf("unexpected read error: %s", err)
		}
		c.Close()
		return Message{}, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	c.log.Debugw("received message", "Message", m)
	return m, nil
}

// WaitForDrain closes the outbound stream, so the peer reads everything sent so far followed by end-of-stream,
// then blocks until the peer closes its side or ctx is done. Messages still arriving are discarded.
// The channel is closed when WaitForDrain returns.
func (c *Channel) WaitForDrain(ctx context.Context) error {
	if c.closed.Load() {
		return nil
	}
	c.closeOut()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			m, err := c.Receive()
			if err != nil {
				return
			}
			c.log.Debugw("discarding message while draining", "Message", m)
		}
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		c.Close()
		<-done
		return fmt.Errorf("waiting for peer to drain: %w", ctx.Err())
	}
}

// Closed reports whether the channel has been closed.
func (c *Channel) Closed() bool {
	return c.closed.Load()
}

// Close closes both streams. It is safe to call more than once and from any goroutine.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		outErr := c.closeOut()
		inErr := c.in.Close()
		if isDisconnect(outErr) {
			outErr = nil
		}
		if isDisconnect(inErr) {
			inErr = nil
		}
		err = errors.Join(outErr, inErr)
	})
	return err
}

func (c *Channel) closeOut() error {
	c.closeOutOnce.Do(func() {
		c.closeOutErr = c.out.Close()
	})
	return c.closeOutErr
}

// isDisconnect reports whether err is an ordinary end-of-connection condition.
func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, syscall.EPIPE)
}
