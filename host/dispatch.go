package host

import (
	"sync"

	"go.uber.org/zap"
)

// dispatcher runs notification callbacks in order on its own goroutine,
// so callbacks never run while the Process holds its lock.
type dispatcher struct {
	log *zap.SugaredLogger

	m      sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newDispatcher(log *zap.SugaredLogger) *dispatcher {
	d := &dispatcher{
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

// enqueue never blocks. Callbacks enqueued after close are dropped.
func (d *dispatcher) enqueue(f func()) {
	d.m.Lock()
	defer d.m.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, f)
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.m.Lock()
		queue, closed := d.queue, d.closed
		d.queue = nil
		d.m.Unlock()

		for _, f := range queue {
			d.call(f)
		}
		if closed && len(queue) == 0 {
			return
		}
		if len(queue) == 0 {
			<-d.wake
		}
	}
}

func (d *dispatcher) call(f func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorw("notification handler panicked", "Panic", r)
		}
	}()
	f()
}

// close delivers everything already enqueued and then stops the dispatcher.
func (d *dispatcher) close() {
	d.m.Lock()
	if !d.closed {
		d.closed = true
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
	d.m.Unlock()
	<-d.done
}
