package host

import (
	"github.com/guseggert/childproc/channel"
)

// listen turns messages from the child into transitions until the run ends or the child goes away.
func (p *Process) listen(ch *channel.Channel) {
	defer close(p.listenerDone)
	log := p.log.Named("host_listener")
	for {
		m, err := ch.Receive()
		if err != nil {
			p.disconnected(err)
			p.markFirstMessage()
			return
		}
		log.Debugw("got message", "Message", m)
		terminal := p.handle(m)
		p.markFirstMessage()
		if terminal {
			// closing our end lets the child's drain finish
			ch.Close()
			return
		}
	}
}

// handle applies one message and reports whether it ended the run.
func (p *Process) handle(m channel.Message) bool {
	switch m.Kind {
	case channel.HostStarted:
		if !p.transition([]Status{Starting}, Executing, nil) {
			p.log.Debugw("ignoring started message", "Status", p.Status())
		}
	case channel.Progress:
		p.progress(m.TextOr(""))
	case channel.RequestTerminate:
		// the child finished on its own and is waiting to be told to stop
		if err := p.sendTerminate(); err != nil {
			// if the child is gone, the next receive reports it
			p.log.Debugf("replying to terminate request: %s", err)
		}
	case channel.SignalTerminate:
		p.log.Debug("ignoring terminate signal from child")
	case channel.HostFinished:
		// a child that finishes without a separate started message still passes through Executing
		p.transition([]Status{Starting}, Executing, nil)
		p.transition([]Status{Executing, Stopping}, Stopped, func() {
			p.result = m.Text
		})
		return true
	default:
		if m.Kind.IsError() {
			p.fail(channel.ErrorFromMessage(m))
			return true
		}
		p.log.Debugw("ignoring unexpected message", "Message", m)
	}
	return false
}

func (p *Process) disconnected(cause error) {
	if p.Status().Terminal() {
		return
	}
	err := channel.NewError(channel.KindDisconnect, cause)
	if status := p.exitStatus(); status != "" {
		err.Target = status
	}
	if p.fail(err) {
		p.log.Infow("child went away", "Error", err)
	}
}
