package host

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/guseggert/childproc/channel"
	"github.com/guseggert/childproc/server"
)

// spawn locates the executable and starts the child, its reaper and the listener.
// On error nothing is left running.
func (p *Process) spawn() error {
	path, err := p.locator.Locate(p.bitness)
	if err != nil {
		return channel.NewError(channel.KindLoad, fmt.Errorf("locating child executable: %w", err))
	}

	pipes, err := channel.OpenPipes(channel.WithLogger(p.log.Named("channel")))
	if err != nil {
		return fmt.Errorf("opening pipes: %w", err)
	}
	in, out := pipes.Endpoints()
	args := Arguments{
		Location:   p.location,
		In:         in,
		Out:        out,
		Shape:      p.shape,
		Descriptor: p.descriptor,
		Argument:   p.argument,
	}
	if err := args.Validate(); err != nil {
		pipes.Close()
		return channel.NewError(channel.KindArgumentParse, err)
	}

	stdout := newOutputWriter(p.log.Named("child_stdout"), p.stdout)
	stderr := newOutputWriter(p.log.Named("child_stderr"), p.stderr)

	cmd := exec.Command(path, args.Args()...)
	cmd.Env = append(os.Environ(), p.env...)
	cmd.Env = append(cmd.Env, server.EnvProcessID+"="+p.id)
	if p.certs != nil {
		cmd.Env = append(cmd.Env, p.certs.ServerEnv()...)
	}
	cmd.Dir = p.dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.ExtraFiles = pipes.ExtraFiles()

	p.log.Debugw("spawning child", "Path", path, "Args", args.Args())
	start := time.Now()
	if err := cmd.Start(); err != nil {
		pipes.Close()
		return fmt.Errorf("starting child: %w", err)
	}
	// the child has its own copies now, and ours would keep the pipes open after it exits
	if err := pipes.CloseChildEnds(); err != nil {
		p.log.Debugf("closing child pipe ends: %s", err)
	}

	p.mut.Lock()
	p.cmd = cmd
	p.ch = pipes.Parent
	stop := p.stopPending
	p.mut.Unlock()
	p.log.Infow("child started", "PID", cmd.Process.Pid, "Path", path)
	if stop {
		if err := p.sendTerminate(); err != nil {
			p.log.Debugf("sending deferred terminate: %s", err)
		}
	}

	// wait on the process to exit and record the result
	go func() {
		err := cmd.Wait()
		stdout.Flush()
		stderr.Flush()
		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = nil
		}
		p.mut.Lock()
		p.exitCode = code
		p.exitErr = err
		p.mut.Unlock()
		p.log.Debugw("child exited", "ExitCode", code, "Duration", time.Since(start), "Error", err)
		close(p.exited)
	}()

	go p.listen(pipes.Parent)
	return nil
}

// exitStatus describes how the child exited, waiting briefly for it if it hasn't yet.
func (p *Process) exitStatus() string {
	timer := time.NewTimer(exitGrace)
	defer timer.Stop()
	select {
	case <-p.exited:
	case <-timer.C:
		return ""
	}
	p.mut.Lock()
	defer p.mut.Unlock()
	if p.exitErr != nil {
		return fmt.Sprintf("waiting for child: %s", p.exitErr)
	}
	switch p.exitCode {
	case server.ExitNoChannel:
		return "child could not open its channel (exit code 2)"
	case -1:
		return "child was killed"
	}
	return fmt.Sprintf("child exited with code %d", p.exitCode)
}
