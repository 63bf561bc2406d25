package bootstrap

import (
	"io"
	"sync"

	"buildswarm/internal/control"
	"buildswarm/internal/directory"
	"buildswarm/internal/logging"

	"go.uber.org/zap"
)

// Attached is a node whose agent is running. Its stdin and stdout form the agent channel.
type Attached struct {
	Node directory.Node

	process control.Process
	shell   control.Shell

	once sync.Once
	done chan struct{}
	err  error
}

func newAttached(node directory.Node, process control.Process, shell control.Shell) *Attached {
	a := &Attached{
		Node:    node,
		process: process,
		shell:   shell,
		done:    make(chan struct{}),
	}
	go a.wait()
	return a
}

// wait closes the transport once the agent exits
func (a *Attached) wait() {
	err := a.process.Wait()
	a.err = err
	a.release()
	logging.Logger().Info("Agent exited",
		zap.String("node", a.Node.Name),
		zap.Error(err))
	close(a.done)
}

func (a *Attached) release() {
	a.once.Do(func() {
		safeClose("agent session", a.process.Close)
		safeClose("SSH connection", a.shell.Close)
	})
}

// Stdin is the channel towards the agent
func (a *Attached) Stdin() io.WriteCloser {
	return a.process.Stdin()
}

// Stdout is the channel from the agent
func (a *Attached) Stdout() io.Reader {
	return a.process.Stdout()
}

// Done is closed when the agent process has ended
func (a *Attached) Done() <-chan struct{} {
	return a.done
}

// Err returns the agent exit error once Done is closed
func (a *Attached) Err() error {
	<-a.done
	return a.err
}

// Close terminates the agent channel and the SSH transport
func (a *Attached) Close() error {
	a.release()
	<-a.done
	return nil
}

func safeClose(name string, closer func() error) {
	if err := closer(); err != nil {
		logging.Logger().Debug("failed to close resource",
			zap.String("resource", name),
			zap.Error(err))
	}
}
