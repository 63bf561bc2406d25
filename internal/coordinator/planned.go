package coordinator

import (
	"sync"

	"buildswarm/internal/bootstrap"
)

// PlannedNode is a node the scheduler may count on. It resolves once the node is attached,
// failed, or was dropped because a cap was reached in the meantime.
type PlannedNode struct {
	Name       string
	TemplateID string
	Executors  int

	once     sync.Once
	done     chan struct{}
	attached *bootstrap.Attached
	err      error
}

func newPlannedNode(name, templateID string, executors int) *PlannedNode {
	return &PlannedNode{
		Name:       name,
		TemplateID: templateID,
		Executors:  executors,
		done:       make(chan struct{}),
	}
}

// resolve settles the node. Only the first call has an effect.
func (p *PlannedNode) resolve(attached *bootstrap.Attached, err error) {
	p.once.Do(func() {
		p.attached = attached
		p.err = err
		close(p.done)
	})
}

// Wait blocks until the node resolves. A nil node with a nil error means the node was not created.
func (p *PlannedNode) Wait() (*bootstrap.Attached, error) {
	<-p.done
	return p.attached, p.err
}

// Done is closed when the node resolves
func (p *PlannedNode) Done() <-chan struct{} {
	return p.done
}
