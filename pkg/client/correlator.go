package client

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/dreamlayer/imagegen-client/pkg/client/dto"
)

// settleFunc receives either the correlated task result or the failure that
// settled it. It is invoked exactly once per registration.
type settleFunc func(res *dto.TaskResult, err error)

type pendingRequest struct {
	settle settleFunc
	timer  *time.Timer
}

// correlator owns the pending-request registry. Each registration carries its
// own timer; firing the timer settles the request with a timeout failure.
// Settlement is exactly-once: the entry is removed under the lock before the
// callback runs, so a genuine reply racing an already-fired timeout is a no-op.
type correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
}

func newCorrelator() *correlator {
	return &correlator{pending: map[string]*pendingRequest{}}
}

func (c *correlator) register(id string, timeout time.Duration, onSettle settleFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pending[id]; exists {
		return errors.Errorf("task %q is already registered", id)
	}
	p := &pendingRequest{settle: onSettle}
	p.timer = time.AfterFunc(timeout, func() {
		c.settle(id, nil, &RequestTimeoutError{TaskUUID: id, Timeout: timeout})
	})
	c.pending[id] = p
	return nil
}

// settle resolves the registration for id and removes it. Returns false when
// id is unknown (already settled, timed out or cancelled).
func (c *correlator) settle(id string, res *dto.TaskResult, err error) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		p.timer.Stop()
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	p.settle(res, err)
	return true
}

// cancel deregisters id and stops its timer without invoking the callback.
func (c *correlator) cancel(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return false
	}
	delete(c.pending, id)
	p.timer.Stop()
	return true
}

// cancelAll fails every pending request with err and clears the registry.
// Used when a connection-level error cannot be attributed to a single task.
func (c *correlator) cancelAll(err error) {
	c.mu.Lock()
	all := c.pending
	c.pending = map[string]*pendingRequest{}
	c.mu.Unlock()

	for _, p := range all {
		p.timer.Stop()
		p.settle(nil, err)
	}
}

func (c *correlator) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
