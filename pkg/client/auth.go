package client

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/dreamlayer/imagegen-client/pkg/client/dto"
)

type authResult struct {
	sessionUUID string
	err         error
}

// authStep performs the one-shot handshake that gates all other traffic after
// a (re)connect. Only one handshake may be in flight per connection; callers
// that need the connection await the same attempt instead of issuing another.
type authStep struct {
	timeout time.Duration

	mu     sync.Mutex
	waiter chan authResult
}

func newAuthStep(timeout time.Duration) *authStep {
	return &authStep{timeout: timeout}
}

// run sends the credential frame and waits for the provider's acknowledgment,
// an error frame, the timeout, or ctx cancellation. Returns the
// connectionSessionUUID assigned by the provider.
func (a *authStep) run(ctx context.Context, apiKey string, send func([]byte) error) (string, error) {
	a.mu.Lock()
	if a.waiter != nil {
		a.mu.Unlock()
		return "", errors.New("authentication handshake already in flight")
	}
	ch := make(chan authResult, 1)
	a.waiter = ch
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.waiter = nil
		a.mu.Unlock()
	}()

	frame, err := dto.Envelope(dto.RequestFrame{
		TaskType: dto.TaskTypeAuthentication,
		APIKey:   apiKey,
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to marshal authentication frame")
	}
	if err := send(frame); err != nil {
		return "", err
	}

	select {
	case res := <-ch:
		return res.sessionUUID, res.err
	case <-time.After(a.timeout):
		return "", &AuthenticationTimeoutError{Timeout: a.timeout}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// succeed resolves an in-flight handshake. No-op when none is waiting.
func (a *authStep) succeed(sessionUUID string) {
	a.deliver(authResult{sessionUUID: sessionUUID})
}

// fail rejects an in-flight handshake. No-op when none is waiting.
func (a *authStep) fail(err error) {
	a.deliver(authResult{err: err})
}

func (a *authStep) deliver(res authResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.waiter == nil {
		return
	}
	select {
	case a.waiter <- res:
	default: // already resolved for this attempt
	}
}
