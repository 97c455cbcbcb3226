package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type connState int

const (
	stateIdle connState = iota
	stateConnecting
	stateAuthenticating
	stateReady
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateConnecting:
		return "connecting"
	case stateAuthenticating:
		return "authenticating"
	case stateReady:
		return "ready"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// connectAttempt is the shared outcome of one connect+authenticate attempt.
// Concurrent callers wait on done and read err instead of racing a second
// attempt against the transport.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// connManager owns the single persistent transport of a client instance:
// connect, authenticate, reconnect with linearly increasing delay, raw send.
// The reconnect-attempt counter and connection state are owned exclusively
// here and guarded by mu.
type connManager struct {
	endpoint       string
	apiKey         string
	transport      Transport
	auth           *authStep
	correlator     *correlator
	log            zerolog.Logger
	maxAttempts    int
	baseDelay      time.Duration
	connectTimeout time.Duration

	done chan struct{} // closed together with the client, wakes backoff sleeps

	mu            sync.Mutex
	state         connState
	authenticated bool
	sessionUUID   string
	attempts      int
	closes        int // bumped per unexpected close, re-checked at attempt finalization
	inflight      *connectAttempt
	terminalErr   error
	closed        bool
}

func newConnManager(endpoint, apiKey string, transport Transport, auth *authStep,
	correlator *correlator, maxAttempts int, baseDelay, connectTimeout time.Duration,
	log zerolog.Logger,
) *connManager {
	m := &connManager{
		done:           make(chan struct{}),
		endpoint:       endpoint,
		apiKey:         apiKey,
		transport:      transport,
		auth:           auth,
		correlator:     correlator,
		maxAttempts:    maxAttempts,
		baseDelay:      baseDelay,
		connectTimeout: connectTimeout,
		log:            log.With().Str("component", "connection").Logger(),
	}
	transport.OnClose(m.handleClose)
	return m
}

// connect is idempotent: already Ready returns immediately, and a caller that
// arrives while a connect+authenticate attempt is underway awaits that
// attempt's outcome. An explicit connect after the reconnect ceiling was
// exhausted re-initiates from a clean counter.
func (m *connManager) connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return &ConnectionError{Reason: "client is closed"}
	}
	if m.state == stateClosed {
		m.state = stateIdle
		m.attempts = 0
		m.terminalErr = nil
	}
	if m.state == stateReady && m.authenticated {
		m.mu.Unlock()
		return nil
	}
	if m.inflight != nil {
		att := m.inflight
		m.mu.Unlock()
		select {
		case <-att.done:
			return att.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	att := &connectAttempt{done: make(chan struct{})}
	m.inflight = att
	m.state = stateConnecting
	opened := m.closes
	m.mu.Unlock()

	err := m.dialAndAuthenticate(ctx)

	m.mu.Lock()
	// a close delivered while the attempt was still finalizing must not
	// leave the manager claiming ready on a dead transport
	interrupted := err == nil && m.closes != opened
	if interrupted {
		err = &ConnectionError{Reason: "connection lost while connecting"}
	}
	att.err = err
	m.inflight = nil
	if err == nil {
		m.state = stateReady
		m.authenticated = true
		m.attempts = 0
	} else {
		m.state = stateIdle
		m.authenticated = false
	}
	m.mu.Unlock()
	close(att.done)
	if interrupted {
		m.startReconnect(err)
	}
	return err
}

func (m *connManager) dialAndAuthenticate(ctx context.Context) error {
	if err := m.transport.Open(ctx, m.endpoint); err != nil {
		return &ConnectionError{Reason: "failed to open transport", Cause: err}
	}

	m.mu.Lock()
	m.state = stateAuthenticating
	m.mu.Unlock()

	session, err := m.auth.run(ctx, m.apiKey, m.transport.Send)
	if err != nil {
		_ = m.transport.Close()
		return err
	}

	m.mu.Lock()
	m.sessionUUID = session
	m.mu.Unlock()
	m.log.Debug().Str("sessionUUID", session).Msg("authenticated")
	return nil
}

// ready reports whether frames may be sent, surfacing the terminal error after
// the reconnect ceiling was exhausted.
func (m *connManager) ensureReady(ctx context.Context) error {
	m.mu.Lock()
	if m.state == stateClosed && !m.closed {
		err := m.terminalErr
		m.mu.Unlock()
		if err == nil {
			err = &ConnectionError{Reason: "connection is closed"}
		}
		return err
	}
	m.mu.Unlock()
	return m.connect(ctx)
}

func (m *connManager) send(frame []byte) error {
	m.mu.Lock()
	ready := m.state == stateReady && m.authenticated
	m.mu.Unlock()
	if !ready {
		return &ConnectionError{Reason: "not connected"}
	}
	return m.transport.Send(frame)
}

// handleClose runs when the transport stops unexpectedly. The requests in
// flight on the old transport can never be answered, so every pending request
// is failed for the caller to resubmit; nothing is retried implicitly.
func (m *connManager) handleClose(cause error) {
	if cause == nil {
		return // caller-initiated close
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closes++
	connectInFlight := m.inflight != nil
	m.authenticated = false
	m.mu.Unlock()

	m.auth.fail(&ConnectionError{Reason: "connection closed during authentication", Cause: cause})
	m.correlator.cancelAll(&ConnectionError{
		Reason: "connection lost before a reply arrived, resubmit the request",
		Cause:  cause,
	})

	if !connectInFlight {
		m.startReconnect(cause)
	}
}

func (m *connManager) startReconnect(cause error) {
	m.mu.Lock()
	if m.closed || m.state == stateClosed || m.inflight != nil {
		m.mu.Unlock()
		return
	}
	att := &connectAttempt{done: make(chan struct{})}
	m.inflight = att
	m.state = stateConnecting
	m.mu.Unlock()

	go m.reconnectLoop(att, cause)
}

// reconnectLoop re-dials with a linearly increasing delay (attempt × base
// delay) until it succeeds or the attempt ceiling is reached. The loop holds
// the in-flight attempt for its whole duration so concurrent callers block on
// one outcome instead of racing dials of their own.
func (m *connManager) reconnectLoop(att *connectAttempt, cause error) {
	var finalErr error
loop:
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			finalErr = &ConnectionError{Reason: "client is closed"}
			break
		}
		if m.attempts >= m.maxAttempts {
			max := m.maxAttempts
			m.mu.Unlock()
			finalErr = &ConnectionError{
				Reason: fmt.Sprintf("connection lost after %d reconnect attempts", max),
				Cause:  cause,
			}
			break
		}
		m.attempts++
		attempt := m.attempts
		opened := m.closes
		m.mu.Unlock()

		delay := time.Duration(attempt) * m.baseDelay
		m.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("scheduling reconnect")
		select {
		case <-time.After(delay):
		case <-m.done:
			finalErr = &ConnectionError{Reason: "client is closed"}
			break loop
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.connectTimeout)
		err := m.dialAndAuthenticate(ctx)
		cancel()
		if err == nil {
			m.mu.Lock()
			if m.closes == opened {
				att.err = nil
				m.inflight = nil
				m.state = stateReady
				m.authenticated = true
				m.attempts = 0
				m.mu.Unlock()
				close(att.done)
				m.log.Info().Msg("reconnected")
				return
			}
			// the fresh transport already died again; count the attempt
			// as failed and keep going
			m.mu.Unlock()
			err = &ConnectionError{Reason: "connection lost while reconnecting"}
		}
		cause = err
		m.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
	}

	m.mu.Lock()
	att.err = finalErr
	m.inflight = nil
	m.state = stateClosed
	m.terminalErr = finalErr
	m.mu.Unlock()
	close(att.done)

	m.log.Error().Err(finalErr).Msg("giving up on reconnect")
}

func (m *connManager) session() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionUUID
}

func (m *connManager) close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.state = stateClosed
	close(m.done)
	m.mu.Unlock()

	err := m.transport.Close()
	m.auth.fail(&ConnectionError{Reason: "client closed"})
	m.correlator.cancelAll(&ConnectionError{Reason: "client closed"})
	return err
}
