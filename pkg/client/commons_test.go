package client

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	. "github.com/onsi/gomega"

	"github.com/dreamlayer/imagegen-client/pkg/client/dto"
)

const testAuthAck = `{"data":[{"taskType":"authentication","connectionSessionUUID":"sess-1"}]}`

// fakeTransport drives the protocol in-process: it records sent frames and
// can reply to authentication and inference tasks, refuse dials, or drop the
// connection mid-flight.
type fakeTransport struct {
	mu        sync.Mutex
	onMessage func([]byte)
	onClose   func(error)
	onError   func(error)
	sent      []dto.RequestFrame
	dials     int
	// failDials refuses that many upcoming dials; negative refuses all.
	failDials    int
	autoAuth     bool
	authResponse string
	authDelay    time.Duration
	// dropAfterAuth acks the next handshake and then reports an unexpected
	// close synchronously, before the dialer can observe the ack. One-shot.
	dropAfterAuth  bool
	inferenceReply func(task dto.RequestFrame) string
	open           bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{autoAuth: true}
}

func (f *fakeTransport) OnMessage(fn func([]byte)) { f.onMessage = fn }
func (f *fakeTransport) OnClose(fn func(error))    { f.onClose = fn }
func (f *fakeTransport) OnError(fn func(error))    { f.onError = fn }

func (f *fakeTransport) Open(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.failDials != 0 {
		if f.failDials > 0 {
			f.failDials--
		}
		return errors.New("dial refused")
	}
	f.open = true
	return nil
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	if !f.open {
		f.mu.Unlock()
		return errors.New("transport is not open")
	}
	var frames []dto.RequestFrame
	if err := json.Unmarshal(data, &frames); err != nil || len(frames) == 0 {
		f.mu.Unlock()
		return errors.New("unexpected frame shape")
	}
	task := frames[0]
	f.sent = append(f.sent, task)
	autoAuth, authReply, delay, inference := f.autoAuth, f.authResponse, f.authDelay, f.inferenceReply
	dropAfterAuth := f.dropAfterAuth
	if task.TaskType == dto.TaskTypeAuthentication {
		f.dropAfterAuth = false
	}
	f.mu.Unlock()

	switch {
	case task.TaskType == dto.TaskTypeAuthentication && autoAuth:
		if authReply == "" {
			authReply = testAuthAck
		}
		if dropAfterAuth {
			f.receive(authReply)
			f.mu.Lock()
			f.open = false
			f.mu.Unlock()
			f.onClose(errors.New("connection reset by peer"))
			return nil
		}
		go func() {
			if delay > 0 {
				time.Sleep(delay)
			}
			f.receive(authReply)
		}()
	case task.TaskType == dto.TaskTypeImageInference && inference != nil:
		go f.receive(inference(task))
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	return nil
}

func (f *fakeTransport) receive(frame string) {
	f.onMessage([]byte(frame))
}

func (f *fakeTransport) dropConnection(err error) {
	f.mu.Lock()
	f.open = false
	f.mu.Unlock()
	f.onClose(err)
}

func (f *fakeTransport) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeTransport) tasksOfType(taskType string) []dto.RequestFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []dto.RequestFrame
	for _, task := range f.sent {
		if task.TaskType == taskType {
			out = append(out, task)
		}
	}
	return out
}

func (f *fakeTransport) setFailDials(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failDials = n
}

func (f *fakeTransport) setInferenceReply(fn func(task dto.RequestFrame) string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inferenceReply = fn
}

func newTestClient(t *testing.T, tr *fakeTransport, mutate ...func(cfg *Config)) Client {
	RegisterTestingT(t)
	cfg := Config{
		Url:                  "wss://mock.provider/v1",
		ApiKey:               "test-key",
		RequestTimeout:       "1s",
		AuthTimeout:          "300ms",
		ConnectTimeout:       "1s",
		ReconnectBaseDelay:   "10ms",
		MaxReconnectAttempts: 2,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := NewClient(cfg, WithTransport(tr))
	Expect(err).To(BeNil())
	return c
}
