package client

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	. "github.com/onsi/gomega"

	"github.com/dreamlayer/imagegen-client/pkg/client/dto"
)

func newTestRouter() (*router, *correlator, *authStep) {
	correlator := newCorrelator()
	auth := newAuthStep(time.Second)
	return newRouter(correlator, auth, zerolog.Nop()), correlator, auth
}

func TestRouterDispatchesByTaskUUID(t *testing.T) {
	RegisterTestingT(t)

	r, correlator, _ := newTestRouter()
	outcome := make(chan settledOutcome, 1)
	Expect(correlator.register("task-1", time.Minute, func(res *dto.TaskResult, err error) {
		outcome <- settledOutcome{res: res, err: err}
	})).To(Succeed())

	r.handleFrame([]byte(`{"data":[{"taskType":"imageInference","taskUUID":"task-1",` +
		`"imageURL":"https://img.example/fox.webp","seed":42,"NSFWContent":false}]}`))

	var got settledOutcome
	Eventually(outcome, "1s", "10ms").Should(Receive(&got))
	Expect(got.err).To(BeNil())
	Expect(got.res.ImageURL).To(Equal("https://img.example/fox.webp"))
	Expect(got.res.Seed).To(Equal(int64(42)))
	Expect(correlator.size()).To(Equal(0))
}

func TestRouterErrorFrameFailsAllPending(t *testing.T) {
	RegisterTestingT(t)

	r, correlator, _ := newTestRouter()
	outcomes := make(chan error, 3)
	for i := 1; i <= 3; i++ {
		Expect(correlator.register(fmt.Sprintf("task-%d", i), time.Minute, func(res *dto.TaskResult, err error) {
			outcomes <- err
		})).To(Succeed())
	}

	r.handleFrame([]byte(`{"errors":[{"code":"invalidApiKey","message":"invalid api key"}]}`))

	Expect(correlator.size()).To(Equal(0))
	for i := 0; i < 3; i++ {
		var err error
		Eventually(outcomes, "1s", "10ms").Should(Receive(&err))
		var taskErr *TaskError
		Expect(errors.As(err, &taskErr)).To(BeTrue())
		Expect(taskErr.Message).To(Equal("invalid api key"))
	}
}

func TestRouterErrorFrameRejectsHandshake(t *testing.T) {
	RegisterTestingT(t)

	r, _, auth := newTestRouter()
	go func() {
		time.Sleep(10 * time.Millisecond)
		r.handleFrame([]byte(`{"error":true,"errorMessage":"invalid api key"}`))
	}()

	_, err := auth.run(context.Background(), "bad-key", func([]byte) error { return nil })
	var authErr *AuthenticationError
	Expect(errors.As(err, &authErr)).To(BeTrue())
	Expect(authErr.Message).To(Equal("invalid api key"))
}

func TestRouterResolvesHandshakeFromAck(t *testing.T) {
	RegisterTestingT(t)

	r, _, auth := newTestRouter()
	go func() {
		time.Sleep(10 * time.Millisecond)
		r.handleFrame([]byte(testAuthAck))
	}()

	session, err := auth.run(context.Background(), "good-key", func([]byte) error { return nil })
	Expect(err).To(BeNil())
	Expect(session).To(Equal("sess-1"))
}

func TestRouterPerItemErrorSettlesAsTaskError(t *testing.T) {
	RegisterTestingT(t)

	r, correlator, _ := newTestRouter()
	outcome := make(chan error, 1)
	Expect(correlator.register("task-1", time.Minute, func(res *dto.TaskResult, err error) {
		outcome <- err
	})).To(Succeed())

	r.handleFrame([]byte(`{"data":[{"taskType":"imageInference","taskUUID":"task-1",` +
		`"error":true,"errorMessage":"unsupported model"}]}`))

	var err error
	Eventually(outcome, "1s", "10ms").Should(Receive(&err))
	var taskErr *TaskError
	Expect(errors.As(err, &taskErr)).To(BeTrue())
	Expect(taskErr.TaskUUID).To(Equal("task-1"))
	Expect(taskErr.Message).To(Equal("unsupported model"))
}

func TestRouterDropsUnmatchedAndMalformedFrames(t *testing.T) {
	RegisterTestingT(t)

	r, correlator, _ := newTestRouter()
	Expect(correlator.register("task-1", time.Minute, func(*dto.TaskResult, error) {})).To(Succeed())

	// unknown task UUID: logged and dropped, registry untouched
	r.handleFrame([]byte(`{"data":[{"taskType":"imageInference","taskUUID":"task-unknown","imageURL":"https://x"}]}`))
	Expect(correlator.size()).To(Equal(1))

	// not JSON at all: dropped without failing anything
	r.handleFrame([]byte(`{not json`))
	Expect(correlator.size()).To(Equal(1))

	// entry without a task UUID: dropped
	r.handleFrame([]byte(`{"data":[{"taskType":"imageInference","imageURL":"https://x"}]}`))
	Expect(correlator.size()).To(Equal(1))
}
