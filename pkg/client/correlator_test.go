package client

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	. "github.com/onsi/gomega"

	"github.com/dreamlayer/imagegen-client/pkg/client/dto"
)

func TestCorrelatorSettlesExactlyOnce(t *testing.T) {
	RegisterTestingT(t)

	c := newCorrelator()
	var calls int
	var mu sync.Mutex
	Expect(c.register("task-1", time.Minute, func(res *dto.TaskResult, err error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		Expect(err).To(BeNil())
		Expect(res.ImageURL).To(Equal("https://img.example/1.webp"))
	})).To(Succeed())

	Expect(c.settle("task-1", &dto.TaskResult{TaskUUID: "task-1", ImageURL: "https://img.example/1.webp"}, nil)).To(BeTrue())
	// a second settle finds nothing to resolve
	Expect(c.settle("task-1", &dto.TaskResult{TaskUUID: "task-1"}, nil)).To(BeFalse())
	Expect(c.settle("task-1", nil, errors.New("late failure"))).To(BeFalse())

	mu.Lock()
	defer mu.Unlock()
	Expect(calls).To(Equal(1))
	Expect(c.size()).To(Equal(0))
}

func TestCorrelatorRejectsDuplicateRegistration(t *testing.T) {
	RegisterTestingT(t)

	c := newCorrelator()
	Expect(c.register("task-1", time.Minute, func(*dto.TaskResult, error) {})).To(Succeed())
	Expect(c.register("task-1", time.Minute, func(*dto.TaskResult, error) {})).To(HaveOccurred())
	Expect(c.size()).To(Equal(1))
}

func TestCorrelatorTimeoutSettlesAndDeregisters(t *testing.T) {
	RegisterTestingT(t)

	c := newCorrelator()
	outcome := make(chan error, 1)
	Expect(c.register("task-1", 20*time.Millisecond, func(res *dto.TaskResult, err error) {
		outcome <- err
	})).To(Succeed())

	var err error
	Eventually(outcome, "1s", "10ms").Should(Receive(&err))
	var timeoutErr *RequestTimeoutError
	Expect(errors.As(err, &timeoutErr)).To(BeTrue())
	Expect(timeoutErr.TaskUUID).To(Equal("task-1"))
	Expect(c.size()).To(Equal(0))

	// a reply arriving after the timeout fired is a no-op
	Expect(c.settle("task-1", &dto.TaskResult{TaskUUID: "task-1"}, nil)).To(BeFalse())
}

func TestCorrelatorCancelSkipsCallback(t *testing.T) {
	RegisterTestingT(t)

	c := newCorrelator()
	called := false
	Expect(c.register("task-1", 20*time.Millisecond, func(*dto.TaskResult, error) {
		called = true
	})).To(Succeed())

	Expect(c.cancel("task-1")).To(BeTrue())
	Expect(c.cancel("task-1")).To(BeFalse())
	Expect(c.size()).To(Equal(0))

	// the timer was stopped together with the registration
	time.Sleep(50 * time.Millisecond)
	Expect(called).To(BeFalse())
}

func TestCorrelatorCancelAllFailsEveryWaiter(t *testing.T) {
	RegisterTestingT(t)

	c := newCorrelator()
	outcomes := make(chan error, 3)
	for _, id := range []string{"task-1", "task-2", "task-3"} {
		Expect(c.register(id, time.Minute, func(res *dto.TaskResult, err error) {
			outcomes <- err
		})).To(Succeed())
	}

	c.cancelAll(errors.New("connection lost"))

	Expect(c.size()).To(Equal(0))
	for i := 0; i < 3; i++ {
		var err error
		Eventually(outcomes, "1s", "10ms").Should(Receive(&err))
		Expect(err).To(MatchError(ContainSubstring("connection lost")))
	}
}
