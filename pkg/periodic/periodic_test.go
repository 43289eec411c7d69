package periodic

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/goleak"
)

const (
	testPeriod  = 30 * time.Second
	testTimeout = 15 * time.Second
	waitTimeout = 2 * time.Second
)

type testTask struct {
	runs    chan struct{}
	block   chan struct{}
	active  atomic.Int32
	overlap atomic.Bool
	sawCtx  chan context.Context
}

func newTestTask() *testTask {
	return &testTask{runs: make(chan struct{}, 16), sawCtx: make(chan context.Context, 16)}
}

func (t *testTask) Name() string { return "test task" }

func (t *testTask) Run(ctx context.Context) {
	if t.active.Add(1) > 1 {
		t.overlap.Store(true)
	}
	defer t.active.Add(-1)
	t.sawCtx <- ctx
	t.runs <- struct{}{}
	if t.block != nil {
		select {
		case <-t.block:
		case <-ctx.Done():
		}
	}
}

func waitForRun(t *testing.T, task *testTask) {
	t.Helper()
	select {
	case <-task.runs:
	case <-time.After(waitTimeout):
		t.Fatal("task did not run")
	}
}

func expectNoRun(t *testing.T, task *testTask) {
	t.Helper()
	select {
	case <-task.runs:
		t.Fatal("unexpected task run")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRunsOnEveryTick(t *testing.T) {
	defer goleak.VerifyNone(t)
	mock := clock.NewMock()
	task := newTestTask()
	r := Start(context.Background(), task, mock, testPeriod, testTimeout)
	defer r.Stop()

	expectNoRun(t, task)
	for i := 0; i < 3; i++ {
		mock.Add(testPeriod)
		waitForRun(t, task)
	}
}

func TestTaskContextHasTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	task := newTestTask()
	r := Start(context.Background(), task, clock.NewMock(), testPeriod, testTimeout)
	defer r.Stop()

	if !r.TriggerRun() {
		t.Fatal("trigger rejected on idle runner")
	}
	waitForRun(t, task)
	ctx := <-task.sawCtx
	if _, ok := ctx.Deadline(); !ok {
		t.Error("task context has no deadline")
	}
}

func TestTriggerWhileRunningIsDropped(t *testing.T) {
	defer goleak.VerifyNone(t)
	mock := clock.NewMock()
	task := newTestTask()
	task.block = make(chan struct{})
	r := Start(context.Background(), task, mock, testPeriod, testTimeout)
	defer r.Stop()

	r.TriggerRun()
	waitForRun(t, task)
	if r.TriggerRun() {
		t.Error("trigger accepted while task in flight")
	}
	mock.Add(testPeriod) // Tick arrives while the first run is still blocked.
	close(task.block)

	// The pending tick runs after the first execution finishes, never concurrently.
	waitForRun(t, task)
	if task.overlap.Load() {
		t.Error("task executions overlapped")
	}
}

func TestKillCancelsRunningTask(t *testing.T) {
	defer goleak.VerifyNone(t)
	task := newTestTask()
	task.block = make(chan struct{})
	r := Start(context.Background(), task, clock.NewMock(), testPeriod, testTimeout)

	r.TriggerRun()
	waitForRun(t, task)
	ctx := <-task.sawCtx
	r.Kill()
	if ctx.Err() == nil {
		t.Error("Kill did not cancel running task")
	}
}

func TestParentContextStopsRunner(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	r := Start(ctx, newTestTask(), clock.NewMock(), testPeriod, testTimeout)
	cancel()
	select {
	case <-r.Done():
	case <-time.After(waitTimeout):
		t.Fatal("runner did not stop with its context")
	}
}
