package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	stagemachine "github.com/goliatone/go-stagemachine"
)

// scriptedAdvancer fails with the queued errors before succeeding.
type scriptedAdvancer struct {
	mu    sync.Mutex
	errs  []error
	calls atomic.Int32
}

func (a *scriptedAdvancer) Advance(context.Context) (stagemachine.Result, error) {
	a.calls.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.errs) > 0 {
		err := a.errs[0]
		a.errs = a.errs[1:]
		return stagemachine.Result{}, err
	}
	return stagemachine.Result{Previous: "A", Current: "B"}, nil
}

func hookFailure() error {
	return stagemachine.ErrHookFailed.Clone()
}

func quietScheduler(opts ...Option) *Scheduler {
	return New(append([]Option{WithErrorHandler(func(error) {})}, opts...)...)
}

func waitDone(t *testing.T, h Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("expected handle completion")
	}
}

func TestAdvanceAtMovesMachine(t *testing.T) {
	m := stagemachine.New(stagemachine.WithLogger(stagemachine.NopLogger()))
	if err := m.RegisterStates("A", "B"); err != nil {
		t.Fatalf("register states: %v", err)
	}
	if err := m.AddCondition("A", "B", stagemachine.ConditionFunc(func(context.Context) bool { return true })); err != nil {
		t.Fatalf("add condition: %v", err)
	}

	var results []stagemachine.Result
	scheduler := quietScheduler(WithResultHandler(func(res stagemachine.Result) {
		results = append(results, res)
	}))
	handle, err := scheduler.AdvanceAt(time.Now().Add(50*time.Millisecond), m)
	if err != nil {
		t.Fatalf("advance at: %v", err)
	}
	waitDone(t, handle)

	if status := handle.Status(); status != StatusCompleted {
		t.Fatalf("expected completed status, got %s", status)
	}
	if got := m.CurrentState(); got != "B" {
		t.Fatalf("expected machine at B, got %s", got)
	}
	if len(results) != 1 || !results[0].Moved() {
		t.Fatalf("expected one moving result, got %+v", results)
	}
}

func TestAdvanceAtUsesSchedulerClock(t *testing.T) {
	at := time.Now().Add(24 * time.Hour)
	scheduler := quietScheduler(WithClock(stagemachine.NewManualClock(at)))
	adv := &scriptedAdvancer{}

	handle, err := scheduler.AdvanceAt(at, adv)
	if err != nil {
		t.Fatalf("advance at: %v", err)
	}
	waitDone(t, handle)

	if got := adv.calls.Load(); got != 1 {
		t.Fatalf("expected one advance once the clock reached the target, got %d", got)
	}
	if status := handle.Status(); status != StatusCompleted {
		t.Fatalf("expected completed status, got %s", status)
	}
}

func TestAdvanceAtCancelPreventsExecution(t *testing.T) {
	scheduler := quietScheduler()
	adv := &scriptedAdvancer{}

	handle, err := scheduler.AdvanceAt(time.Now().Add(250*time.Millisecond), adv)
	if err != nil {
		t.Fatalf("advance at: %v", err)
	}
	handle.Cancel()
	waitDone(t, handle)

	time.Sleep(300 * time.Millisecond)
	if got := adv.calls.Load(); got != 0 {
		t.Fatalf("expected zero advances after cancel, got %d", got)
	}
	if status := handle.Status(); status != StatusCanceled {
		t.Fatalf("expected canceled status, got %s", status)
	}
}

func TestAdvanceRetriesHookFailures(t *testing.T) {
	adv := &scriptedAdvancer{errs: []error{hookFailure(), hookFailure()}}
	scheduler := quietScheduler(WithRetry(3, NoDelayStrategy{}))

	handle, err := scheduler.AdvanceAt(time.Now(), adv)
	if err != nil {
		t.Fatalf("advance at: %v", err)
	}
	waitDone(t, handle)

	if status := handle.Status(); status != StatusCompleted {
		t.Fatalf("expected completed status, got %s (%v)", status, handle.Err())
	}
	if got := adv.calls.Load(); got != 3 {
		t.Fatalf("expected three attempts, got %d", got)
	}
}

func TestAdvanceGivesUpAfterMaxRetries(t *testing.T) {
	adv := &scriptedAdvancer{errs: []error{hookFailure(), hookFailure(), hookFailure()}}
	var reported atomic.Int32
	scheduler := New(
		WithRetry(1, NoDelayStrategy{}),
		WithErrorHandler(func(error) { reported.Add(1) }),
	)

	handle, err := scheduler.AdvanceAt(time.Now(), adv)
	if err != nil {
		t.Fatalf("advance at: %v", err)
	}
	waitDone(t, handle)

	if status := handle.Status(); status != StatusFailed {
		t.Fatalf("expected failed status, got %s", status)
	}
	if !stagemachine.IsCode(handle.Err(), stagemachine.ErrCodeHookFailed) {
		t.Fatalf("expected hook failure, got %v", handle.Err())
	}
	if got := adv.calls.Load(); got != 2 {
		t.Fatalf("expected two attempts, got %d", got)
	}
	if reported.Load() != 1 {
		t.Fatal("expected error handler to be called once")
	}
}

func TestAdvanceDoesNotRetryOtherErrors(t *testing.T) {
	adv := &scriptedAdvancer{errs: []error{fmt.Errorf("boom")}}
	scheduler := quietScheduler(WithRetry(5, NoDelayStrategy{}))

	handle, err := scheduler.AdvanceAt(time.Now(), adv)
	if err != nil {
		t.Fatalf("advance at: %v", err)
	}
	waitDone(t, handle)

	if got := adv.calls.Load(); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestEveryAdvanceRunsAndCancels(t *testing.T) {
	scheduler := quietScheduler()
	adv := &scriptedAdvancer{}

	handle, err := scheduler.EveryAdvance("@every 1s", adv)
	if err != nil {
		t.Fatalf("every advance: %v", err)
	}
	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("scheduler start: %v", err)
	}
	defer scheduler.Stop(context.Background())

	deadline := time.After(2500 * time.Millisecond)
	for adv.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected at least one cron advance")
		default:
			time.Sleep(20 * time.Millisecond)
		}
	}

	handle.Cancel()
	waitDone(t, handle)
	if status := handle.Status(); status != StatusCanceled {
		t.Fatalf("expected canceled status, got %s", status)
	}
}

func TestSchedulerStopMarksHandlesStopped(t *testing.T) {
	scheduler := quietScheduler()
	recurring, err := scheduler.EveryAdvance("@every 5s", &scriptedAdvancer{})
	if err != nil {
		t.Fatalf("every advance: %v", err)
	}
	oneShot, err := scheduler.AdvanceAt(time.Now().Add(time.Hour), &scriptedAdvancer{})
	if err != nil {
		t.Fatalf("advance at: %v", err)
	}

	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("scheduler start: %v", err)
	}
	if err := scheduler.Stop(context.Background()); err != nil {
		t.Fatalf("scheduler stop: %v", err)
	}

	for _, h := range []Handle{recurring, oneShot} {
		waitDone(t, h)
		if status := h.Status(); status != StatusStopped {
			t.Fatalf("expected stopped status, got %s", status)
		}
	}
}

func TestEveryAdvanceValidation(t *testing.T) {
	scheduler := quietScheduler()

	if _, err := scheduler.EveryAdvance("", &scriptedAdvancer{}); stagemachine.ErrorCode(err) != "SCHEDULER_EXPRESSION_REQUIRED" {
		t.Fatalf("expected empty expression error, got %v", err)
	}
	if _, err := scheduler.EveryAdvance("@every 1s", nil); stagemachine.ErrorCode(err) != "SCHEDULER_ADVANCER_REQUIRED" {
		t.Fatalf("expected nil advancer error, got %v", err)
	}
	if _, err := scheduler.EveryAdvance("not a cron", &scriptedAdvancer{}); stagemachine.ErrorCode(err) != "SCHEDULER_INVALID_EXPRESSION" {
		t.Fatalf("expected invalid expression error, got %v", err)
	}
}

func TestWakeOnStartTimes(t *testing.T) {
	m := stagemachine.New(stagemachine.WithLogger(stagemachine.NopLogger()))
	if err := m.RegisterStates("A", "B", "C"); err != nil {
		t.Fatalf("register states: %v", err)
	}
	start := time.Now().Add(100 * time.Millisecond)
	if err := m.SetStateStartTime("B", start); err != nil {
		t.Fatalf("state start time: %v", err)
	}
	if err := m.SetTransitionStartTime("B", "C", start); err != nil {
		t.Fatalf("transition start time: %v", err)
	}

	scheduler := quietScheduler()
	handles, err := scheduler.WakeOnStartTimes(m)
	if err != nil {
		t.Fatalf("wake on start times: %v", err)
	}
	if len(handles) != 1 {
		t.Fatalf("expected identical start times to share a wakeup, got %d", len(handles))
	}
	waitDone(t, handles[0])

	if got := m.CurrentState(); got != "C" {
		t.Fatalf("expected cascade to C, got %s", got)
	}
}

func TestWakeOnStartTimesSkipsPast(t *testing.T) {
	m := stagemachine.New(stagemachine.WithLogger(stagemachine.NopLogger()))
	if err := m.RegisterStates("A", "B"); err != nil {
		t.Fatalf("register states: %v", err)
	}
	if err := m.SetStateStartTime("B", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("state start time: %v", err)
	}

	later := stagemachine.NewManualClock(time.Now().Add(2 * time.Hour))
	handles, err := quietScheduler(WithClock(later)).WakeOnStartTimes(m)
	if err != nil {
		t.Fatalf("wake on start times: %v", err)
	}
	if len(handles) != 0 {
		t.Fatalf("expected no wakeups for past start times, got %d", len(handles))
	}
}

func TestExponentialBackoffStrategy(t *testing.T) {
	strategy := ExponentialBackoffStrategy{
		Base:   10 * time.Millisecond,
		Factor: 2,
		Max:    100 * time.Millisecond,
	}
	cases := map[int]time.Duration{
		0: 10 * time.Millisecond,
		2: 40 * time.Millisecond,
		5: 100 * time.Millisecond,
	}
	for attempt, want := range cases {
		if got := strategy.SleepDuration(attempt, nil); got != want {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, want, got)
		}
	}
}

func TestExponentialBackoffStrategyDoesNotOverflow(t *testing.T) {
	capped := ExponentialBackoffStrategy{Base: time.Second, Factor: 10, Max: time.Minute}
	if got := capped.SleepDuration(400, nil); got != time.Minute {
		t.Fatalf("expected the cap for a huge attempt, got %s", got)
	}

	uncapped := ExponentialBackoffStrategy{Base: time.Second, Factor: 10}
	if got := uncapped.SleepDuration(400, nil); got <= 0 {
		t.Fatalf("expected a positive delay without a cap, got %s", got)
	}
}
