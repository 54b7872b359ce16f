package scheduler

import (
	"context"
	"io"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/goliatone/go-errors"
	stagemachine "github.com/goliatone/go-stagemachine"
	rcron "github.com/robfig/cron/v3"
)

// Logger is the subset of stagemachine.Logger the scheduler needs.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Advancer is anything that can be asked to re-evaluate its position.
// *stagemachine.Machine satisfies it.
type Advancer interface {
	Advance(ctx context.Context) (stagemachine.Result, error)
}

// Scheduler drives machines from cron expressions and start times.
type Scheduler struct {
	mu           sync.Mutex
	cron         *rcron.Cron
	location     *time.Location
	errorHandler func(error)
	ctx          context.Context

	logger    Logger
	parser    Parser
	logWriter io.Writer
	logLevel  LogLevel

	retry      RetryStrategy
	maxRetries int
	onResult   func(stagemachine.Result)
	clock      stagemachine.Clock

	nextHandleID int64
	handles      map[int64]*handle
}

// New creates a scheduler. Jobs run once Start is called; one-shot
// wakeups run as soon as they are due.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		location: time.Local,
		parser:   DefaultParser,
		logLevel: LogLevelError,
		errorHandler: func(err error) {
			log.Printf("error: %v\n", err)
		},
		ctx:     context.Background(),
		retry:   NoDelayStrategy{},
		clock:   stagemachine.SystemClock{},
		handles: make(map[int64]*handle),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.cron = rcron.New(s.build()...)
	return s
}

// EveryAdvance calls a.Advance on every tick of expr until the handle is
// canceled or the scheduler stops.
func (s *Scheduler) EveryAdvance(expr string, a Advancer) (Handle, error) {
	if expr == "" {
		return nil, errors.New("cron expression cannot be empty", errors.CategoryBadInput).
			WithTextCode("SCHEDULER_EXPRESSION_REQUIRED")
	}
	if a == nil {
		return nil, errAdvancerRequired()
	}

	h := s.newHandle()
	job := rcron.FuncJob(func() {
		if isTerminal(h.Status()) {
			return
		}
		h.setStatus(StatusRunning, nil)
		// a failed tick keeps the schedule alive; Err reports the last failure
		err := s.advance(s.baseContext(), a)
		h.setStatus(StatusIdle, err)
		if err != nil {
			s.errorHandler(err)
		}
	})

	entryID, err := s.cron.AddJob(expr, job)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryBadInput, "invalid cron expression").
			WithTextCode("SCHEDULER_INVALID_EXPRESSION").
			WithMetadata(map[string]any{"expression": expr})
	}
	h.entryID = int(entryID)
	s.storeHandle(h)
	return h, nil
}

// AdvanceAt calls a.Advance once at the given time. The wait is measured
// against the scheduler clock when the job is scheduled; a time in the past
// fires immediately.
func (s *Scheduler) AdvanceAt(at time.Time, a Advancer) (Handle, error) {
	if a == nil {
		return nil, errAdvancerRequired()
	}

	h := s.newHandle()
	s.storeHandle(h)

	go func() {
		wait := at.Sub(s.clock.Now())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-h.Done():
			return
		}

		if isTerminal(h.Status()) {
			return
		}
		h.setStatus(StatusRunning, nil)
		defer s.removeStoredHandle(h.id)
		if err := s.advance(s.baseContext(), a); err != nil {
			s.errorHandler(err)
			h.setTerminal(StatusFailed, err)
			return
		}
		h.setTerminal(StatusCompleted, nil)
	}()

	return h, nil
}

// WakeOnStartTimes schedules one advance per distinct start time of m that is
// still in the future. Start times added later are not picked up.
func (s *Scheduler) WakeOnStartTimes(m *stagemachine.Machine) ([]Handle, error) {
	if m == nil {
		return nil, errAdvancerRequired()
	}
	now := s.clock.Now()
	seen := make(map[int64]struct{})
	var times []time.Time
	for _, ts := range m.StartTimes() {
		if !ts.After(now) {
			continue
		}
		key := ts.UnixNano()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		times = append(times, ts)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	handles := make([]Handle, 0, len(times))
	for _, ts := range times {
		h, err := s.AdvanceAt(ts, m)
		if err != nil {
			for _, prev := range handles {
				prev.Cancel()
			}
			return nil, err
		}
		handles = append(handles, h)
	}
	if s.logger != nil && len(handles) > 0 {
		s.logger.Info("scheduled %d wakeups for machine %s", len(handles), m.ID())
	}
	return handles, nil
}

// Start begins executing cron jobs. ctx is handed to every advance.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx != nil {
		s.mu.Lock()
		s.ctx = ctx
		s.mu.Unlock()
	}
	s.cron.Start()
	return nil
}

// Stop stops the cron runner and marks every open handle as stopped.
func (s *Scheduler) Stop(_ context.Context) error {
	s.cron.Stop()

	s.mu.Lock()
	handles := make([]*handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = make(map[int64]*handle)
	s.mu.Unlock()

	for _, h := range handles {
		if h.entryID > 0 {
			s.cron.Remove(rcron.EntryID(h.entryID))
		}
		h.setTerminal(StatusStopped, nil)
	}
	return nil
}

// advance runs a.Advance, retrying hook failures per the retry policy.
func (s *Scheduler) advance(ctx context.Context, a Advancer) error {
	for attempt := 0; ; attempt++ {
		res, err := a.Advance(ctx)
		if err == nil {
			if s.onResult != nil {
				s.onResult(res)
			}
			return nil
		}
		if attempt >= s.maxRetries || !Retryable(err) {
			return err
		}
		delay := s.retry.SleepDuration(attempt, err)
		if s.logger != nil {
			s.logger.Info("advance failed, retry %d in %s: %v", attempt+1, delay, err)
		}
		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func (s *Scheduler) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) removeHandle(id int64) {
	h := s.removeStoredHandle(id)
	if h != nil && h.entryID > 0 {
		s.cron.Remove(rcron.EntryID(h.entryID))
	}
}

func (s *Scheduler) removeStoredHandle(id int64) *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handles[id]
	delete(s.handles, id)
	return h
}

func (s *Scheduler) storeHandle(h *handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[h.id] = h
}

func (s *Scheduler) newHandle() *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandleID++
	return &handle{
		scheduler: s,
		id:        s.nextHandleID,
		status:    StatusScheduled,
		done:      make(chan struct{}),
	}
}

func errAdvancerRequired() error {
	return errors.New("advancer cannot be nil", errors.CategoryBadInput).
		WithTextCode("SCHEDULER_ADVANCER_REQUIRED")
}

func makeLogger(out io.Writer, level LogLevel) rcron.Logger {
	stdLogger := log.New(out, "cron: ", log.LstdFlags)
	if level >= LogLevelDebug {
		return rcron.VerbosePrintfLogger(stdLogger)
	}
	return rcron.PrintfLogger(stdLogger)
}

// build converts scheduler options to rcron options.
func (s *Scheduler) build() []rcron.Option {
	var opts []rcron.Option

	if s.location != nil {
		opts = append(opts, rcron.WithLocation(s.location))
	}

	switch s.parser {
	case StandardParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	case SecondsParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Second|rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	}

	opts = append(opts, rcron.WithChain(
		rcron.Recover(&errorHandlerAdapter{handler: s.errorHandler}),
	))

	var cronLogger rcron.Logger
	switch {
	case s.logger != nil:
		cronLogger = &loggerAdapter{logger: s.logger, level: s.logLevel}
	case s.logWriter != nil:
		cronLogger = makeLogger(s.logWriter, s.logLevel)
	case s.logLevel > LogLevelSilent:
		cronLogger = makeLogger(os.Stdout, s.logLevel)
	}
	if cronLogger != nil {
		opts = append(opts, rcron.WithLogger(cronLogger))
	}
	return opts
}
