package stagemachine

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
)

// Advance runs the cascading automatic transition from the current state.
//
// Outgoing edges are scanned in registration order and the first eligible
// one is taken; the scan repeats from the new state until nothing is
// eligible. An edge is eligible when any of its conditions or its target's
// state conditions is true, or when its own or its target's start time has
// been reached. If the cascade would re-enter a state already visited in this
// call the machine is parked on the fallback state.
//
// The new position is committed only when every hook succeeded. A failing
// hook aborts the call and the machine stays where it was.
func (m *Machine) Advance(ctx context.Context) (Result, error) {
	if m.reentrant(ctx) {
		return Result{}, m.reentrantError("advance")
	}
	eval, err := m.begin(ctx, "advance")
	if err != nil {
		return Result{}, err
	}
	defer eval.end()

	visited := map[StateID]struct{}{eval.start: {}}
	pos := eval.start
	for {
		tr := m.firstEligible(eval.ctx, pos)
		if tr == nil {
			break
		}
		if _, seen := visited[tr.to]; seen {
			eval.fellBack = true
			eval.path = append(eval.path, m.fallback)
			eval.logger.Warn("cascade cycled at %s -> %s, parking on fallback %s", tr.from, tr.to, m.fallback)
			pos = m.fallback
			break
		}
		if err := m.cross(eval, tr); err != nil {
			return eval.abort(err)
		}
		visited[tr.to] = struct{}{}
		pos = tr.to
	}
	return eval.commit(pos), nil
}

// GoTo moves the machine along the edge current -> target without consulting
// conditions. target must be an outgoing target of the current state.
func (m *Machine) GoTo(ctx context.Context, target StateID) (Result, error) {
	if m.reentrant(ctx) {
		return Result{}, m.reentrantError("goto")
	}
	eval, err := m.begin(ctx, "goto")
	if err != nil {
		return Result{}, err
	}
	defer eval.end()

	var tr *transition
	if st, ok := m.states[eval.start]; ok {
		tr = st.edge(target)
	}
	if tr == nil {
		return eval.abort(newError(ErrNoSuchEdge, "no transition "+string(eval.start)+" -> "+string(target), nil, map[string]any{
			"machine_id": m.id,
			"from":       eval.start,
			"to":         target,
		}))
	}
	return m.hop(eval, tr)
}

// Next moves the machine along the first registered outgoing edge of the
// current state. For machines built with RegisterStates this is the next
// state in the list.
func (m *Machine) Next(ctx context.Context) (Result, error) {
	if m.reentrant(ctx) {
		return Result{}, m.reentrantError("next")
	}
	eval, err := m.begin(ctx, "next")
	if err != nil {
		return Result{}, err
	}
	defer eval.end()

	st, ok := m.states[eval.start]
	if !ok || len(st.outgoing) == 0 {
		return eval.abort(newError(ErrNoSuchEdge, "state "+string(eval.start)+" has no next state", nil, map[string]any{
			"machine_id": m.id,
			"from":       eval.start,
		}))
	}
	return m.hop(eval, st.outgoing[0])
}

// hop performs a single manual step. The only state visited before the hop is
// the start state, so only a self edge can trip the fallback.
func (m *Machine) hop(eval *evaluation, tr *transition) (Result, error) {
	if tr.to == eval.start {
		eval.fellBack = true
		eval.path = append(eval.path, m.fallback)
		eval.logger.Warn("manual transition %s -> %s re-enters the current state, parking on fallback %s", tr.from, tr.to, m.fallback)
		return eval.commit(m.fallback), nil
	}
	if err := m.cross(eval, tr); err != nil {
		return eval.abort(err)
	}
	return eval.commit(tr.to), nil
}

// firstEligible returns the first eligible outgoing edge of pos, or nil.
// "now" is read once per scan.
func (m *Machine) firstEligible(ctx context.Context, pos StateID) *transition {
	st, ok := m.states[pos]
	if !ok {
		return nil
	}
	now := m.clock.Now()
	for _, tr := range st.outgoing {
		if m.eligible(ctx, tr, now) {
			return tr
		}
	}
	return nil
}

func (m *Machine) eligible(ctx context.Context, tr *transition, now time.Time) bool {
	for _, cond := range tr.conditions {
		if cond.Evaluate(ctx) {
			return true
		}
	}
	target := m.states[tr.to]
	if target != nil {
		for _, cond := range target.conditions {
			if cond.Evaluate(ctx) {
				return true
			}
		}
	}
	if reached(tr.startTime, now) {
		return true
	}
	return target != nil && reached(target.startTime, now)
}

func reached(start, now time.Time) bool {
	return !start.IsZero() && !now.Before(start)
}

// cross fires the cross hook of tr and the entry hook of its target.
func (m *Machine) cross(eval *evaluation, tr *transition) error {
	if tr.crossHook != nil {
		if err := runHook(eval.ctx, tr.crossHook); err != nil {
			return m.hookFailed(eval, tr, "transition", err)
		}
	}
	if target := m.states[tr.to]; target != nil && target.entryHook != nil {
		if err := runHook(eval.ctx, target.entryHook); err != nil {
			return m.hookFailed(eval, tr, "entry", err)
		}
	}
	eval.path = append(eval.path, tr.to)
	eval.logger.Debug("crossed %s -> %s", tr.from, tr.to)
	return nil
}

func (m *Machine) hookFailed(eval *evaluation, tr *transition, kind string, source error) error {
	metadata := map[string]any{
		"machine_id": m.id,
		"run_id":     eval.runID,
		"hook":       kind,
		"from":       tr.from,
		"to":         tr.to,
	}
	var p *HookPanic
	if stderrors.As(source, &p) {
		metadata["panic"] = true
		eval.logger.Error("%s hook panicked on %s -> %s: %v\n%s", kind, tr.from, tr.to, p.Value, p.Stack)
	}
	return newError(ErrHookFailed, kind+" hook failed", source, metadata)
}

// evaluation is the bookkeeping of a single driving call.
type evaluation struct {
	m        *Machine
	ctx      context.Context
	logger   Logger
	runID    string
	op       string
	start    StateID
	path     []StateID
	fellBack bool
}

// begin takes the drive lock and freezes the structure for the duration of
// the call.
func (m *Machine) begin(ctx context.Context, op string) (*evaluation, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.drive.Lock()

	m.mu.Lock()
	if m.initial.IsZero() {
		m.mu.Unlock()
		m.drive.Unlock()
		return nil, newError(ErrNotInitialized, op+" requires an initial state", nil, map[string]any{
			"machine_id": m.id,
		})
	}
	start := m.current
	m.owner.Store(GetGoroutineID())
	m.evaluating.Store(true)
	m.mu.Unlock()

	runID := uuid.NewString()
	logger := withLoggerFields(m.logger.WithContext(ctx), map[string]any{
		"machine_id": m.id,
		"run_id":     runID,
		"operation":  op,
		"from":       start,
	})
	logger.Trace("%s requested", op)

	return &evaluation{
		m:      m,
		ctx:    m.markEvaluating(ctx),
		logger: logger,
		runID:  runID,
		op:     op,
		start:  start,
	}, nil
}

func (e *evaluation) commit(pos StateID) Result {
	e.m.mu.Lock()
	e.m.current = pos
	e.m.mu.Unlock()

	res := Result{
		RunID:    e.runID,
		Previous: e.start,
		Current:  pos,
		Path:     e.path,
		FellBack: e.fellBack,
	}
	if res.Moved() {
		e.logger.Info("%s moved %s -> %s", e.op, e.start, pos)
	}
	return res
}

func (e *evaluation) abort(err error) (Result, error) {
	e.logger.Warn("%s aborted at %s: %v", e.op, e.start, err)
	return Result{RunID: e.runID, Previous: e.start, Current: e.start}, err
}

func (e *evaluation) end() {
	e.m.evaluating.Store(false)
	e.m.owner.Store(0)
	e.m.drive.Unlock()
}
