package stagemachine

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type state struct {
	id         StateID
	allowed    map[Selector]struct{}
	entryHook  Hook
	conditions []Condition
	startTime  time.Time
	outgoing   []*transition
}

type transition struct {
	from       StateID
	to         StateID
	conditions []Condition
	startTime  time.Time
	crossHook  Hook
}

// Machine is a guarded state machine. All methods are safe for concurrent
// use; calls are serialized per machine.
//
// Conditions and hooks run while an evaluation is in flight. They may read
// the machine but must not drive it (Advance, GoTo, Next, Invoke) or change
// its structure: such calls fail with ErrReentrant when they are made on the
// evaluating goroutine or carry the context handed to the condition or hook.
// Calls from other goroutines wait for the evaluation to finish.
type Machine struct {
	// mu guards every field below. drive serializes evaluations and
	// structural changes so that conditions and hooks can run without
	// holding mu.
	mu    sync.Mutex
	drive sync.Mutex

	id          string
	states      map[StateID]*state
	order       []StateID
	initial     StateID
	current     StateID
	finalized   bool
	fallback    StateID
	fallbackSet bool

	evaluating atomic.Bool
	owner      atomic.Uint64

	clock  Clock
	logger Logger
}

// Option customizes a Machine.
type Option func(*Machine)

// WithID names the machine in logs and snapshots.
func WithID(id string) Option {
	return func(m *Machine) {
		m.id = id
	}
}

// WithLogger sets the machine logger.
func WithLogger(logger Logger) Option {
	return func(m *Machine) {
		m.logger = normalizeLogger(logger)
	}
}

// WithClock sets the clock used by the time extension.
func WithClock(clock Clock) Option {
	return func(m *Machine) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// New returns an unconfigured machine.
func New(opts ...Option) *Machine {
	m := &Machine{
		states:   make(map[StateID]*state),
		fallback: Fallback,
		clock:    SystemClock{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.logger = normalizeLogger(m.logger)
	return m
}

// ID returns the machine name set with WithID.
func (m *Machine) ID() string { return m.id }

// CurrentState returns the committed position. During an evaluation it is the
// position the evaluation started from.
func (m *Machine) CurrentState() StateID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// InitialState returns the initial state, or "" when unset.
func (m *Machine) InitialState() StateID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initial
}

// FallbackState returns the sentinel used when a cascade cycles.
func (m *Machine) FallbackState() StateID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fallback
}

// Finalized reports whether the structure is locked.
func (m *Machine) Finalized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalized
}

// HasState reports whether id is registered.
func (m *Machine) HasState(id StateID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.states[id]
	return ok
}

// States returns registered ids in registration order.
func (m *Machine) States() []StateID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StateID(nil), m.order...)
}

// State returns a view of a registered state.
func (m *Machine) State(id StateID) (StateInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	if !ok {
		return StateInfo{}, false
	}
	return st.info(), true
}

// Transitions returns the outgoing transitions of from in registration order.
func (m *Machine) Transitions(from StateID) ([]TransitionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.lookup(from, "from")
	if err != nil {
		return nil, err
	}
	out := make([]TransitionInfo, 0, len(st.outgoing))
	for _, tr := range st.outgoing {
		out = append(out, tr.info())
	}
	return out, nil
}

// Snapshot captures the current position with its allowed operations and
// manual targets.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{
		MachineID: m.id,
		Initial:   m.initial,
		Current:   m.current,
		Fallback:  m.fallback,
		Finalized: m.finalized,
	}
	if st, ok := m.states[m.current]; ok {
		info := st.info()
		snap.Allowed = info.Allowed
		snap.Targets = info.Outgoing
	}
	return snap
}

func (st *state) info() StateInfo {
	info := StateInfo{
		ID:           st.id,
		HasEntryHook: st.entryHook != nil,
		Conditions:   len(st.conditions),
		StartTime:    st.startTime,
	}
	for sel := range st.allowed {
		info.Allowed = append(info.Allowed, sel)
	}
	sort.Slice(info.Allowed, func(i, j int) bool { return info.Allowed[i] < info.Allowed[j] })
	for _, tr := range st.outgoing {
		info.Outgoing = append(info.Outgoing, tr.to)
	}
	return info
}

func (st *state) edge(to StateID) *transition {
	for _, tr := range st.outgoing {
		if tr.to == to {
			return tr
		}
	}
	return nil
}

func (tr *transition) info() TransitionInfo {
	return TransitionInfo{
		From:         tr.from,
		To:           tr.to,
		Conditions:   len(tr.conditions),
		HasCrossHook: tr.crossHook != nil,
		StartTime:    tr.startTime,
	}
}

// lookup resolves a registered state. Caller holds mu.
func (m *Machine) lookup(id StateID, role string) (*state, error) {
	if id.IsZero() {
		return nil, newError(ErrInvalidState, "state id is required", nil, map[string]any{
			"machine_id": m.id,
			"role":       role,
		})
	}
	st, ok := m.states[id]
	if !ok {
		return nil, newError(ErrInvalidState, "unknown state "+string(id), nil, map[string]any{
			"machine_id": m.id,
			"role":       role,
			"state":      id,
		})
	}
	return st, nil
}

// lookupEdge resolves a registered transition. Caller holds mu.
func (m *Machine) lookupEdge(from, to StateID) (*transition, error) {
	src, err := m.lookup(from, "from")
	if err != nil {
		return nil, err
	}
	if _, err := m.lookup(to, "to"); err != nil {
		return nil, err
	}
	tr := src.edge(to)
	if tr == nil {
		return nil, newError(ErrNoSuchEdge, "no transition "+string(from)+" -> "+string(to), nil, map[string]any{
			"machine_id": m.id,
			"from":       from,
			"to":         to,
		})
	}
	return tr, nil
}

// mutate runs a structural change under drive and mu. Changes requested by a
// condition or hook of the running evaluation are rejected; other callers
// wait for it.
func (m *Machine) mutate(op string, fn func() error) error {
	if m.ownsEvaluation() {
		return newError(ErrReentrant, "structure cannot change while the machine is evaluating", nil, map[string]any{
			"machine_id": m.id,
			"operation":  op,
		})
	}
	m.drive.Lock()
	defer m.drive.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return newError(ErrMachineFinalized, op+" rejected: machine is finalized", nil, map[string]any{
			"machine_id": m.id,
			"operation":  op,
		})
	}
	return fn()
}

type evaluationKey struct{}

// markEvaluating tags ctx so that calls made from conditions and hooks are
// recognised as reentrant.
func (m *Machine) markEvaluating(ctx context.Context) context.Context {
	return context.WithValue(ctx, evaluationKey{}, m)
}

func (m *Machine) reentrant(ctx context.Context) bool {
	if ctx != nil {
		if owner, _ := ctx.Value(evaluationKey{}).(*Machine); owner == m {
			return true
		}
	}
	return m.ownsEvaluation()
}

// ownsEvaluation reports whether the calling goroutine is the one running the
// current evaluation.
func (m *Machine) ownsEvaluation() bool {
	if !m.evaluating.Load() {
		return false
	}
	return m.owner.Load() == GetGoroutineID()
}

func (m *Machine) reentrantError(op string) error {
	return newError(ErrReentrant, op+" called from a condition or hook", nil, map[string]any{
		"machine_id": m.id,
		"operation":  op,
	})
}
