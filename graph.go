package stagemachine

import "fmt"

// RegisterStates creates the states of an ordered-list machine in one step.
// The first id becomes the initial state and each state gets an edge to the
// next one. The edges carry no conditions, so they are only taken by GoTo or
// Next until conditions or start times are attached.
func (m *Machine) RegisterStates(ids ...StateID) error {
	return m.mutate("register_states", func() error {
		if len(m.states) > 0 || !m.initial.IsZero() {
			return newError(ErrAlreadyInitialized, "states already registered", nil, map[string]any{
				"machine_id": m.id,
			})
		}
		if err := m.validateNewIDs(ids); err != nil {
			return err
		}
		var prev *state
		for _, id := range ids {
			st := m.addState(id)
			if prev != nil {
				prev.outgoing = append(prev.outgoing, &transition{from: prev.id, to: id})
			}
			prev = st
		}
		m.initial = ids[0]
		m.current = ids[0]
		m.logger.Debug("registered %d states, initial %s", len(ids), ids[0])
		return nil
	})
}

// AddStates creates states without touching the initial state or edges.
func (m *Machine) AddStates(ids ...StateID) error {
	return m.mutate("add_states", func() error {
		if err := m.validateNewIDs(ids); err != nil {
			return err
		}
		for _, id := range ids {
			m.addState(id)
		}
		return nil
	})
}

// SetInitialState picks the initial state of a graph built with AddStates.
// It can be set once.
func (m *Machine) SetInitialState(id StateID) error {
	return m.mutate("set_initial_state", func() error {
		if id.IsZero() {
			return newError(ErrInvalidState, "state id is required", nil, map[string]any{"machine_id": m.id})
		}
		if !m.initial.IsZero() {
			return newError(ErrAlreadyInitialized, "initial state already set", nil, map[string]any{
				"machine_id": m.id,
				"initial":    m.initial,
			})
		}
		if _, err := m.lookup(id, "initial"); err != nil {
			return err
		}
		m.initial = id
		m.current = id
		return nil
	})
}

// CreateTransition adds the edge from -> to. Edges are evaluated in the order
// they are created.
func (m *Machine) CreateTransition(from, to StateID) error {
	return m.mutate("create_transition", func() error {
		src, err := m.lookup(from, "from")
		if err != nil {
			return err
		}
		if _, err := m.lookup(to, "to"); err != nil {
			return err
		}
		if src.edge(to) != nil {
			return newError(ErrDuplicateID, fmt.Sprintf("transition %s -> %s already exists", from, to), nil, map[string]any{
				"machine_id": m.id,
				"from":       from,
				"to":         to,
			})
		}
		src.outgoing = append(src.outgoing, &transition{from: from, to: to})
		return nil
	})
}

// AddCondition appends cond to the edge from -> to. Conditions on an edge are
// OR-combined.
func (m *Machine) AddCondition(from, to StateID, cond Condition) error {
	return m.mutate("add_condition", func() error {
		if cond == nil {
			return newError(ErrEmptyInput, "condition is required", nil, map[string]any{"machine_id": m.id})
		}
		tr, err := m.lookupEdge(from, to)
		if err != nil {
			return err
		}
		tr.conditions = append(tr.conditions, cond)
		return nil
	})
}

// AddStateCondition attaches cond to every edge entering id. It is evaluated
// after the edge's own conditions.
func (m *Machine) AddStateCondition(id StateID, cond Condition) error {
	return m.mutate("add_state_condition", func() error {
		if cond == nil {
			return newError(ErrEmptyInput, "condition is required", nil, map[string]any{"machine_id": m.id})
		}
		st, err := m.lookup(id, "state")
		if err != nil {
			return err
		}
		st.conditions = append(st.conditions, cond)
		return nil
	})
}

// SetEntryHook sets the hook fired when id is entered. Last write wins.
func (m *Machine) SetEntryHook(id StateID, hook Hook) error {
	return m.mutate("set_entry_hook", func() error {
		st, err := m.lookup(id, "state")
		if err != nil {
			return err
		}
		st.entryHook = hook
		return nil
	})
}

// SetTransitionHook sets the hook fired when from -> to is crossed. Last write wins.
func (m *Machine) SetTransitionHook(from, to StateID, hook Hook) error {
	return m.mutate("set_transition_hook", func() error {
		tr, err := m.lookupEdge(from, to)
		if err != nil {
			return err
		}
		tr.crossHook = hook
		return nil
	})
}

// SetFallbackState replaces the built-in Fallback sentinel. It can be set once,
// must not name a registered state and is rejected while the machine is parked
// on the current fallback.
func (m *Machine) SetFallbackState(id StateID) error {
	return m.mutate("set_fallback_state", func() error {
		if m.fallbackSet {
			return newError(ErrAlreadyInitialized, "fallback state already set", nil, map[string]any{
				"machine_id": m.id,
				"fallback":   m.fallback,
			})
		}
		if !m.current.IsZero() && m.current == m.fallback {
			return newError(ErrAlreadyInitialized, "machine is parked on the fallback state", nil, map[string]any{
				"machine_id": m.id,
				"fallback":   m.fallback,
			})
		}
		if id.IsZero() {
			return newError(ErrInvalidState, "fallback state id is required", nil, map[string]any{"machine_id": m.id})
		}
		if _, exists := m.states[id]; exists {
			return newError(ErrInvalidState, "fallback state must not be a registered state", nil, map[string]any{
				"machine_id": m.id,
				"state":      id,
			})
		}
		m.fallback = id
		m.fallbackSet = true
		return nil
	})
}

// Finalize locks the structure. Position and evaluation stay mutable.
func (m *Machine) Finalize() error {
	return m.mutate("finalize", func() error {
		if len(m.states) == 0 || m.initial.IsZero() {
			return newError(ErrNotInitialized, "finalize requires registered states and an initial state", nil, map[string]any{
				"machine_id": m.id,
			})
		}
		m.finalized = true
		m.logger.Debug("machine %s finalized with %d states", m.id, len(m.states))
		return nil
	})
}

// validateNewIDs checks a batch of new ids against each other and the
// registered set. Caller holds mu.
func (m *Machine) validateNewIDs(ids []StateID) error {
	if len(ids) == 0 {
		return newError(ErrEmptyInput, "at least one state is required", nil, map[string]any{"machine_id": m.id})
	}
	seen := make(map[StateID]struct{}, len(ids))
	for idx, id := range ids {
		if id.IsZero() {
			return newError(ErrInvalidState, "state id is required", nil, map[string]any{
				"machine_id": m.id,
				"index":      idx,
			})
		}
		if id == m.fallback {
			return newError(ErrInvalidState, "state id is reserved for the fallback state", nil, map[string]any{
				"machine_id": m.id,
				"state":      id,
			})
		}
		if _, registered := m.states[m.current]; id == m.current && !registered {
			return newError(ErrInvalidState, "state id is the unregistered current position", nil, map[string]any{
				"machine_id": m.id,
				"state":      id,
			})
		}
		if _, dup := seen[id]; dup {
			return newError(ErrDuplicateID, "duplicate state "+string(id), nil, map[string]any{
				"machine_id": m.id,
				"state":      id,
				"index":      idx,
			})
		}
		if _, exists := m.states[id]; exists {
			return newError(ErrDuplicateID, "state "+string(id)+" already registered", nil, map[string]any{
				"machine_id": m.id,
				"state":      id,
			})
		}
		seen[id] = struct{}{}
	}
	return nil
}

func (m *Machine) addState(id StateID) *state {
	st := &state{id: id, allowed: make(map[Selector]struct{})}
	m.states[id] = st
	m.order = append(m.order, id)
	return st
}
