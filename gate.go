package stagemachine

import (
	"context"
	"strings"
)

// AllowOperation permits selector while the machine is in id.
func (m *Machine) AllowOperation(id StateID, selector Selector) error {
	return m.mutate("allow_operation", func() error {
		if strings.TrimSpace(string(selector)) == "" {
			return newError(ErrEmptyInput, "selector is required", nil, map[string]any{"machine_id": m.id})
		}
		st, err := m.lookup(id, "state")
		if err != nil {
			return err
		}
		st.allowed[selector] = struct{}{}
		return nil
	})
}

// IsAllowed reports whether selector was allowed for id. Unknown states and
// selectors are denied.
func (m *Machine) IsAllowed(id StateID, selector Selector) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	if !ok {
		return false
	}
	_, ok = st.allowed[selector]
	return ok
}

// CheckOperation returns ErrOperationNotAllowed unless selector is allowed in
// the current state.
func (m *Machine) CheckOperation(selector Selector) error {
	return m.checkOperationIn(m.CurrentState(), selector)
}

func (m *Machine) checkOperationIn(id StateID, selector Selector) error {
	if m.IsAllowed(id, selector) {
		return nil
	}
	return newError(ErrOperationNotAllowed, "operation "+string(selector)+" not allowed in state "+string(id), nil, map[string]any{
		"machine_id": m.id,
		"state":      id,
		"selector":   selector,
	})
}

// Invoke advances the machine, checks selector against the state that advance
// committed and runs fn when it is allowed. A concurrent GoTo landing between
// the two steps does not change the state checked. fn runs outside the
// evaluation and may drive the machine.
func (m *Machine) Invoke(ctx context.Context, selector Selector, fn func(context.Context) error) error {
	if m.reentrant(ctx) {
		return m.reentrantError("invoke")
	}
	res, err := m.Advance(ctx)
	if err != nil {
		return err
	}
	if err := m.checkOperationIn(res.Current, selector); err != nil {
		return err
	}
	if fn == nil {
		return nil
	}
	return fn(ctx)
}
