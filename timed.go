package stagemachine

import "time"

// SetStateStartTime makes every edge entering id eligible from ts on. ts must
// be strictly after the machine clock; setting it again overwrites.
func (m *Machine) SetStateStartTime(id StateID, ts time.Time) error {
	return m.mutate("set_state_start_time", func() error {
		st, err := m.lookup(id, "state")
		if err != nil {
			return err
		}
		if err := m.checkFuture(ts, map[string]any{"state": id}); err != nil {
			return err
		}
		st.startTime = ts
		return nil
	})
}

// SetTransitionStartTime makes the edge from -> to eligible from ts on. ts
// must be strictly after the machine clock; setting it again overwrites.
func (m *Machine) SetTransitionStartTime(from, to StateID, ts time.Time) error {
	return m.mutate("set_transition_start_time", func() error {
		tr, err := m.lookupEdge(from, to)
		if err != nil {
			return err
		}
		if err := m.checkFuture(ts, map[string]any{"from": from, "to": to}); err != nil {
			return err
		}
		tr.startTime = ts
		return nil
	})
}

// StateStartTime returns the start time of id, if one was set.
func (m *Machine) StateStartTime(id StateID) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	if !ok || st.startTime.IsZero() {
		return time.Time{}, false
	}
	return st.startTime, true
}

// TransitionStartTime returns the start time of from -> to, if one was set.
func (m *Machine) TransitionStartTime(from, to StateID) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[from]
	if !ok {
		return time.Time{}, false
	}
	tr := st.edge(to)
	if tr == nil || tr.startTime.IsZero() {
		return time.Time{}, false
	}
	return tr.startTime, true
}

// StartTimes returns every configured start time in registration order,
// states first.
func (m *Machine) StartTimes() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []time.Time
	for _, id := range m.order {
		if st := m.states[id]; !st.startTime.IsZero() {
			out = append(out, st.startTime)
		}
	}
	for _, id := range m.order {
		for _, tr := range m.states[id].outgoing {
			if !tr.startTime.IsZero() {
				out = append(out, tr.startTime)
			}
		}
	}
	return out
}

func (m *Machine) checkFuture(ts time.Time, metadata map[string]any) error {
	now := m.clock.Now()
	if ts.After(now) {
		return nil
	}
	metadata["machine_id"] = m.id
	metadata["timestamp"] = ts
	metadata["now"] = now
	return newError(ErrTimestampInPast, "start time must be in the future", nil, metadata)
}
