// Package stagemachine implements a guarded state machine.
//
// A host declares a directed graph of named states, restricts which operations
// are callable in each state and lets the machine advance itself whenever the
// conditions attached to outgoing transitions become true. A single Advance call
// cascades through as many states as are eligible; if the cascade revisits a
// state the machine is parked on the fallback state instead of looping.
//
// Wall-clock start times can be attached to states and transitions. They act as
// conditions that become true once the machine clock reaches them, and they
// take part in the same ordered, first-match scan as host conditions.
//
// Typical usage:
//
//	m := stagemachine.New(stagemachine.WithLogger(logger))
//	_ = m.RegisterStates("draft", "open", "closed")
//	_ = m.AddCondition("draft", "open", stagemachine.ConditionFunc(isFunded))
//	_ = m.AllowOperation("open", "buy")
//	_ = m.Finalize()
//
//	err := m.Invoke(ctx, "buy", func(ctx context.Context) error {
//		return sale.Buy(ctx, order)
//	})
package stagemachine
