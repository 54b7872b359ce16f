package stagemachine

import (
	"context"
	"time"
)

// StateID identifies a state. The empty id is reserved and never valid.
type StateID string

// Selector identifies a host operation gated per state.
type Selector string

// Fallback is the built-in sentinel the machine parks on when a cascade cycles.
// It is never a member of the registered state set.
const Fallback StateID = "__FALLBACK__"

// IsZero reports whether id is the reserved zero id.
func (id StateID) IsZero() bool { return id == "" }

func (id StateID) String() string { return string(id) }

// Condition is a host supplied guard. Evaluate must not change the machine.
type Condition interface {
	Evaluate(ctx context.Context) bool
}

// ConditionFunc adapts a function to Condition.
type ConditionFunc func(ctx context.Context) bool

// Evaluate calls f.
func (f ConditionFunc) Evaluate(ctx context.Context) bool { return f(ctx) }

// Hook is a host supplied effect fired on state entry or transition crossing.
// Hooks may change host state but must not drive or reconfigure the machine.
type Hook interface {
	Run(ctx context.Context) error
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context) error

// Run calls f.
func (f HookFunc) Run(ctx context.Context) error { return f(ctx) }

// Result describes the outcome of Advance, GoTo or Next.
type Result struct {
	RunID    string
	Previous StateID
	Current  StateID
	// Path lists the states entered in order. The fallback state is appended
	// when the cascade cycled.
	Path     []StateID
	FellBack bool
}

// Moved reports whether the current state changed.
func (r Result) Moved() bool { return r.Previous != r.Current }

// StateInfo is a read-only view of a registered state.
type StateInfo struct {
	ID           StateID
	Allowed      []Selector
	HasEntryHook bool
	Conditions   int
	StartTime    time.Time
	Outgoing     []StateID
}

// TransitionInfo is a read-only view of a registered transition.
type TransitionInfo struct {
	From         StateID
	To           StateID
	Conditions   int
	HasCrossHook bool
	StartTime    time.Time
}

// Snapshot captures the machine position and what is reachable from it.
type Snapshot struct {
	MachineID string
	Initial   StateID
	Current   StateID
	Fallback  StateID
	Finalized bool
	Allowed   []Selector
	Targets   []StateID
}
