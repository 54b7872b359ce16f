package stagemachine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	stage0 StateID = "STAGE0"
	stage1 StateID = "STAGE1"
	stage2 StateID = "STAGE2"
	stage3 StateID = "STAGE3"
)

// flag is a settable condition that counts evaluations.
type flag struct {
	value atomic.Bool
	calls atomic.Int32
}

func newFlag(v bool) *flag {
	f := &flag{}
	f.value.Store(v)
	return f
}

func (f *flag) Evaluate(context.Context) bool {
	f.calls.Add(1)
	return f.value.Load()
}

func (f *flag) Set(v bool) { f.value.Store(v) }

// recorder collects hook invocations in order.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) hook(name string) Hook {
	return HookFunc(func(context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, name)
		return nil
	})
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

var always = ConditionFunc(func(context.Context) bool { return true })
var never = ConditionFunc(func(context.Context) bool { return false })

func newTestMachine(t *testing.T, opts ...Option) *Machine {
	t.Helper()
	opts = append([]Option{WithID("test"), WithLogger(NopLogger())}, opts...)
	return New(opts...)
}

// newGraph builds a machine with the given states, initial state first, and
// the given edges without conditions.
func newGraph(t *testing.T, states []StateID, edges [][2]StateID, opts ...Option) *Machine {
	t.Helper()
	m := newTestMachine(t, opts...)
	require.NoError(t, m.AddStates(states...))
	require.NoError(t, m.SetInitialState(states[0]))
	for _, e := range edges {
		require.NoError(t, m.CreateTransition(e[0], e[1]))
	}
	return m
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, ErrorCode(err), "unexpected error: %v", err)
}
