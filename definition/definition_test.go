package definition

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	stagemachine "github.com/goliatone/go-stagemachine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type switchCondition struct{ on atomic.Bool }

func (s *switchCondition) Evaluate(context.Context) bool { return s.on.Load() }

func saleRegistries(t *testing.T, opened, soldOut *switchCondition, events *[]string) Registries {
	t.Helper()
	conds := NewConditionRegistry()
	require.NoError(t, conds.Register("opened", opened))
	require.NoError(t, conds.Register("sold_out", soldOut))

	hooks := NewHookRegistry()
	record := func(name string) stagemachine.Hook {
		return stagemachine.HookFunc(func(context.Context) error {
			*events = append(*events, name)
			return nil
		})
	}
	require.NoError(t, hooks.Register("notify", record("notify")))
	require.NoError(t, hooks.Register("announce", record("announce")))
	return Registries{Conditions: conds, Hooks: hooks}
}

func TestLoadAndBuildSaleDefinition(t *testing.T) {
	doc, err := Load("testdata/sale.yaml")
	require.NoError(t, err)
	assert.Equal(t, "sale", doc.ID)
	assert.Equal(t, []string{"opened", "sold_out"}, doc.ConditionNames())
	assert.Equal(t, []string{"announce", "notify"}, doc.HookNames())

	opened, soldOut := &switchCondition{}, &switchCondition{}
	var events []string
	m, err := Build(doc, saleRegistries(t, opened, soldOut, &events),
		stagemachine.WithLogger(stagemachine.NopLogger()))
	require.NoError(t, err)

	assert.Equal(t, "sale", m.ID())
	assert.Equal(t, stagemachine.StateID("closed"), m.FallbackState())
	assert.Equal(t, []stagemachine.StateID{"pre-sale", "sale", "post-sale"}, m.States())
	assert.True(t, m.IsAllowed("pre-sale", "ReadTerms"))
	assert.False(t, m.IsAllowed("pre-sale", "Buy"))

	ctx := context.Background()
	res, err := m.Advance(ctx)
	require.NoError(t, err)
	assert.False(t, res.Moved())

	opened.on.Store(true)
	res, err = m.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, stagemachine.StateID("sale"), res.Current)
	assert.Equal(t, []string{"notify", "announce"}, events)

	soldOut.on.Store(true)
	res, err = m.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, stagemachine.StateID("post-sale"), res.Current)
}

func TestBuildGraphDefinition(t *testing.T) {
	doc, err := Parse([]byte(`{"id": "review", "initial": "draft", "finalize": true, ` +
		`"states": [{"name": "draft"}, {"name": "approved"}, {"name": "rejected"}], ` +
		`"transitions": [{"from": "draft", "to": "approved"}, {"from": "draft", "to": "rejected"}]}`))
	require.NoError(t, err)

	m, err := Build(doc, Registries{}, stagemachine.WithLogger(stagemachine.NopLogger()))
	require.NoError(t, err)
	assert.True(t, m.Finalized())
	assert.Equal(t, stagemachine.StateID("draft"), m.CurrentState())

	transitions, err := m.Transitions("draft")
	require.NoError(t, err)
	require.Len(t, transitions, 2)
	assert.Equal(t, stagemachine.StateID("approved"), transitions[0].To)
	assert.Equal(t, stagemachine.StateID("rejected"), transitions[1].To)

	_, err = m.GoTo(context.Background(), "rejected")
	require.NoError(t, err)
	assert.Equal(t, stagemachine.StateID("rejected"), m.CurrentState())
}

func TestBuildAppliesStartTimes(t *testing.T) {
	clock := stagemachine.NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	doc := Document{
		ID:     "timed",
		Linear: true,
		States: []StateDefinition{
			{Name: "waiting"},
			{Name: "open", StartAt: "2024-02-01T00:00:00Z"},
		},
	}
	m, err := Build(doc, Registries{}, stagemachine.WithClock(clock), stagemachine.WithLogger(stagemachine.NopLogger()))
	require.NoError(t, err)

	ts, ok := m.StateStartTime("open")
	require.True(t, ok)
	assert.True(t, ts.Equal(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)))

	clock.Set(ts)
	res, err := m.Advance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, stagemachine.StateID("open"), res.Current)
}

func TestBuildRejectsPastStartTime(t *testing.T) {
	clock := stagemachine.NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	doc := Document{
		ID:     "timed",
		Linear: true,
		States: []StateDefinition{{Name: "a"}, {Name: "b", StartAt: "2023-01-01T00:00:00Z"}},
	}
	_, err := Build(doc, Registries{}, stagemachine.WithClock(clock), stagemachine.WithLogger(stagemachine.NopLogger()))
	require.Error(t, err)
	assert.Equal(t, stagemachine.ErrCodeTimestampInPast, stagemachine.ErrorCode(err))
}

func TestBuildUnknownReference(t *testing.T) {
	doc := Document{
		ID:     "x",
		Linear: true,
		States: []StateDefinition{{Name: "a"}, {Name: "b", OnEnter: "missing"}},
	}
	_, err := Build(doc, Registries{Hooks: NewHookRegistry()})
	require.Error(t, err)
	assert.Equal(t, ErrCodeUnknownReference, stagemachine.ErrorCode(err))

	doc.States[1] = StateDefinition{Name: "b", Conditions: []string{"nope"}}
	_, err = Build(doc, Registries{})
	require.Error(t, err)
	assert.Equal(t, ErrCodeUnknownReference, stagemachine.ErrorCode(err))
}

func TestValidateDocument(t *testing.T) {
	cases := map[string]Document{
		"no states":      {ID: "x"},
		"empty name":     {States: []StateDefinition{{Name: " "}}},
		"duplicate":      {States: []StateDefinition{{Name: "a"}, {Name: "a"}}},
		"bad initial":    {Initial: "z", States: []StateDefinition{{Name: "a"}}},
		"linear initial": {Linear: true, Initial: "b", States: []StateDefinition{{Name: "a"}, {Name: "b"}}},
		"fallback clash": {Fallback: "a", States: []StateDefinition{{Name: "a"}}},
		"bad start_at":   {States: []StateDefinition{{Name: "a", StartAt: "tomorrow"}}},
		"empty allow":    {States: []StateDefinition{{Name: "a", Allow: []string{""}}}},
		"unknown edge":   {States: []StateDefinition{{Name: "a"}}, Transitions: []TransitionDefinition{{From: "a", To: "b"}}},
		"missing from":   {States: []StateDefinition{{Name: "a"}}, Transitions: []TransitionDefinition{{To: "a"}}},
		"duplicate edge": {
			States:      []StateDefinition{{Name: "a"}, {Name: "b"}},
			Transitions: []TransitionDefinition{{From: "a", To: "b"}, {From: "a", To: "b"}},
		},
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			err := doc.Validate()
			require.Error(t, err)
			assert.Equal(t, ErrCodeInvalidDefinition, stagemachine.ErrorCode(err))
		})
	}
}

func TestParseRejectsMalformedInput(t *testing.T) {
	_, err := Parse([]byte("states: [unterminated"))
	require.Error(t, err)
	assert.Equal(t, "DEFINITION_DECODE_FAILED", stagemachine.ErrorCode(err))
}

func TestMarshalRoundTrip(t *testing.T) {
	doc := Document{ID: "x", Linear: true, States: []StateDefinition{{Name: "a"}, {Name: "b"}}}
	data, err := Marshal(doc)
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, parsed.ID)
	assert.Equal(t, doc.States, parsed.States)
}

func TestRegistryNamespacing(t *testing.T) {
	reg := NewConditionRegistry()
	cond := &switchCondition{}
	require.NoError(t, reg.RegisterNamespaced("sale", "opened", cond))

	_, ok := reg.Lookup("opened")
	assert.False(t, ok)
	got, ok := reg.Lookup("sale::opened")
	require.True(t, ok)
	assert.Same(t, cond, got)

	err := reg.RegisterNamespaced("sale", "opened", cond)
	require.Error(t, err)
	assert.Equal(t, "REGISTRY_DUPLICATE", stagemachine.ErrorCode(err))

	err = reg.Register(" ", cond)
	assert.Equal(t, "REGISTRY_NAME_REQUIRED", stagemachine.ErrorCode(err))

	reg.SetNamespacer(func(ns, id string) string { return ns + "." + id })
	require.NoError(t, reg.RegisterNamespaced("a", "b", cond))
	assert.Equal(t, []string{"a.b", "sale::opened"}, reg.Names())
}
