package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goliatone/go-errors"
	stagemachine "github.com/goliatone/go-stagemachine"
	"github.com/goliatone/go-stagemachine/definition"
)

// ClockArgs are shared by every command.
type ClockArgs struct {
	Now string `help:"Clock start as RFC3339; defaults to the current time."`
}

func (c ClockArgs) clock() (*stagemachine.ManualClock, error) {
	if strings.TrimSpace(c.Now) == "" {
		return stagemachine.NewManualClock(time.Now()), nil
	}
	ts, err := parseTime("--now", c.Now)
	if err != nil {
		return nil, err
	}
	return stagemachine.NewManualClock(ts), nil
}

// load parses path and builds a machine whose conditions and hooks are
// supplied by sim.
func (c ClockArgs) load(app *App, path string, sim *simulation) (*stagemachine.Machine, definition.Document, error) {
	doc, err := definition.Load(path)
	if err != nil {
		return nil, doc, err
	}
	clock, err := c.clock()
	if err != nil {
		return nil, doc, err
	}
	sim.clock = clock
	regs, err := sim.registries(doc)
	if err != nil {
		return nil, doc, err
	}
	m, err := definition.Build(doc, regs,
		stagemachine.WithClock(clock),
		stagemachine.WithLogger(machineLogger{logger: app.Logger}),
	)
	return m, doc, err
}

// ValidateCmd builds every matching definition and reports what it references.
type ValidateCmd struct {
	ClockArgs `embed:""`

	Patterns []string `arg:"" help:"Definition files or doublestar patterns such as defs/**/*.yaml."`
}

func (c *ValidateCmd) Run(app *App) error {
	files, err := expandPatterns(c.Patterns)
	if err != nil {
		return err
	}
	failed := 0
	for _, file := range files {
		m, doc, err := c.load(app, file, newSimulation(app.Out, nil, nil))
		if err != nil {
			failed++
			fmt.Fprintf(app.Out, "%s: invalid: %v\n", file, err)
			continue
		}
		fmt.Fprintf(app.Out, "%s: ok (%d states, initial %s)\n", label(doc), len(m.States()), m.InitialState())
		if names := doc.ConditionNames(); len(names) > 0 {
			fmt.Fprintf(app.Out, "conditions: %s\n", strings.Join(names, ", "))
		}
		if names := doc.HookNames(); len(names) > 0 {
			fmt.Fprintf(app.Out, "hooks: %s\n", strings.Join(names, ", "))
		}
	}
	if failed > 0 {
		return errors.New(fmt.Sprintf("%d of %d definitions are invalid", failed, len(files)), errors.CategoryValidation).
			WithTextCode("STAGECTL_INVALID_DEFINITIONS")
	}
	return nil
}

// expandPatterns resolves each pattern with doublestar; a pattern without
// matches is an error so typos do not pass silently.
func expandPatterns(patterns []string) ([]string, error) {
	seen := make(map[string]struct{})
	var files []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, errors.Wrap(err, errors.CategoryBadInput, "invalid pattern "+pattern).
				WithTextCode("STAGECTL_BAD_PATTERN")
		}
		if len(matches) == 0 {
			return nil, errors.New("no definition matches "+pattern, errors.CategoryNotFound).
				WithTextCode("STAGECTL_NO_MATCH")
		}
		for _, match := range matches {
			if _, dup := seen[match]; dup {
				continue
			}
			seen[match] = struct{}{}
			files = append(files, match)
		}
	}
	return files, nil
}

// GraphCmd prints the machine structure.
type GraphCmd struct {
	ClockArgs `embed:""`

	File   string `arg:"" type:"existingfile" help:"Definition file (YAML or JSON)."`
	Format string `enum:"text,dot" default:"text" help:"Output format (text or dot)."`
}

func (c *GraphCmd) Run(app *App) error {
	m, doc, err := c.load(app, c.File, newSimulation(app.Out, nil, nil))
	if err != nil {
		return err
	}
	if c.Format == "dot" {
		return writeDot(app.Out, label(doc), m)
	}
	return writeText(app.Out, label(doc), m)
}

// SimulateCmd drives a machine: one advance at --now, one advance per --at,
// then one manual hop per --goto.
type SimulateCmd struct {
	ClockArgs `embed:""`

	File     string   `arg:"" type:"existingfile" help:"Definition file (YAML or JSON)."`
	Set      []string `short:"s" help:"Condition values as name or name=false." placeholder:"NAME[=BOOL]"`
	At       []string `help:"Move the clock to this RFC3339 time and advance."`
	Goto     []string `name:"goto" help:"Manual hops, applied after the timed advances."`
	FailHook []string `name:"fail-hook" help:"Hooks that return an error when fired."`
	Op       string   `help:"Finally check whether this operation is allowed."`
}

func (c *SimulateCmd) Run(app *App) error {
	values, err := parseConditionValues(c.Set)
	if err != nil {
		return err
	}
	sim := newSimulation(app.Out, values, c.FailHook)
	m, doc, err := c.load(app, c.File, sim)
	if err != nil {
		return err
	}
	ctx := context.Background()
	fmt.Fprintf(app.Out, "%s: start at %s\n", label(doc), m.CurrentState())

	report := func(step string, res stagemachine.Result, err error) {
		if err != nil {
			fmt.Fprintf(app.Out, "%s: error %s (%v), still at %s\n", step, stagemachine.ErrorCode(err), err, m.CurrentState())
			return
		}
		line := fmt.Sprintf("%s: %s -> %s", step, res.Previous, res.Current)
		if len(res.Path) > 0 {
			line += fmt.Sprintf(" via %s", joinIDs(res.Path))
		}
		if res.FellBack {
			line += " (fallback)"
		}
		fmt.Fprintln(app.Out, line)
	}

	res, err := m.Advance(ctx)
	report("advance", res, err)
	for _, raw := range c.At {
		ts, err := parseTime("--at", raw)
		if err != nil {
			return err
		}
		sim.clock.Set(ts)
		res, err := m.Advance(ctx)
		report("advance@"+raw, res, err)
	}
	for _, target := range c.Goto {
		res, err := m.GoTo(ctx, stagemachine.StateID(strings.TrimSpace(target)))
		report("goto "+target, res, err)
	}

	snap := m.Snapshot()
	fmt.Fprintf(app.Out, "final: %s allowed=[%s] targets=[%s]\n",
		snap.Current, joinSelectors(snap.Allowed), joinIDs(snap.Targets))
	if op := strings.TrimSpace(c.Op); op != "" {
		if err := m.CheckOperation(stagemachine.Selector(op)); err != nil {
			fmt.Fprintf(app.Out, "operation %s: denied\n", op)
		} else {
			fmt.Fprintf(app.Out, "operation %s: allowed\n", op)
		}
	}
	return nil
}

// simulation provides toggled conditions and printing hooks for every name a
// definition references.
type simulation struct {
	out       io.Writer
	values    map[string]bool
	failHooks map[string]bool
	clock     *stagemachine.ManualClock

	mu sync.Mutex
}

func newSimulation(out io.Writer, values map[string]bool, failHooks []string) *simulation {
	sim := &simulation{out: out, values: values, failHooks: map[string]bool{}}
	for _, name := range failHooks {
		sim.failHooks[strings.TrimSpace(name)] = true
	}
	return sim
}

func (s *simulation) registries(doc definition.Document) (definition.Registries, error) {
	conds := definition.NewConditionRegistry()
	for _, name := range doc.ConditionNames() {
		value := s.values[name]
		if err := conds.Register(name, stagemachine.ConditionFunc(func(context.Context) bool {
			return value
		})); err != nil {
			return definition.Registries{}, err
		}
	}
	for name := range s.values {
		if _, ok := conds.Lookup(name); !ok {
			return definition.Registries{}, errors.New("unknown condition "+name, errors.CategoryBadInput).
				WithTextCode("STAGECTL_UNKNOWN_CONDITION")
		}
	}

	hooks := definition.NewHookRegistry()
	for _, name := range doc.HookNames() {
		fail := s.failHooks[name]
		if err := hooks.Register(name, stagemachine.HookFunc(func(context.Context) error {
			s.mu.Lock()
			fmt.Fprintf(s.out, "  hook %s\n", name)
			s.mu.Unlock()
			if fail {
				return fmt.Errorf("hook %s failed", name)
			}
			return nil
		})); err != nil {
			return definition.Registries{}, err
		}
	}
	return definition.Registries{Conditions: conds, Hooks: hooks}, nil
}

func parseConditionValues(raw []string) (map[string]bool, error) {
	values := make(map[string]bool, len(raw))
	for _, item := range raw {
		name, value, hasValue := strings.Cut(item, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, errors.New("condition name is required", errors.CategoryBadInput).
				WithTextCode("STAGECTL_BAD_CONDITION")
		}
		on := true
		if hasValue {
			parsed, err := strconv.ParseBool(strings.TrimSpace(value))
			if err != nil {
				return nil, errors.Wrap(err, errors.CategoryBadInput, "invalid value for condition "+name).
					WithTextCode("STAGECTL_BAD_CONDITION")
			}
			on = parsed
		}
		values[name] = on
	}
	return values, nil
}

func parseTime(flag, raw string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, errors.Wrap(err, errors.CategoryBadInput, flag+" must be RFC3339").
			WithTextCode("STAGECTL_BAD_TIME")
	}
	return ts, nil
}

func writeText(w io.Writer, name string, m *stagemachine.Machine) error {
	fmt.Fprintf(w, "machine %s (initial %s, fallback %s)\n", name, m.InitialState(), m.FallbackState())
	for _, id := range m.States() {
		info, _ := m.State(id)
		line := "  " + string(id)
		if len(info.Allowed) > 0 {
			line += " [" + joinSelectors(info.Allowed) + "]"
		}
		if info.Conditions > 0 {
			line += fmt.Sprintf(" conditions=%d", info.Conditions)
		}
		if info.HasEntryHook {
			line += " on_enter"
		}
		if !info.StartTime.IsZero() {
			line += " start=" + info.StartTime.UTC().Format(time.RFC3339)
		}
		fmt.Fprintln(w, line)

		transitions, err := m.Transitions(id)
		if err != nil {
			return err
		}
		for _, tr := range transitions {
			edge := "    -> " + string(tr.To)
			if tr.Conditions > 0 {
				edge += fmt.Sprintf(" conditions=%d", tr.Conditions)
			}
			if tr.HasCrossHook {
				edge += " on_cross"
			}
			if !tr.StartTime.IsZero() {
				edge += " start=" + tr.StartTime.UTC().Format(time.RFC3339)
			}
			fmt.Fprintln(w, edge)
		}
	}
	return nil
}

func writeDot(w io.Writer, name string, m *stagemachine.Machine) error {
	fmt.Fprintf(w, "digraph %q {\n", name)
	for _, id := range m.States() {
		attrs := ""
		if id == m.InitialState() {
			attrs = " [shape=doublecircle]"
		}
		fmt.Fprintf(w, "  %q%s;\n", string(id), attrs)
	}
	for _, id := range m.States() {
		transitions, err := m.Transitions(id)
		if err != nil {
			return err
		}
		for _, tr := range transitions {
			fmt.Fprintf(w, "  %q -> %q;\n", string(tr.From), string(tr.To))
		}
	}
	fmt.Fprintln(w, "}")
	return nil
}

func label(doc definition.Document) string {
	if doc.ID != "" {
		return doc.ID
	}
	return "machine"
}

func joinIDs(ids []stagemachine.StateID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ",")
}

func joinSelectors(sels []stagemachine.Selector) string {
	parts := make([]string, len(sels))
	for i, sel := range sels {
		parts[i] = string(sel)
	}
	return strings.Join(parts, ",")
}
