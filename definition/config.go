package definition

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goliatone/go-errors"
)

const (
	ErrCodeInvalidDefinition = "DEFINITION_INVALID"
	ErrCodeUnknownReference  = "DEFINITION_UNKNOWN_REFERENCE"
)

// Document is a machine definition loaded from YAML or JSON.
type Document struct {
	ID          string                 `json:"id" yaml:"id"`
	Linear      bool                   `json:"linear,omitempty" yaml:"linear,omitempty"`
	Initial     string                 `json:"initial,omitempty" yaml:"initial,omitempty"`
	Fallback    string                 `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	Finalize    bool                   `json:"finalize,omitempty" yaml:"finalize,omitempty"`
	States      []StateDefinition      `json:"states" yaml:"states"`
	Transitions []TransitionDefinition `json:"transitions,omitempty" yaml:"transitions,omitempty"`
	Meta        map[string]any         `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// StateDefinition declares one state.
type StateDefinition struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Allow       []string `json:"allow,omitempty" yaml:"allow,omitempty"`
	OnEnter     string   `json:"on_enter,omitempty" yaml:"on_enter,omitempty"`
	Conditions  []string `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	StartAt     string   `json:"start_at,omitempty" yaml:"start_at,omitempty"`
}

// TransitionDefinition declares one edge. With a linear document the edges
// between consecutive states already exist and may be listed only to attach
// conditions, hooks or start times.
type TransitionDefinition struct {
	From       string   `json:"from" yaml:"from"`
	To         string   `json:"to" yaml:"to"`
	Conditions []string `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	OnCross    string   `json:"on_cross,omitempty" yaml:"on_cross,omitempty"`
	StartAt    string   `json:"start_at,omitempty" yaml:"start_at,omitempty"`
}

// Validate checks the document structure. Name references are resolved by Build.
func (d Document) Validate() error {
	if len(d.States) == 0 {
		return invalid(d.ID, "at least one state is required", nil)
	}
	names := make(map[string]struct{}, len(d.States))
	for idx, st := range d.States {
		name := strings.TrimSpace(st.Name)
		if name == "" {
			return invalid(d.ID, fmt.Sprintf("state[%d] has an empty name", idx), nil)
		}
		if _, dup := names[name]; dup {
			return invalid(d.ID, "duplicate state "+name, map[string]any{"state": name})
		}
		names[name] = struct{}{}
		if _, err := parseStartAt(st.StartAt); err != nil {
			return invalid(d.ID, "state "+name+" has an invalid start_at", map[string]any{"state": name, "error": err.Error()})
		}
		for _, sel := range st.Allow {
			if strings.TrimSpace(sel) == "" {
				return invalid(d.ID, "state "+name+" allows an empty operation", map[string]any{"state": name})
			}
		}
	}

	initial := strings.TrimSpace(d.Initial)
	if initial != "" {
		if _, ok := names[initial]; !ok {
			return invalid(d.ID, "initial state "+initial+" is not declared", nil)
		}
		if d.Linear && initial != strings.TrimSpace(d.States[0].Name) {
			return invalid(d.ID, "linear documents start at the first declared state", map[string]any{"initial": initial})
		}
	}
	if fb := strings.TrimSpace(d.Fallback); fb != "" {
		if _, clash := names[fb]; clash {
			return invalid(d.ID, "fallback "+fb+" must not be a declared state", nil)
		}
	}

	edges := make(map[string]struct{}, len(d.Transitions))
	for idx, tr := range d.Transitions {
		from, to := strings.TrimSpace(tr.From), strings.TrimSpace(tr.To)
		if from == "" || to == "" {
			return invalid(d.ID, fmt.Sprintf("transition[%d] requires from and to", idx), nil)
		}
		if _, ok := names[from]; !ok {
			return invalid(d.ID, fmt.Sprintf("transition[%d] references unknown from state %s", idx, from), nil)
		}
		if _, ok := names[to]; !ok {
			return invalid(d.ID, fmt.Sprintf("transition[%d] references unknown to state %s", idx, to), nil)
		}
		key := from + "->" + to
		if _, dup := edges[key]; dup {
			return invalid(d.ID, "duplicate transition "+key, nil)
		}
		edges[key] = struct{}{}
		if _, err := parseStartAt(tr.StartAt); err != nil {
			return invalid(d.ID, "transition "+key+" has an invalid start_at", map[string]any{"error": err.Error()})
		}
	}
	return nil
}

// ConditionNames returns every condition name referenced, sorted.
func (d Document) ConditionNames() []string {
	set := map[string]struct{}{}
	for _, st := range d.States {
		for _, name := range st.Conditions {
			set[strings.TrimSpace(name)] = struct{}{}
		}
	}
	for _, tr := range d.Transitions {
		for _, name := range tr.Conditions {
			set[strings.TrimSpace(name)] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// HookNames returns every hook name referenced, sorted.
func (d Document) HookNames() []string {
	set := map[string]struct{}{}
	for _, st := range d.States {
		if name := strings.TrimSpace(st.OnEnter); name != "" {
			set[name] = struct{}{}
		}
	}
	for _, tr := range d.Transitions {
		if name := strings.TrimSpace(tr.OnCross); name != "" {
			set[name] = struct{}{}
		}
	}
	return sortedKeys(set)
}

func sortedKeys(set map[string]struct{}) []string {
	delete(set, "")
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func parseStartAt(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func invalid(id, message string, metadata map[string]any) error {
	meta := map[string]any{"definition_id": id}
	for k, v := range metadata {
		meta[k] = v
	}
	return errors.New(message, errors.CategoryValidation).
		WithTextCode(ErrCodeInvalidDefinition).
		WithMetadata(meta)
}
