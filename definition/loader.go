package definition

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/goliatone/go-errors"
	stagemachine "github.com/goliatone/go-stagemachine"
	"gopkg.in/yaml.v3"
)

// Registries bundles the name lookups Build needs.
type Registries struct {
	Conditions *ConditionRegistry
	Hooks      *HookRegistry
}

// Parse reads a YAML or JSON document and validates it.
func Parse(data []byte) (Document, error) {
	var doc Document
	// yaml can handle JSON too, so a single attempt is fine
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return doc, errors.Wrap(err, errors.CategoryBadInput, "decode machine definition").
			WithTextCode("DEFINITION_DECODE_FAILED")
	}
	return doc, doc.Validate()
}

// Load reads and parses the document at path.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, errors.Wrap(err, errors.CategoryExternal, "read machine definition").
			WithTextCode("DEFINITION_READ_FAILED").
			WithMetadata(map[string]any{"path": path})
	}
	return Parse(data)
}

// Marshal renders the document as JSON (useful for fixtures).
func Marshal(doc Document) ([]byte, error) {
	return json.Marshal(doc)
}

// Build assembles a machine from doc. Every condition and hook name must
// resolve in reg.
func Build(doc Document, reg Registries, opts ...stagemachine.Option) (*stagemachine.Machine, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	b := &builder{
		doc: doc,
		reg: reg,
		m:   stagemachine.New(append([]stagemachine.Option{stagemachine.WithID(doc.ID)}, opts...)...),
	}
	steps := []func() error{
		b.fallback,
		b.states,
		b.transitions,
		b.stateDetails,
		b.finalize,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}
	return b.m, nil
}

type builder struct {
	doc Document
	reg Registries
	m   *stagemachine.Machine
}

func (b *builder) fallback() error {
	if fb := strings.TrimSpace(b.doc.Fallback); fb != "" {
		return b.m.SetFallbackState(stagemachine.StateID(fb))
	}
	return nil
}

func (b *builder) states() error {
	ids := make([]stagemachine.StateID, 0, len(b.doc.States))
	for _, st := range b.doc.States {
		ids = append(ids, stateID(st.Name))
	}
	if b.doc.Linear {
		return b.m.RegisterStates(ids...)
	}
	if err := b.m.AddStates(ids...); err != nil {
		return err
	}
	initial := ids[0]
	if name := strings.TrimSpace(b.doc.Initial); name != "" {
		initial = stateID(name)
	}
	return b.m.SetInitialState(initial)
}

func (b *builder) transitions() error {
	for _, tr := range b.doc.Transitions {
		from, to := stateID(tr.From), stateID(tr.To)
		if err := b.ensureEdge(from, to); err != nil {
			return err
		}
		for _, name := range tr.Conditions {
			cond, err := b.condition(name)
			if err != nil {
				return err
			}
			if err := b.m.AddCondition(from, to, cond); err != nil {
				return err
			}
		}
		if name := strings.TrimSpace(tr.OnCross); name != "" {
			hook, err := b.hook(name)
			if err != nil {
				return err
			}
			if err := b.m.SetTransitionHook(from, to, hook); err != nil {
				return err
			}
		}
		if ts, _ := parseStartAt(tr.StartAt); !ts.IsZero() {
			if err := b.m.SetTransitionStartTime(from, to, ts); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *builder) stateDetails() error {
	for _, st := range b.doc.States {
		id := stateID(st.Name)
		for _, sel := range st.Allow {
			if err := b.m.AllowOperation(id, stagemachine.Selector(strings.TrimSpace(sel))); err != nil {
				return err
			}
		}
		for _, name := range st.Conditions {
			cond, err := b.condition(name)
			if err != nil {
				return err
			}
			if err := b.m.AddStateCondition(id, cond); err != nil {
				return err
			}
		}
		if name := strings.TrimSpace(st.OnEnter); name != "" {
			hook, err := b.hook(name)
			if err != nil {
				return err
			}
			if err := b.m.SetEntryHook(id, hook); err != nil {
				return err
			}
		}
		if ts, _ := parseStartAt(st.StartAt); !ts.IsZero() {
			if err := b.m.SetStateStartTime(id, ts); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *builder) finalize() error {
	if b.doc.Finalize {
		return b.m.Finalize()
	}
	return nil
}

// ensureEdge creates from -> to unless a linear document already did.
func (b *builder) ensureEdge(from, to stagemachine.StateID) error {
	existing, err := b.m.Transitions(from)
	if err != nil {
		return err
	}
	for _, tr := range existing {
		if tr.To == to {
			return nil
		}
	}
	return b.m.CreateTransition(from, to)
}

func (b *builder) condition(name string) (stagemachine.Condition, error) {
	name = strings.TrimSpace(name)
	cond, ok := b.reg.Conditions.Lookup(name)
	if !ok {
		return nil, unknownReference(b.doc.ID, "condition", name)
	}
	return cond, nil
}

func (b *builder) hook(name string) (stagemachine.Hook, error) {
	hook, ok := b.reg.Hooks.Lookup(name)
	if !ok {
		return nil, unknownReference(b.doc.ID, "hook", name)
	}
	return hook, nil
}

func stateID(name string) stagemachine.StateID {
	return stagemachine.StateID(strings.TrimSpace(name))
}

func unknownReference(id, kind, name string) error {
	return errors.New(kind+" "+name+" is not registered", errors.CategoryNotFound).
		WithTextCode(ErrCodeUnknownReference).
		WithMetadata(map[string]any{
			"definition_id": id,
			"kind":          kind,
			"name":          name,
		})
}
