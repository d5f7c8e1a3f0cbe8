package dsl

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/token"

	"github.com/roach88/vouch/internal/model"
)

// Entry is one element/policy pair to attest.
type Entry struct {
	// Name is the entry's label, used as a reference in the evaluation.
	Name string `json:"name"`

	// Element and Policy are item IDs or names.
	Element string `json:"element"`
	Policy  string `json:"policy"`

	// Rules are verified in order against the claim.
	Rules []string `json:"rules"`

	Parameters map[string]any `json:"parameters,omitempty"`

	Pos token.Pos `json:"-"`
}

// Template declares what to attest.
//
//	attest: {
//		"E1/P1": {element: "E1", policy: "P1", rules: ["tpm2/quote/magic"]}
//	}
type Template struct {
	Source  string
	Entries []Entry
	index   map[string]int
}

// Entry returns the entry with the given name.
func (t *Template) Entry(name string) (Entry, bool) {
	i, ok := t.index[name]
	if !ok {
		return Entry{}, false
	}
	return t.Entries[i], true
}

// ParseTemplate compiles a CUE (or JSON) template document.
func ParseTemplate(filename string, src []byte) (*Template, error) {
	v := cuecontext.New().CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, structural("template", formatCUEError(err))
	}

	attest := v.LookupPath(cue.ParsePath("attest"))
	if !attest.Exists() {
		return nil, structural("template", &CompileError{
			Field:   "attest",
			Message: "attest is required",
			Pos:     v.Pos(),
		})
	}
	if err := attest.Validate(cue.Concrete(true)); err != nil {
		return nil, structural("template", formatCUEError(err))
	}

	iter, err := attest.Fields()
	if err != nil {
		return nil, structural("template", formatCUEError(err))
	}

	t := &Template{Source: string(src), index: map[string]int{}}
	for iter.Next() {
		sel := iter.Selector()
		if sel.LabelType() != cue.StringLabel {
			continue
		}
		entry, err := parseEntry(sel.Unquoted(), iter.Value())
		if err != nil {
			return nil, structural("template", err)
		}
		t.index[entry.Name] = len(t.Entries)
		t.Entries = append(t.Entries, entry)
	}

	if len(t.Entries) == 0 {
		return nil, structural("template", &CompileError{
			Field:   "attest",
			Message: "at least one entry is required",
			Pos:     attest.Pos(),
		})
	}
	return t, nil
}

func parseEntry(name string, v cue.Value) (Entry, error) {
	field := "attest." + name
	if v.Kind() != cue.StructKind {
		return Entry{}, &CompileError{Field: field, Message: "entry must be a struct", Pos: v.Pos()}
	}

	entry := Entry{Name: name, Pos: v.Pos()}
	var err error
	if entry.Element, err = requiredString(v, field, "element"); err != nil {
		return Entry{}, err
	}
	if entry.Policy, err = requiredString(v, field, "policy"); err != nil {
		return Entry{}, err
	}

	rulesVal := v.LookupPath(cue.ParsePath("rules"))
	if !rulesVal.Exists() {
		return Entry{}, &CompileError{Field: field + ".rules", Message: "rules is required", Pos: v.Pos()}
	}
	list, err := rulesVal.List()
	if err != nil {
		return Entry{}, formatCUEError(err)
	}
	for list.Next() {
		rule, err := list.Value().String()
		if err != nil || rule == "" {
			return Entry{}, &CompileError{Field: field + ".rules", Message: "rule names must be non-empty strings", Pos: list.Value().Pos()}
		}
		entry.Rules = append(entry.Rules, rule)
	}
	if len(entry.Rules) == 0 {
		return Entry{}, &CompileError{Field: field + ".rules", Message: "at least one rule is required", Pos: rulesVal.Pos()}
	}

	paramsVal := v.LookupPath(cue.ParsePath("parameters"))
	if paramsVal.Exists() {
		if paramsVal.Kind() != cue.StructKind {
			return Entry{}, &CompileError{Field: field + ".parameters", Message: "parameters must be a struct", Pos: paramsVal.Pos()}
		}
		data, err := paramsVal.MarshalJSON()
		if err != nil {
			return Entry{}, formatCUEError(err)
		}
		if entry.Parameters, err = model.DecodeObject(data); err != nil {
			return Entry{}, fmt.Errorf("%s.parameters: %w", field, err)
		}
	}
	return entry, nil
}

func requiredString(v cue.Value, field, name string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(name))
	if !fv.Exists() {
		return "", &CompileError{Field: field + "." + name, Message: name + " is required", Pos: v.Pos()}
	}
	s, err := fv.String()
	if err != nil || s == "" {
		return "", &CompileError{Field: field + "." + name, Message: name + " must be a non-empty string", Pos: fv.Pos()}
	}
	return s, nil
}
