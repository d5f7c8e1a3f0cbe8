package dsl

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vouch/internal/model"
)

const twoEntryTemplate = `
attest: {
	"E1/P1": {element: "E1", policy: "P1", rules: ["tpm2/quote/magic", "tpm2/quote/safe"]}
	"E2/P2": {
		element: "E2"
		policy:  "P2"
		rules: ["tpm2/pcrs"]
		parameters: {pcrSelection: "0,7", retries: 3}
	}
	"E3/P3": {element: "E3", policy: "P3", rules: ["null/pass"]}
}
`

func load(t *testing.T, template, evaluation string) *Program {
	t.Helper()
	p, err := Load("template.cue", []byte(template), "evaluation.cue", []byte(evaluation))
	require.NoError(t, err)
	return p
}

func requireStructural(t *testing.T, err error, contains string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, model.KindStructuralDSL, model.KindOf(err), err.Error())
	assert.Contains(t, err.Error(), contains)
}

func TestParseTemplate(t *testing.T) {
	tmpl, err := ParseTemplate("template.cue", []byte(twoEntryTemplate))
	require.NoError(t, err)

	require.Len(t, tmpl.Entries, 3)
	assert.Equal(t, []string{"E1/P1", "E2/P2", "E3/P3"},
		[]string{tmpl.Entries[0].Name, tmpl.Entries[1].Name, tmpl.Entries[2].Name})

	e2, ok := tmpl.Entry("E2/P2")
	require.True(t, ok)
	assert.Equal(t, "E2", e2.Element)
	assert.Equal(t, "P2", e2.Policy)
	assert.Equal(t, []string{"tpm2/pcrs"}, e2.Rules)
	assert.Equal(t, map[string]any{"pcrSelection": "0,7", "retries": json.Number("3")}, e2.Parameters)
	assert.True(t, e2.Pos.IsValid())

	e1, _ := tmpl.Entry("E1/P1")
	assert.Nil(t, e1.Parameters)

	_, ok = tmpl.Entry("nope")
	assert.False(t, ok)
}

func TestParseTemplate_JSON(t *testing.T) {
	src := `{"attest": {"a": {"element": "E1", "policy": "P1", "rules": ["null/pass"]}}}`
	tmpl, err := ParseTemplate("template.json", []byte(src))
	require.NoError(t, err)
	require.Len(t, tmpl.Entries, 1)
	assert.Equal(t, "a", tmpl.Entries[0].Name)
	assert.Equal(t, src, tmpl.Source)
}

func TestParseTemplate_StructuralErrors(t *testing.T) {
	tests := []struct {
		name     string
		src      string
		contains string
	}{
		{"syntax", `attest: {`, "template.cue:"},
		{"missing attest", `other: 1`, "attest is required"},
		{"empty attest", `attest: {}`, "at least one entry"},
		{"entry not struct", `attest: a: "x"`, "entry must be a struct"},
		{"missing element", `attest: a: {policy: "P", rules: ["r"]}`, "element is required"},
		{"empty policy", `attest: a: {element: "E", policy: "", rules: ["r"]}`, "policy must be a non-empty string"},
		{"missing rules", `attest: a: {element: "E", policy: "P"}`, "rules is required"},
		{"empty rules", `attest: a: {element: "E", policy: "P", rules: []}`, "at least one rule"},
		{"non-string rule", `attest: a: {element: "E", policy: "P", rules: [1]}`, "rule names must be non-empty strings"},
		{"bad parameters", `attest: a: {element: "E", policy: "P", rules: ["r"], parameters: [1]}`, "parameters must be a struct"},
		{"incomplete", `attest: a: {element: string, policy: "P", rules: ["r"]}`, "invalid template"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTemplate("template.cue", []byte(tt.src))
			requireStructural(t, err, tt.contains)
		})
	}
}

func TestParseEvaluation(t *testing.T) {
	ev, err := ParseEvaluation("evaluation.cue", []byte(`
define: boot: {and: ["E1/P1", "E2/P2"]}
decision: {or: ["boot", {not: "E3/P3"}]}
`))
	require.NoError(t, err)

	require.Contains(t, ev.Defines, "boot")
	boot := ev.Defines["boot"]
	assert.Equal(t, LogicAnd, boot.Logic)
	assert.Equal(t, "define/boot", boot.Path)
	assert.Equal(t, "define/boot/1", boot.Children[1].Path)

	root := ev.Decision
	assert.Equal(t, LogicOr, root.Logic)
	assert.Equal(t, "decision", root.Path)
	require.Len(t, root.Children, 2)
	assert.Equal(t, "boot", root.Children[0].Ref)
	assert.Equal(t, LogicNot, root.Children[1].Logic)
	assert.Equal(t, "decision/1/0", root.Children[1].Children[0].Path)
	assert.Equal(t, "E3/P3", root.Children[1].Children[0].Ref)
}

func TestParseEvaluation_StructuralErrors(t *testing.T) {
	tests := []struct {
		name     string
		src      string
		contains string
	}{
		{"syntax", `decision: {and: [`, "evaluation.cue:"},
		{"missing decision", `define: a: "x"`, "decision is required"},
		{"unknown operator", `decision: {xor: ["a", "b"]}`, `unknown operator "xor"`},
		{"two operators", `decision: {and: ["a"], or: ["b"]}`, "exactly one of"},
		{"empty operands", `decision: {and: []}`, "at least one operand"},
		{"operands not list", `decision: {or: "a"}`, "operands must be a list"},
		{"number node", `decision: {and: ["a", 3]}`, "decision/1"},
		{"empty ref", `decision: ""`, "reference must be non-empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEvaluation("evaluation.cue", []byte(tt.src))
			requireStructural(t, err, tt.contains)
		})
	}
}

func TestCompile_StructuralErrors(t *testing.T) {
	tests := []struct {
		name       string
		evaluation string
		contains   string
	}{
		{"unresolved", `decision: {and: ["E1/P1", "E9/P9"]}`, `unresolved reference "E9/P9"`},
		{"unresolved in define", `define: x: {not: "ghost"}` + "\n" + `decision: "x"`, `unresolved reference "ghost"`},
		{"cycle", `define: a: {and: ["b", "E1/P1"]}` + "\n" + `define: b: {or: ["a"]}` + "\n" + `decision: "a"`, "cyclic define: a -> b -> a"},
		{"self cycle", `define: a: {not: "a"}` + "\n" + `decision: "E1/P1"`, "cyclic define: a -> a"},
		{"ambiguous", `define: "E1/P1": {not: "E2/P2"}` + "\n" + `decision: "E1/P1"`, "names both a template entry and a define"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load("template.cue", []byte(twoEntryTemplate), "evaluation.cue", []byte(tt.evaluation))
			requireStructural(t, err, tt.contains)
		})
	}
}

func TestProgram_EntriesInTemplateOrder(t *testing.T) {
	p := load(t, twoEntryTemplate, `
define: tail: {not: "E1/P1"}
decision: {and: ["E3/P3", "tail", "tail"]}
`)
	entries := p.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "E1/P1", entries[0].Name)
	assert.Equal(t, "E3/P3", entries[1].Name)
}

func TestEvaluate_AndPassFail(t *testing.T) {
	p := load(t, twoEntryTemplate, `decision: {and: ["E1/P1", "E2/P2"]}`)

	outcome, decisions := p.Evaluate(map[string]Leaf{
		"E1/P1": {ElementID: "id-1", Outcome: model.Pass},
		"E2/P2": {ElementID: "id-2", Outcome: model.Fail},
	})

	assert.Equal(t, model.Fail, outcome)
	assert.Equal(t, []Decision{
		{ID: "id-1", Outcome: model.Pass, Template: "E1/P1", Logic: LogicLeaf},
		{ID: "id-2", Outcome: model.Fail, Template: "E2/P2", Logic: LogicLeaf},
		{ID: "decision", Outcome: model.Fail, Template: "decision", Logic: LogicAnd},
	}, decisions)
}

func TestEvaluate_IndeterminatePropagates(t *testing.T) {
	tests := []struct {
		name       string
		evaluation string
		leaves     map[string]model.Outcome
		want       model.Outcome
	}{
		{"and with pass", `decision: {and: ["E1/P1", "E2/P2"]}`, map[string]model.Outcome{"E1/P1": model.Pass, "E2/P2": model.Indeterminate}, model.Indeterminate},
		{"and with fail", `decision: {and: ["E1/P1", "E2/P2"]}`, map[string]model.Outcome{"E1/P1": model.Fail, "E2/P2": model.Indeterminate}, model.Fail},
		{"or with pass", `decision: {or: ["E1/P1", "E2/P2"]}`, map[string]model.Outcome{"E1/P1": model.Pass, "E2/P2": model.Indeterminate}, model.Pass},
		{"or with fail", `decision: {or: ["E1/P1", "E2/P2"]}`, map[string]model.Outcome{"E1/P1": model.Fail, "E2/P2": model.Indeterminate}, model.Indeterminate},
		{"not", `decision: {not: "E1/P1"}`, map[string]model.Outcome{"E1/P1": model.Indeterminate}, model.Indeterminate},
		{"bare leaf", `decision: "E1/P1"`, map[string]model.Outcome{"E1/P1": model.Indeterminate}, model.Indeterminate},
		{"missing leaf", `decision: {not: "E1/P1"}`, map[string]model.Outcome{}, model.Indeterminate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := load(t, twoEntryTemplate, tt.evaluation)
			leaves := map[string]Leaf{}
			for name, o := range tt.leaves {
				leaves[name] = Leaf{ElementID: name, Outcome: o}
			}
			outcome, decisions := p.Evaluate(leaves)
			assert.Equal(t, tt.want, outcome)
			require.NotEmpty(t, decisions)
			assert.Equal(t, tt.want, decisions[len(decisions)-1].Outcome)
		})
	}
}

func TestEvaluate_DefinesRecordedOnce(t *testing.T) {
	p := load(t, twoEntryTemplate, `
define: boot: {and: ["E1/P1", "E2/P2"]}
decision: {or: ["boot", {not: "boot"}, {not: "E3/P3"}]}
`)

	outcome, decisions := p.Evaluate(map[string]Leaf{
		"E1/P1": {ElementID: "id-1", Outcome: model.Pass},
		"E2/P2": {ElementID: "id-2", Outcome: model.Pass},
		"E3/P3": {ElementID: "id-3", Outcome: model.Pass},
	})
	assert.Equal(t, model.Pass, outcome)

	var ids []string
	for _, d := range decisions {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{
		"id-1", "id-2", "define/boot", "decision/0",
		"decision/1/0", "decision/1",
		"id-3", "decision/2",
		"decision",
	}, ids)

	assert.Equal(t, Decision{ID: "define/boot", Outcome: model.Pass, Template: "boot", Logic: LogicAnd}, decisions[2])
	assert.Equal(t, Decision{ID: "decision/0", Outcome: model.Pass, Template: "boot", Logic: LogicDefine}, decisions[3])
	assert.Equal(t, Decision{ID: "decision/1", Outcome: model.Fail, Template: "decision", Logic: LogicNot}, decisions[5])
}

func TestEvaluate_LeafWithoutElementFallsBackToTemplate(t *testing.T) {
	p := load(t, twoEntryTemplate, `decision: "E2/P2"`)
	_, decisions := p.Evaluate(map[string]Leaf{"E2/P2": {Outcome: model.Fail}})
	require.Len(t, decisions, 1)
	assert.Equal(t, "E2", decisions[0].ID)
}
